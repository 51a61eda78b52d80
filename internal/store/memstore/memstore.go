// Package memstore is an in-memory implementation of the stores, used by
// service tests. Units of work run one at a time and roll back by restoring a
// snapshot, which gives them serializable semantics.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"marketplace/internal/models"
	"marketplace/internal/store"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	errUniqueViolation = &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
	errCheckViolation  = &pq.Error{Code: "23514", Message: "new row violates check constraint"}
)

type state struct {
	users         map[string]models.User
	accounts      map[string]models.Account
	transactions  []models.Transaction
	files         map[string]models.File
	bundles       map[string]models.Bundle
	bundleItems   map[string][]string
	courses       map[string]models.Course
	purchases     []models.Purchase
	enrollments   []models.Enrollment
	notifications []models.Notification
	keys          map[string]models.IdempotencyRecord
	referrals     []models.Referral
	audit         []models.AuditLog
}

func newState() state {
	return state{
		users:       map[string]models.User{},
		accounts:    map[string]models.Account{},
		files:       map[string]models.File{},
		bundles:     map[string]models.Bundle{},
		bundleItems: map[string][]string{},
		courses:     map[string]models.Course{},
		keys:        map[string]models.IdempotencyRecord{},
	}
}

func (s state) clone() state {
	c := state{
		users:         make(map[string]models.User, len(s.users)),
		accounts:      make(map[string]models.Account, len(s.accounts)),
		transactions:  append([]models.Transaction(nil), s.transactions...),
		files:         make(map[string]models.File, len(s.files)),
		bundles:       make(map[string]models.Bundle, len(s.bundles)),
		bundleItems:   make(map[string][]string, len(s.bundleItems)),
		courses:       make(map[string]models.Course, len(s.courses)),
		purchases:     append([]models.Purchase(nil), s.purchases...),
		enrollments:   append([]models.Enrollment(nil), s.enrollments...),
		notifications: append([]models.Notification(nil), s.notifications...),
		keys:          make(map[string]models.IdempotencyRecord, len(s.keys)),
		referrals:     append([]models.Referral(nil), s.referrals...),
		audit:         append([]models.AuditLog(nil), s.audit...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.bundles {
		c.bundles[k] = v
	}
	for k, v := range s.bundleItems {
		c.bundleItems[k] = append([]string(nil), v...)
	}
	for k, v := range s.courses {
		c.courses[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data state
	fail func(op string) error
}

func New() *Store {
	return &Store{data: newState()}
}

// FailWhen installs a hook consulted before every write. A non-nil return
// aborts that write with the returned error.
func (s *Store) FailWhen(hook func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = hook
}

func (s *Store) check(op string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(op)
}

// WithTx implements db.TxRunner.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// SeedAccount creates a user with an opening balance recorded as a topup, so
// the ledger sum matches the stored balance from the start.
func (s *Store) SeedAccount(id, username string, balance decimal.Decimal, isAdmin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.data.users[id] = models.User{ID: id, Username: username, CreatedAt: now}
	s.data.accounts[id] = models.Account{ID: id, Balance: balance, IsAdmin: isAdmin, CreatedAt: now}
	if balance.IsPositive() {
		s.data.transactions = append(s.data.transactions, models.Transaction{
			ID:           "seed-" + id,
			TransferID:   "seed-" + id,
			AccountID:    id,
			Kind:         models.KindTopup,
			Amount:       balance,
			BalanceAfter: balance,
			Description:  "Opening balance",
			CreatedAt:    now,
		})
	}
}

func (s *Store) SeedFile(file models.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.files[file.ID] = file
}

func (s *Store) SeedBundle(bundle models.Bundle, fileIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.bundles[bundle.ID] = bundle
	s.data.bundleItems[bundle.ID] = append([]string(nil), fileIDs...)
}

func (s *Store) SeedCourse(course models.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.courses[course.ID] = course
}

func (s *Store) SeedPurchase(purchase models.Purchase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.purchases = append(s.data.purchases, purchase)
}

func (s *Store) Balance(accountID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.accounts[accountID].Balance
}

func (s *Store) Account(accountID string) (models.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.data.accounts[accountID]
	return account, ok
}

// TotalBalance sums every account balance.
func (s *Store) TotalBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, account := range s.data.accounts {
		total = total.Add(account.Balance)
	}
	return total
}

func (s *Store) AllTransactions() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Transaction(nil), s.data.transactions...)
}

func (s *Store) TransactionsFor(accountID string) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.Transaction
	for _, t := range s.data.transactions {
		if t.AccountID == accountID {
			rows = append(rows, t)
		}
	}
	return rows
}

func (s *Store) PurchasesFor(buyerID string) []models.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.Purchase
	for _, p := range s.data.purchases {
		if p.BuyerID == buyerID {
			rows = append(rows, p)
		}
	}
	return rows
}

func (s *Store) EnrollmentsFor(userID string) []models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.Enrollment
	for _, e := range s.data.enrollments {
		if e.UserID == userID {
			rows = append(rows, e)
		}
	}
	return rows
}

func (s *Store) NotificationsFor(userID string) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.Notification
	for _, n := range s.data.notifications {
		if n.UserID == userID {
			rows = append(rows, n)
		}
	}
	return rows
}

func (s *Store) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.data.audit...)
}

func (s *Store) Referrals() []models.Referral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Referral(nil), s.data.referrals...)
}

// LedgerSum returns the sum of an account's transaction amounts.
func (s *Store) LedgerSum(accountID string) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range s.TransactionsFor(accountID) {
		sum = sum.Add(t.Amount)
	}
	return sum
}

func (s *Store) Accounts() *Accounts           { return &Accounts{s} }
func (s *Store) Admin() *Admin                 { return &Admin{s} }
func (s *Store) Users() *Users                 { return &Users{s} }
func (s *Store) Transactions() *Transactions   { return &Transactions{s} }
func (s *Store) Purchases() *Purchases         { return &Purchases{s} }
func (s *Store) Artifacts() *Artifacts         { return &Artifacts{s} }
func (s *Store) Enrollments() *Enrollments     { return &Enrollments{s} }
func (s *Store) Notifications() *Notifications { return &Notifications{s} }
func (s *Store) Idempotency() *Idempotency     { return &Idempotency{s} }
func (s *Store) ReferralStore() *Referrals     { return &Referrals{s} }
func (s *Store) Audit() *Audit                 { return &Audit{s} }

type Accounts struct{ s *Store }

func (a *Accounts) Create(_ context.Context, _ store.Execer, account models.Account) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("accounts.create"); err != nil {
		return err
	}
	if _, exists := a.s.data.accounts[account.ID]; exists {
		return errUniqueViolation
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	a.s.data.accounts[account.ID] = account
	return nil
}

func (a *Accounts) Get(_ context.Context, _ store.Getter, accountID string) (models.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	account, ok := a.s.data.accounts[accountID]
	if !ok {
		return models.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (a *Accounts) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	return a.Get(ctx, nil, accountID)
}

func (a *Accounts) GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error) {
	return a.Get(ctx, tx, accountID)
}

func (a *Accounts) GetByReferralCode(_ context.Context, _ store.Getter, code string) (models.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, account := range a.s.data.accounts {
		if account.ReferralCode != nil && *account.ReferralCode == code {
			return account, nil
		}
	}
	return models.Account{}, sql.ErrNoRows
}

func (a *Accounts) SetBalance(_ context.Context, _ store.Execer, accountID string, balance decimal.Decimal) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("accounts.set_balance"); err != nil {
		return err
	}
	if balance.IsNegative() {
		return errCheckViolation
	}
	account := a.s.data.accounts[accountID]
	account.Balance = balance
	a.s.data.accounts[accountID] = account
	return nil
}

func (a *Accounts) SetVerification(_ context.Context, _ store.Execer, accountID string, verified bool, expiresAt *time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("accounts.set_verification"); err != nil {
		return err
	}
	account := a.s.data.accounts[accountID]
	account.IsVerified = verified
	account.VerificationExpiresAt = expiresAt
	a.s.data.accounts[accountID] = account
	return nil
}

func (a *Accounts) SetReferralCode(_ context.Context, _ store.Execer, accountID, code string) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("accounts.set_referral_code"); err != nil {
		return false, err
	}
	for id, account := range a.s.data.accounts {
		if id != accountID && account.ReferralCode != nil && *account.ReferralCode == code {
			return false, errUniqueViolation
		}
	}
	account, ok := a.s.data.accounts[accountID]
	if !ok || account.ReferralCode != nil {
		return false, nil
	}
	account.ReferralCode = &code
	a.s.data.accounts[accountID] = account
	return true, nil
}

func (a *Accounts) AddReferralEarnings(_ context.Context, _ store.Execer, accountID string, amount decimal.Decimal) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("accounts.add_referral_earnings"); err != nil {
		return err
	}
	account := a.s.data.accounts[accountID]
	account.TotalReferralEarnings = account.TotalReferralEarnings.Add(amount)
	a.s.data.accounts[accountID] = account
	return nil
}

func (a *Accounts) Check(_ context.Context, accountID string) (store.BalanceCheck, error) {
	account, ok := a.s.Account(accountID)
	if !ok {
		return store.BalanceCheck{}, sql.ErrNoRows
	}
	sum := a.s.LedgerSum(accountID)
	a.s.mu.Lock()
	username := a.s.data.users[accountID].Username
	a.s.mu.Unlock()
	return store.BalanceCheck{
		AccountID:  accountID,
		Username:   username,
		Stored:     account.Balance,
		Calculated: sum,
		Difference: account.Balance.Sub(sum),
	}, nil
}

func (a *Accounts) Reconcile(ctx context.Context) ([]store.BalanceCheck, error) {
	a.s.mu.Lock()
	ids := make([]string, 0, len(a.s.data.accounts))
	for id := range a.s.data.accounts {
		ids = append(ids, id)
	}
	a.s.mu.Unlock()
	sort.Strings(ids)
	mismatches := []store.BalanceCheck{}
	for _, id := range ids {
		check, err := a.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		if !check.Consistent() {
			mismatches = append(mismatches, check)
		}
	}
	return mismatches, nil
}

type Admin struct{ s *Store }

func (a *Admin) IsAdmin(_ context.Context, userID string) (bool, error) {
	account, _ := a.s.Account(userID)
	return account.IsAdmin, nil
}

func (a *Admin) Promote(_ context.Context, _ store.Execer, userID string) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	account, ok := a.s.data.accounts[userID]
	if !ok {
		return false, nil
	}
	account.IsAdmin = true
	a.s.data.accounts[userID] = account
	return true, nil
}

type Users struct{ s *Store }

func (u *Users) Create(_ context.Context, _ store.Execer, user models.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if err := u.s.check("users.create"); err != nil {
		return err
	}
	for _, existing := range u.s.data.users {
		if existing.Username == user.Username || existing.ID == user.ID {
			return errUniqueViolation
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	u.s.data.users[user.ID] = user
	return nil
}

func (u *Users) GetByUsername(_ context.Context, username string) (models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, user := range u.s.data.users {
		if user.Username == username {
			return user, nil
		}
	}
	return models.User{}, sql.ErrNoRows
}

func (u *Users) GetByID(_ context.Context, userID string) (models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.data.users[userID]
	if !ok {
		return models.User{}, sql.ErrNoRows
	}
	return user, nil
}

type Transactions struct{ s *Store }

func (t *Transactions) Insert(_ context.Context, _ store.Execer, entries []models.Transaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, entry := range entries {
		if err := t.s.check("transactions.insert"); err != nil {
			return err
		}
		t.s.data.transactions = append(t.s.data.transactions, entry)
	}
	return nil
}

type Purchases struct{ s *Store }

func (p *Purchases) Exists(_ context.Context, _ store.Getter, buyerID, artifactID string) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, purchase := range p.s.data.purchases {
		if purchase.BuyerID == buyerID && purchase.ArtifactID == artifactID {
			return true, nil
		}
	}
	return false, nil
}

func (p *Purchases) OwnedAmong(_ context.Context, _ store.Selecter, buyerID string, artifactIDs []string) ([]string, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	wanted := make(map[string]bool, len(artifactIDs))
	for _, id := range artifactIDs {
		wanted[id] = true
	}
	owned := []string{}
	for _, purchase := range p.s.data.purchases {
		if purchase.BuyerID == buyerID && wanted[purchase.ArtifactID] {
			owned = append(owned, purchase.ArtifactID)
		}
	}
	sort.Strings(owned)
	return owned, nil
}

func (p *Purchases) Insert(_ context.Context, _ store.Execer, purchase models.Purchase) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.check("purchases.insert"); err != nil {
		return false, err
	}
	for _, existing := range p.s.data.purchases {
		if existing.BuyerID == purchase.BuyerID && existing.ArtifactID == purchase.ArtifactID {
			return false, nil
		}
	}
	p.s.data.purchases = append(p.s.data.purchases, purchase)
	return true, nil
}

type Artifacts struct{ s *Store }

func (a *Artifacts) GetFile(_ context.Context, _ store.Getter, fileID string) (models.File, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	file, ok := a.s.data.files[fileID]
	if !ok {
		return models.File{}, sql.ErrNoRows
	}
	return file, nil
}

func (a *Artifacts) GetBundle(_ context.Context, _ store.Getter, bundleID string) (models.Bundle, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	bundle, ok := a.s.data.bundles[bundleID]
	if !ok {
		return models.Bundle{}, sql.ErrNoRows
	}
	return bundle, nil
}

func (a *Artifacts) BundleFiles(_ context.Context, _ store.Selecter, bundleID string) ([]models.File, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	files := []models.File{}
	for _, id := range a.s.data.bundleItems[bundleID] {
		if file, ok := a.s.data.files[id]; ok {
			files = append(files, file)
		}
	}
	return files, nil
}

func (a *Artifacts) ListFiles(_ context.Context, sellerID string, limit, offset int) ([]models.File, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	files := []models.File{}
	for _, file := range a.s.data.files {
		if file.IsActive && (sellerID == "" || file.SellerID == sellerID) {
			files = append(files, file)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	if offset >= len(files) {
		return []models.File{}, nil
	}
	files = files[offset:]
	if limit < len(files) {
		files = files[:limit]
	}
	return files, nil
}

func (a *Artifacts) CreateBundle(_ context.Context, _ store.Execer, bundle models.Bundle) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("bundles.insert"); err != nil {
		return err
	}
	if _, exists := a.s.data.bundles[bundle.ID]; exists {
		return errUniqueViolation
	}
	a.s.data.bundles[bundle.ID] = bundle
	return nil
}

func (a *Artifacts) AddBundleItems(_ context.Context, _ store.Execer, bundleID string, fileIDs []string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("bundle_items.insert"); err != nil {
		return err
	}
	if _, ok := a.s.data.bundles[bundleID]; !ok {
		return &pq.Error{Code: "23503", Message: "bundle does not exist"}
	}
	seen := map[string]bool{}
	for _, id := range append(append([]string(nil), a.s.data.bundleItems[bundleID]...), fileIDs...) {
		if seen[id] {
			return errUniqueViolation
		}
		seen[id] = true
	}
	a.s.data.bundleItems[bundleID] = append(a.s.data.bundleItems[bundleID], fileIDs...)
	return nil
}

func (a *Artifacts) GetCourse(_ context.Context, _ store.Getter, courseID string) (models.Course, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	course, ok := a.s.data.courses[courseID]
	if !ok {
		return models.Course{}, sql.ErrNoRows
	}
	return course, nil
}

type Enrollments struct{ s *Store }

func (e *Enrollments) Exists(_ context.Context, _ store.Getter, courseID, userID string) (bool, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	for _, enrollment := range e.s.data.enrollments {
		if enrollment.CourseID == courseID && enrollment.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Enrollments) Insert(_ context.Context, _ store.Execer, enrollment models.Enrollment) (bool, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err := e.s.check("enrollments.insert"); err != nil {
		return false, err
	}
	for _, existing := range e.s.data.enrollments {
		if existing.CourseID == enrollment.CourseID && existing.UserID == enrollment.UserID {
			return false, nil
		}
	}
	e.s.data.enrollments = append(e.s.data.enrollments, enrollment)
	return true, nil
}

type Notifications struct{ s *Store }

func (n *Notifications) Insert(_ context.Context, _ store.Execer, notification models.Notification) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	if err := n.s.check("notifications.insert"); err != nil {
		return err
	}
	n.s.data.notifications = append(n.s.data.notifications, notification)
	return nil
}

type Idempotency struct{ s *Store }

func (i *Idempotency) Get(_ context.Context, _ store.Getter, scope, key string) (models.IdempotencyRecord, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	record, ok := i.s.data.keys[scope+"\x00"+key]
	if !ok {
		return models.IdempotencyRecord{}, sql.ErrNoRows
	}
	return record, nil
}

func (i *Idempotency) Save(_ context.Context, _ store.Execer, record models.IdempotencyRecord) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	if err := i.s.check("idempotency.save"); err != nil {
		return err
	}
	id := record.Scope + "\x00" + record.Key
	if _, exists := i.s.data.keys[id]; exists {
		return errUniqueViolation
	}
	i.s.data.keys[id] = record
	return nil
}

type Referrals struct{ s *Store }

func (r *Referrals) Insert(_ context.Context, _ store.Execer, referral models.Referral) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("referrals.insert"); err != nil {
		return err
	}
	for _, existing := range r.s.data.referrals {
		if existing.ReferredID == referral.ReferredID {
			return errUniqueViolation
		}
	}
	r.s.data.referrals = append(r.s.data.referrals, referral)
	return nil
}

func (r *Referrals) Summary(_ context.Context, referrerID string) (store.ReferralSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	summary := store.ReferralSummary{Earnings: decimal.Zero}
	for _, referral := range r.s.data.referrals {
		if referral.ReferrerID != referrerID {
			continue
		}
		summary.Total++
		if referral.Status == "completed" {
			summary.Successful++
			summary.Earnings = summary.Earnings.Add(referral.Commission)
		}
	}
	return summary, nil
}

func (r *Referrals) Recent(_ context.Context, referrerID string, limit int) ([]models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := []models.Referral{}
	for i := len(r.s.data.referrals) - 1; i >= 0 && len(rows) < limit; i-- {
		referral := r.s.data.referrals[i]
		if referral.ReferrerID == referrerID {
			referral.Username = r.s.data.users[referral.ReferredID].Username
			rows = append(rows, referral)
		}
	}
	return rows, nil
}

type Audit struct{ s *Store }

func (a *Audit) Log(_ context.Context, _ store.Execer, actorID, action, entityType, entityID, data string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check("audit.log"); err != nil {
		return err
	}
	a.s.data.audit = append(a.s.data.audit, models.AuditLog{
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}
