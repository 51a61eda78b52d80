package store

import (
	"context"
	"time"

	"marketplace/internal/models"

	"github.com/shopspring/decimal"
)

const accountColumns = `id, balance, is_admin, is_verified, verification_expires_at,
		       files_uploaded, total_sales, total_purchases, messages_sent,
		       referral_code, total_referral_earnings, created_at`

type AccountStore struct {
	db DB
}

// BalanceCheck compares the stored balance with the sum of the account's
// transactions.
type BalanceCheck struct {
	AccountID  string          `db:"id" json:"account_id"`
	Username   string          `db:"username" json:"username"`
	Stored     decimal.Decimal `db:"stored_balance" json:"stored_balance"`
	Calculated decimal.Decimal `db:"calculated_balance" json:"calculated_balance"`
	Difference decimal.Decimal `db:"difference" json:"difference"`
}

func (c BalanceCheck) Consistent() bool {
	return c.Difference.IsZero()
}

type AccountWithUser struct {
	models.Account
	Username string `db:"username" json:"username"`
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, tx Execer, account models.Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, is_admin)
		VALUES ($1, $2, $3)
	`, account.ID, account.Balance, account.IsAdmin)
	return err
}

func (s *AccountStore) Get(ctx context.Context, tx Getter, accountID string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	return s.Get(ctx, s.db, accountID)
}

func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByReferralCode(ctx context.Context, tx Getter, code string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE referral_code = $1
	`, code)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) SetBalance(ctx context.Context, tx Execer, accountID string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, updated_at = NOW()
		WHERE id = $2
	`, balance, accountID)
	return err
}

func (s *AccountStore) SetVerification(ctx context.Context, tx Execer, accountID string, verified bool, expiresAt *time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET is_verified = $1, verification_expires_at = $2, updated_at = NOW()
		WHERE id = $3
	`, verified, expiresAt, accountID)
	return err
}

// SetReferralCode only assigns a code to accounts that have none. It reports
// whether a row changed.
func (s *AccountStore) SetReferralCode(ctx context.Context, tx Execer, accountID, code string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET referral_code = $1, updated_at = NOW()
		WHERE id = $2 AND referral_code IS NULL
	`, code, accountID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (s *AccountStore) AddReferralEarnings(ctx context.Context, tx Execer, accountID string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET total_referral_earnings = total_referral_earnings + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, accountID)
	return err
}

func (s *AccountStore) ListAllWithUsers(ctx context.Context, limit, offset int) ([]AccountWithUser, error) {
	rows := []AccountWithUser{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.id, a.balance, a.is_admin, a.is_verified, a.verification_expires_at,
		       a.files_uploaded, a.total_sales, a.total_purchases, a.messages_sent,
		       a.referral_code, a.total_referral_earnings, a.created_at,
		       u.username
		FROM accounts a
		JOIN users u ON u.id = a.id
		ORDER BY a.created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

const balanceCheckQuery = `
		SELECT a.id,
		       u.username,
		       a.balance AS stored_balance,
		       COALESCE(SUM(t.amount), 0) AS calculated_balance,
		       (a.balance - COALESCE(SUM(t.amount), 0)) AS difference
		FROM accounts a
		JOIN users u ON u.id = a.id
		LEFT JOIN transactions t ON t.account_id = a.id
`

func (s *AccountStore) Check(ctx context.Context, accountID string) (BalanceCheck, error) {
	var row BalanceCheck
	err := s.db.GetContext(ctx, &row, balanceCheckQuery+`
		WHERE a.id = $1
		GROUP BY a.id, u.username, a.balance
	`, accountID)
	if err != nil {
		return BalanceCheck{}, err
	}
	return row, nil
}

// Reconcile returns every account whose stored balance disagrees with its
// transaction history.
func (s *AccountStore) Reconcile(ctx context.Context) ([]BalanceCheck, error) {
	rows := []BalanceCheck{}
	err := s.db.SelectContext(ctx, &rows, balanceCheckQuery+`
		GROUP BY a.id, u.username, a.balance
		HAVING a.balance <> COALESCE(SUM(t.amount), 0)
		ORDER BY u.username
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
