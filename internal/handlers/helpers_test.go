package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace/internal/auth"
	"marketplace/internal/config"
	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/services"
	"marketplace/internal/store"
	"marketplace/internal/websocket"

	"github.com/stretchr/testify/require"
)

const testSecret = "secret"

type stubUserStore struct {
	getByIDFn func(ctx context.Context, userID string) (models.User, error)
}

func (s stubUserStore) GetByID(ctx context.Context, userID string) (models.User, error) {
	if s.getByIDFn == nil {
		return models.User{ID: userID}, nil
	}
	return s.getByIDFn(ctx, userID)
}

type stubAccountStore struct {
	getByIDFn   func(ctx context.Context, accountID string) (models.Account, error)
	listAllFn   func(ctx context.Context, limit, offset int) ([]store.AccountWithUser, error)
	checkFn     func(ctx context.Context, accountID string) (store.BalanceCheck, error)
	reconcileFn func(ctx context.Context) ([]store.BalanceCheck, error)
}

func (s stubAccountStore) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	if s.getByIDFn == nil {
		return models.Account{ID: accountID}, nil
	}
	return s.getByIDFn(ctx, accountID)
}

func (s stubAccountStore) ListAllWithUsers(ctx context.Context, limit, offset int) ([]store.AccountWithUser, error) {
	if s.listAllFn == nil {
		return nil, nil
	}
	return s.listAllFn(ctx, limit, offset)
}

func (s stubAccountStore) Check(ctx context.Context, accountID string) (store.BalanceCheck, error) {
	if s.checkFn == nil {
		return store.BalanceCheck{AccountID: accountID}, nil
	}
	return s.checkFn(ctx, accountID)
}

func (s stubAccountStore) Reconcile(ctx context.Context) ([]store.BalanceCheck, error) {
	if s.reconcileFn == nil {
		return nil, nil
	}
	return s.reconcileFn(ctx)
}

type stubTransactionStore struct {
	listByAccountFn func(ctx context.Context, accountID, kind string, limit, offset int) ([]store.TransactionView, error)
	listAllFn       func(ctx context.Context, limit, offset int) ([]store.TransactionView, error)
	topEarnersFn    func(ctx context.Context, since *time.Time, limit int) ([]store.Earner, error)
}

func (s stubTransactionStore) ListByAccount(ctx context.Context, accountID, kind string, limit, offset int) ([]store.TransactionView, error) {
	if s.listByAccountFn == nil {
		return nil, nil
	}
	return s.listByAccountFn(ctx, accountID, kind, limit, offset)
}

func (s stubTransactionStore) ListAll(ctx context.Context, limit, offset int) ([]store.TransactionView, error) {
	if s.listAllFn == nil {
		return nil, nil
	}
	return s.listAllFn(ctx, limit, offset)
}

func (s stubTransactionStore) TopEarners(ctx context.Context, since *time.Time, limit int) ([]store.Earner, error) {
	if s.topEarnersFn == nil {
		return nil, nil
	}
	return s.topEarnersFn(ctx, since, limit)
}

type stubPurchaseStore struct {
	listByBuyerFn func(ctx context.Context, buyerID string, limit, offset int) ([]store.PurchaseView, error)
}

func (s stubPurchaseStore) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]store.PurchaseView, error) {
	if s.listByBuyerFn == nil {
		return nil, nil
	}
	return s.listByBuyerFn(ctx, buyerID, limit, offset)
}

type stubNotificationStore struct {
	listFn     func(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	markReadFn func(ctx context.Context, userID, notificationID string) (bool, error)
}

func (s stubNotificationStore) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, userID, unreadOnly, limit)
}

func (s stubNotificationStore) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	if s.markReadFn == nil {
		return true, nil
	}
	return s.markReadFn(ctx, userID, notificationID)
}

type stubAdminStore struct {
	admins map[string]bool
}

func (s stubAdminStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	return s.admins[userID], nil
}

type stubAuditStore struct {
	listFn func(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
}

func (s stubAuditStore) List(ctx context.Context, limit, offset int) ([]models.AuditLog, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, limit, offset)
}

type stubAccountService struct {
	signupFn  func(ctx context.Context, req services.SignupRequest) (services.AuthResult, error)
	loginFn   func(ctx context.Context, username, password string) (services.AuthResult, error)
	giftFn    func(ctx context.Context, req services.GiftRequest) (ledger.TransferResult, error)
	promoteFn func(ctx context.Context, adminID, userID string) error
}

func (s stubAccountService) Signup(ctx context.Context, req services.SignupRequest) (services.AuthResult, error) {
	if s.signupFn == nil {
		return services.AuthResult{}, nil
	}
	return s.signupFn(ctx, req)
}

func (s stubAccountService) Login(ctx context.Context, username, password string) (services.AuthResult, error) {
	if s.loginFn == nil {
		return services.AuthResult{}, nil
	}
	return s.loginFn(ctx, username, password)
}

func (s stubAccountService) Gift(ctx context.Context, req services.GiftRequest) (ledger.TransferResult, error) {
	if s.giftFn == nil {
		return ledger.TransferResult{}, nil
	}
	return s.giftFn(ctx, req)
}

func (s stubAccountService) Promote(ctx context.Context, adminID, userID string) error {
	if s.promoteFn == nil {
		return nil
	}
	return s.promoteFn(ctx, adminID, userID)
}

type stubPurchaseService struct {
	purchaseFn func(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)
	bundleFn   func(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)
	enrollFn   func(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)
}

func (s stubPurchaseService) Purchase(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error) {
	if s.purchaseFn == nil {
		return services.PurchaseResult{}, nil
	}
	return s.purchaseFn(ctx, req)
}

func (s stubPurchaseService) PurchaseBundle(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error) {
	if s.bundleFn == nil {
		return services.PurchaseResult{}, nil
	}
	return s.bundleFn(ctx, req)
}

func (s stubPurchaseService) EnrollCourse(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error) {
	if s.enrollFn == nil {
		return services.PurchaseResult{}, nil
	}
	return s.enrollFn(ctx, req)
}

type stubVerificationService struct {
	subscribeFn func(ctx context.Context, accountID string) (services.VerificationResult, error)
	cancelFn    func(ctx context.Context, accountID string) error
}

func (s stubVerificationService) Subscribe(ctx context.Context, accountID string) (services.VerificationResult, error) {
	if s.subscribeFn == nil {
		return services.VerificationResult{}, nil
	}
	return s.subscribeFn(ctx, accountID)
}

func (s stubVerificationService) Cancel(ctx context.Context, accountID string) error {
	if s.cancelFn == nil {
		return nil
	}
	return s.cancelFn(ctx, accountID)
}

type stubReferralService struct {
	generateFn func(ctx context.Context, accountID string) (services.ReferralLink, error)
	statsFn    func(ctx context.Context, accountID string) (services.ReferralStats, error)
}

func (s stubReferralService) Generate(ctx context.Context, accountID string) (services.ReferralLink, error) {
	if s.generateFn == nil {
		return services.ReferralLink{}, nil
	}
	return s.generateFn(ctx, accountID)
}

func (s stubReferralService) Stats(ctx context.Context, accountID string) (services.ReferralStats, error) {
	if s.statsFn == nil {
		return services.ReferralStats{}, nil
	}
	return s.statsFn(ctx, accountID)
}

type stubFileStore struct {
	listFn func(ctx context.Context, sellerID string, limit, offset int) ([]models.File, error)
}

func (s stubFileStore) ListFiles(ctx context.Context, sellerID string, limit, offset int) ([]models.File, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, sellerID, limit, offset)
}

type stubCatalogService struct {
	createFn func(ctx context.Context, req services.CreateBundleRequest) (services.BundleView, error)
	bundleFn func(ctx context.Context, bundleID string) (services.BundleView, error)
}

func (s stubCatalogService) CreateBundle(ctx context.Context, req services.CreateBundleRequest) (services.BundleView, error) {
	if s.createFn == nil {
		return services.BundleView{}, nil
	}
	return s.createFn(ctx, req)
}

func (s stubCatalogService) Bundle(ctx context.Context, bundleID string) (services.BundleView, error) {
	if s.bundleFn == nil {
		return services.BundleView{}, nil
	}
	return s.bundleFn(ctx, bundleID)
}

type stubStats struct {
	rebuildFn func(ctx context.Context) error
}

func (s stubStats) Rebuild(ctx context.Context) error {
	if s.rebuildFn == nil {
		return nil
	}
	return s.rebuildFn(ctx)
}

// newTestHandler fills every dependency left nil in deps with a default stub.
func newTestHandler(deps Deps) *Handler {
	if deps.Users == nil {
		deps.Users = stubUserStore{}
	}
	if deps.Accounts == nil {
		deps.Accounts = stubAccountStore{}
	}
	if deps.Transactions == nil {
		deps.Transactions = stubTransactionStore{}
	}
	if deps.Purchases == nil {
		deps.Purchases = stubPurchaseStore{}
	}
	if deps.Notifications == nil {
		deps.Notifications = stubNotificationStore{}
	}
	if deps.Admin == nil {
		deps.Admin = stubAdminStore{}
	}
	if deps.Audit == nil {
		deps.Audit = stubAuditStore{}
	}
	if deps.AccountSvc == nil {
		deps.AccountSvc = stubAccountService{}
	}
	if deps.PurchaseSvc == nil {
		deps.PurchaseSvc = stubPurchaseService{}
	}
	if deps.Verification == nil {
		deps.Verification = stubVerificationService{}
	}
	if deps.Referrals == nil {
		deps.Referrals = stubReferralService{}
	}
	if deps.Files == nil {
		deps.Files = stubFileStore{}
	}
	if deps.Catalog == nil {
		deps.Catalog = stubCatalogService{}
	}
	if deps.Stats == nil {
		deps.Stats = stubStats{}
	}
	cfg := config.Config{
		AppEnv:         "test",
		Port:           "0",
		JWTSecret:      testSecret,
		TokenTTL:       time.Minute,
		AllowedOrigins: []string{"*"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, deps, websocket.NewHub(logger), logger)
}

// serve sends a request through the full router. An empty userID sends no
// Authorization header.
func serve(t *testing.T, h *Handler, method, path, userID string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := auth.GenerateToken(testSecret, userID, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&payload), rr.Body.String())
	return payload
}
