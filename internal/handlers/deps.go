package handlers

import (
	"context"
	"time"

	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/services"
	"marketplace/internal/store"
)

type UserStore interface {
	GetByID(ctx context.Context, userID string) (models.User, error)
}

type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (models.Account, error)
	ListAllWithUsers(ctx context.Context, limit, offset int) ([]store.AccountWithUser, error)
	Check(ctx context.Context, accountID string) (store.BalanceCheck, error)
	Reconcile(ctx context.Context) ([]store.BalanceCheck, error)
}

type TransactionStore interface {
	ListByAccount(ctx context.Context, accountID, kind string, limit, offset int) ([]store.TransactionView, error)
	ListAll(ctx context.Context, limit, offset int) ([]store.TransactionView, error)
	TopEarners(ctx context.Context, since *time.Time, limit int) ([]store.Earner, error)
}

type PurchaseStore interface {
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]store.PurchaseView, error)
}

type NotificationStore interface {
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (bool, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type AuditStore interface {
	List(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
}

type AccountService interface {
	Signup(ctx context.Context, req services.SignupRequest) (services.AuthResult, error)
	Login(ctx context.Context, username, password string) (services.AuthResult, error)
	Gift(ctx context.Context, req services.GiftRequest) (ledger.TransferResult, error)
	Promote(ctx context.Context, adminID, userID string) error
}

type PurchaseService interface {
	Purchase(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)
	PurchaseBundle(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)
	EnrollCourse(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)
}

type VerificationService interface {
	Subscribe(ctx context.Context, accountID string) (services.VerificationResult, error)
	Cancel(ctx context.Context, accountID string) error
}

type ReferralService interface {
	Generate(ctx context.Context, accountID string) (services.ReferralLink, error)
	Stats(ctx context.Context, accountID string) (services.ReferralStats, error)
}

type FileStore interface {
	ListFiles(ctx context.Context, sellerID string, limit, offset int) ([]models.File, error)
}

type CatalogService interface {
	CreateBundle(ctx context.Context, req services.CreateBundleRequest) (services.BundleView, error)
	Bundle(ctx context.Context, bundleID string) (services.BundleView, error)
}

type StatsRebuilder interface {
	Rebuild(ctx context.Context) error
}

// Deps groups what the HTTP layer talks to.
type Deps struct {
	Users         UserStore
	Accounts      AccountStore
	Transactions  TransactionStore
	Purchases     PurchaseStore
	Notifications NotificationStore
	Admin         AdminStore
	Audit         AuditStore
	Files         FileStore
	AccountSvc    AccountService
	PurchaseSvc   PurchaseService
	Verification  VerificationService
	Referrals     ReferralService
	Catalog       CatalogService
	Stats         StatsRebuilder
}
