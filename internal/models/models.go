package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindPurchase     Kind = "purchase"
	KindSale         Kind = "sale"
	KindGift         Kind = "gift"
	KindTopup        Kind = "topup"
	KindVerification Kind = "verification"
	KindReferral     Kind = "referral"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindSale, KindGift, KindTopup, KindVerification, KindReferral:
		return true
	}
	return false
}

// CreditKind is the kind recorded on the receiving leg of a transfer.
func (k Kind) CreditKind() Kind {
	if k == KindPurchase {
		return KindSale
	}
	return k
}

type NotificationType string

const (
	NotificationPurchase     NotificationType = "purchase"
	NotificationSale         NotificationType = "sale"
	NotificationGift         NotificationType = "gift"
	NotificationVerification NotificationType = "verification"
	NotificationReferral     NotificationType = "referral"
	NotificationEnrollment   NotificationType = "enrollment"
)

type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type Account struct {
	ID                    string          `db:"id" json:"id"`
	Balance               decimal.Decimal `db:"balance" json:"balance"`
	IsAdmin               bool            `db:"is_admin" json:"is_admin"`
	IsVerified            bool            `db:"is_verified" json:"is_verified"`
	VerificationExpiresAt *time.Time      `db:"verification_expires_at" json:"verification_expires_at,omitempty"`
	FilesUploaded         int64           `db:"files_uploaded" json:"files_uploaded"`
	TotalSales            int64           `db:"total_sales" json:"total_sales"`
	TotalPurchases        int64           `db:"total_purchases" json:"total_purchases"`
	MessagesSent          int64           `db:"messages_sent" json:"messages_sent"`
	ReferralCode          *string         `db:"referral_code" json:"referral_code,omitempty"`
	TotalReferralEarnings decimal.Decimal `db:"total_referral_earnings" json:"total_referral_earnings"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
}

// Unlimited accounts are never debited.
func (a Account) Unlimited() bool {
	return a.IsAdmin
}

func (a Account) VerifiedAt(now time.Time) bool {
	if a.IsAdmin {
		return true
	}
	if !a.IsVerified {
		return false
	}
	return a.VerificationExpiresAt == nil || a.VerificationExpiresAt.After(now)
}

type Transaction struct {
	ID             string          `db:"id" json:"id"`
	TransferID     string          `db:"transfer_id" json:"transfer_id"`
	AccountID      string          `db:"account_id" json:"account_id"`
	Kind           Kind            `db:"kind" json:"kind"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	BalanceAfter   decimal.Decimal `db:"balance_after" json:"balance_after"`
	Description    string          `db:"description" json:"description"`
	CounterpartyID *string         `db:"counterparty_id" json:"counterparty_id,omitempty"`
	ReferenceID    *string         `db:"reference_id" json:"reference_id,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

type File struct {
	ID            string          `db:"id" json:"id"`
	SellerID      string          `db:"user_id" json:"seller_id"`
	Title         string          `db:"title" json:"title"`
	Price         decimal.Decimal `db:"price" json:"price"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	DownloadCount int64           `db:"download_count" json:"download_count"`
}

type Bundle struct {
	ID                 string          `db:"id" json:"id"`
	CreatorID          string          `db:"creator_id" json:"creator_id"`
	Title              string          `db:"title" json:"title"`
	OriginalPrice      decimal.Decimal `db:"original_price" json:"original_price"`
	DiscountPercentage int             `db:"discount_percentage" json:"discount_percentage"`
	IsActive           bool            `db:"is_active" json:"is_active"`
	TotalSales         int64           `db:"total_sales" json:"total_sales"`
}

type Course struct {
	ID            string          `db:"id" json:"id"`
	CreatorID     string          `db:"creator_id" json:"creator_id"`
	Title         string          `db:"title" json:"title"`
	Price         decimal.Decimal `db:"price" json:"price"`
	IsPublished   bool            `db:"is_published" json:"is_published"`
	EnrolledCount int64           `db:"enrolled_count" json:"enrolled_count"`
}

type Purchase struct {
	ID         string          `db:"id" json:"id"`
	BuyerID    string          `db:"buyer_id" json:"buyer_id"`
	SellerID   string          `db:"seller_id" json:"seller_id"`
	ArtifactID string          `db:"artifact_id" json:"artifact_id"`
	BundleID   *string         `db:"bundle_id" json:"bundle_id,omitempty"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	TransferID *string         `db:"transfer_id" json:"transfer_id,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type Enrollment struct {
	ID         string          `db:"id" json:"id"`
	CourseID   string          `db:"course_id" json:"course_id"`
	UserID     string          `db:"user_id" json:"user_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	TransferID *string         `db:"transfer_id" json:"transfer_id,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	Link      *string          `db:"link" json:"link,omitempty"`
	IsRead    bool             `db:"is_read" json:"is_read"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

type Referral struct {
	ID         string          `db:"id" json:"id"`
	ReferrerID string          `db:"referrer_id" json:"referrer_id"`
	ReferredID string          `db:"referred_id" json:"referred_id"`
	Username   string          `db:"username" json:"username"`
	Code       string          `db:"code" json:"code"`
	Status     string          `db:"status" json:"status"`
	Commission decimal.Decimal `db:"commission" json:"commission"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type IdempotencyRecord struct {
	Scope       string    `db:"scope"`
	Key         string    `db:"key"`
	RequestHash string    `db:"request_hash"`
	Response    []byte    `db:"response"`
	CreatedAt   time.Time `db:"created_at"`
}

type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Data       string    `db:"data" json:"data"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
