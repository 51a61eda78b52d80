package services

import (
	"context"
	"log/slog"
	"time"

	"marketplace/internal/db"
	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/money"
	"marketplace/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type VerificationStore interface {
	AccountReader
	SetVerification(ctx context.Context, tx store.Execer, accountID string, verified bool, expiresAt *time.Time) error
}

type VerificationResult struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
}

type VerificationService struct {
	txRunner      db.TxRunner
	ledger        Ledger
	accounts      VerificationStore
	notifications NotificationStore
	price         decimal.Decimal
	period        time.Duration
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

func NewVerificationService(txRunner db.TxRunner, ledgerService Ledger, accounts VerificationStore, notifications NotificationStore, price decimal.Decimal, period time.Duration, logger *slog.Logger) *VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		txRunner:      txRunner,
		ledger:        ledgerService,
		accounts:      accounts,
		notifications: notifications,
		price:         price,
		period:        period,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Subscribe charges the badge price to the marketplace and marks the account
// verified for one period. Admins are permanently verified.
func (s *VerificationService) Subscribe(ctx context.Context, accountID string) (VerificationResult, error) {
	var (
		result   VerificationResult
		transfer ledger.TransferResult
	)
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		account, err := s.accounts.Get(ctx, tx, accountID)
		if err != nil {
			return notFoundAccount(err, accountID)
		}
		now := s.now().UTC()
		if account.VerifiedAt(now) {
			return ErrAlreadyVerified
		}
		transfer, err = s.ledger.Post(ctx, tx, ledger.TransferRequest{
			PayerID:     ledger.StringPtr(accountID),
			Amount:      s.price,
			Kind:        models.KindVerification,
			Description: "Verification badge subscription (1 month)",
		})
		if err != nil {
			return err
		}
		expiresAt := now.Add(s.period)
		if err := s.accounts.SetVerification(ctx, tx, accountID, true, &expiresAt); err != nil {
			return err
		}
		err = s.notifications.Insert(ctx, tx, models.Notification{
			ID:        s.newID(),
			UserID:    accountID,
			Type:      models.NotificationVerification,
			Title:     "Verification Active!",
			Message:   "Your verification badge is active until " + expiresAt.Format("January 2, 2006") + ".",
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		result = VerificationResult{
			ExpiresAt: expiresAt,
			Amount:    s.price,
			Balance:   *transfer.PayerBalance,
		}
		return nil
	})
	if err != nil {
		return VerificationResult{}, classify(err)
	}
	s.ledger.Notify(transfer)
	s.logger.Info("verification subscribed",
		slog.String("account_id", accountID),
		slog.String("amount", money.Format(s.price)),
	)
	return result, nil
}

// Cancel clears the badge. The subscription fee is not refunded.
func (s *VerificationService) Cancel(ctx context.Context, accountID string) error {
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		account, err := s.accounts.Get(ctx, tx, accountID)
		if err != nil {
			return notFoundAccount(err, accountID)
		}
		if account.IsAdmin || !account.VerifiedAt(s.now().UTC()) {
			return ErrNotVerified
		}
		return s.accounts.SetVerification(ctx, tx, accountID, false, nil)
	})
	return classify(err)
}
