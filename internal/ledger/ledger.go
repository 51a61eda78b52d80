// Package ledger owns every balance mutation. A transfer debits the payer,
// credits the payee and appends one transaction row per changed balance, all
// inside one database transaction, or it writes nothing.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace/internal/db"
	"marketplace/internal/idempotency"
	"marketplace/internal/models"
	"marketplace/internal/money"
	"marketplace/internal/store"
	"marketplace/internal/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStore interface {
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error)
	SetBalance(ctx context.Context, tx store.Execer, accountID string, balance decimal.Decimal) error
}

type TransactionStore interface {
	Insert(ctx context.Context, tx store.Execer, entries []models.Transaction) error
}

type BalanceHub interface {
	Publish(accountID string, update websocket.BalanceUpdate)
}

// TransferRequest moves Amount from PayerID to PayeeID. A nil payer is a pure
// credit (topups, gifts, bonuses) and a nil payee is a pure debit (charges to
// the marketplace itself). Amount is always positive; direction comes from the
// parties.
type TransferRequest struct {
	PayerID          *string         `json:"payer_id,omitempty"`
	PayeeID          *string         `json:"payee_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Kind             models.Kind     `json:"kind"`
	Description      string          `json:"description"`
	PayeeDescription string          `json:"payee_description,omitempty"`
	ReferenceID      *string         `json:"reference_id,omitempty"`
	IdempotencyKey   string          `json:"-"`
}

type TransferResult struct {
	TransferID   string               `json:"transfer_id"`
	Entries      []models.Transaction `json:"entries"`
	PayerBalance *decimal.Decimal     `json:"payer_balance,omitempty"`
	PayeeBalance *decimal.Decimal     `json:"payee_balance,omitempty"`
	Replayed     bool                 `json:"-"`
}

type Service struct {
	txRunner     db.TxRunner
	accounts     AccountStore
	transactions TransactionStore
	guard        *idempotency.Guard
	hub          BalanceHub
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
}

func NewService(txRunner db.TxRunner, accounts AccountStore, transactions TransactionStore, keys idempotency.Store, hub BalanceHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		txRunner:     txRunner,
		accounts:     accounts,
		transactions: transactions,
		guard:        idempotency.NewGuard(keys),
		hub:          hub,
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Transfer runs a single transfer in its own transaction. A repeated
// IdempotencyKey from the same payer (or payee, for credits) returns the first
// result without writing anything.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var result TransferResult
	err := s.txRunner.WithTx(ctx, func(tx store.Tx) error {
		res, replayed, err := idempotency.Do(ctx, s.guard, tx, idempotencyScope(req), req.IdempotencyKey, req, func() (TransferResult, error) {
			return s.Post(ctx, tx, req)
		})
		if err != nil {
			return err
		}
		res.Replayed = replayed
		result = res
		return nil
	})
	if err != nil {
		return TransferResult{}, Persistence(err)
	}
	if !result.Replayed {
		s.Notify(result)
	}
	return result, nil
}

// Post applies a transfer inside the caller's transaction. The caller must
// commit, and should call Notify once it has.
func (s *Service) Post(ctx context.Context, tx store.Tx, req TransferRequest) (TransferResult, error) {
	if err := validate(req); err != nil {
		return TransferResult{}, err
	}
	payer, payee, err := s.lock(ctx, tx, req.PayerID, req.PayeeID)
	if err != nil {
		return TransferResult{}, err
	}
	if payer != nil && !payer.Unlimited() && payer.Balance.LessThan(req.Amount) {
		return TransferResult{}, &InsufficientFundsError{Balance: payer.Balance, Amount: req.Amount}
	}

	now := s.now().UTC()
	result := TransferResult{TransferID: s.newID()}
	if payer != nil && !payer.Unlimited() {
		balance := payer.Balance.Sub(req.Amount)
		if err := s.accounts.SetBalance(ctx, tx, payer.ID, balance); err != nil {
			return TransferResult{}, Persistence(err)
		}
		result.PayerBalance = &balance
		result.Entries = append(result.Entries, models.Transaction{
			ID:             s.newID(),
			TransferID:     result.TransferID,
			AccountID:      payer.ID,
			Kind:           req.Kind,
			Amount:         req.Amount.Neg(),
			BalanceAfter:   balance,
			Description:    req.Description,
			CounterpartyID: req.PayeeID,
			ReferenceID:    req.ReferenceID,
			CreatedAt:      now,
		})
	} else if payer != nil {
		balance := payer.Balance
		result.PayerBalance = &balance
	}
	if payee != nil {
		balance := payee.Balance.Add(req.Amount)
		if err := s.accounts.SetBalance(ctx, tx, payee.ID, balance); err != nil {
			return TransferResult{}, Persistence(err)
		}
		result.PayeeBalance = &balance
		description := req.PayeeDescription
		if description == "" {
			description = req.Description
		}
		result.Entries = append(result.Entries, models.Transaction{
			ID:             s.newID(),
			TransferID:     result.TransferID,
			AccountID:      payee.ID,
			Kind:           req.Kind.CreditKind(),
			Amount:         req.Amount,
			BalanceAfter:   balance,
			Description:    description,
			CounterpartyID: req.PayerID,
			ReferenceID:    req.ReferenceID,
			CreatedAt:      now,
		})
	}
	if len(result.Entries) == 2 {
		if err := ensureBalanced(result.Entries); err != nil {
			return TransferResult{}, err
		}
	}
	if err := s.transactions.Insert(ctx, tx, result.Entries); err != nil {
		return TransferResult{}, Persistence(err)
	}
	return result, nil
}

// Notify pushes the post-commit balances to connected clients.
func (s *Service) Notify(result TransferResult) {
	if s.hub == nil {
		return
	}
	for _, entry := range result.Entries {
		s.hub.Publish(entry.AccountID, websocket.BalanceUpdate{
			TransferID: result.TransferID,
			AccountID:  entry.AccountID,
			Kind:       string(entry.Kind),
			Amount:     money.Format(entry.Amount),
			Balance:    money.Format(entry.BalanceAfter),
			At:         entry.CreatedAt,
		})
	}
}

func (s *Service) lock(ctx context.Context, tx store.Getter, payerID, payeeID *string) (*models.Account, *models.Account, error) {
	var payer, payee *models.Account
	for _, id := range orderedIDs(payerID, payeeID) {
		account, err := s.accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
			}
			return nil, nil, Persistence(err)
		}
		if payerID != nil && *payerID == id {
			payer = &account
		} else {
			payee = &account
		}
	}
	return payer, payee, nil
}

func validate(req TransferRequest) error {
	if req.PayerID == nil && req.PayeeID == nil {
		return ErrNoParties
	}
	if req.PayerID != nil && req.PayeeID != nil && *req.PayerID == *req.PayeeID {
		return ErrSameAccount
	}
	// sale is only ever the credit side of a purchase.
	if !req.Kind.Valid() || req.Kind == models.KindSale {
		return ErrInvalidKind
	}
	if err := money.Validate(req.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}

func ensureBalanced(entries []models.Transaction) error {
	sum := decimal.Zero
	for _, entry := range entries {
		sum = sum.Add(entry.Amount)
	}
	if !sum.IsZero() {
		return ErrUnbalanced
	}
	return nil
}

// orderedIDs returns the present ids in lock order. Every transfer takes row
// locks in this order so two opposing transfers cannot deadlock.
func orderedIDs(firstID, secondID *string) []string {
	switch {
	case firstID == nil && secondID == nil:
		return nil
	case firstID == nil:
		return []string{*secondID}
	case secondID == nil:
		return []string{*firstID}
	case *firstID <= *secondID:
		return []string{*firstID, *secondID}
	default:
		return []string{*secondID, *firstID}
	}
}

func idempotencyScope(req TransferRequest) string {
	if req.PayerID != nil {
		return *req.PayerID
	}
	if req.PayeeID != nil {
		return *req.PayeeID
	}
	return ""
}

func StringPtr(value string) *string {
	return &value
}
