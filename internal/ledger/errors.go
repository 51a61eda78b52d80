package ledger

import (
	"errors"
	"fmt"

	"marketplace/internal/idempotency"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidKind       = errors.New("invalid transaction kind")
	ErrNoParties         = errors.New("transfer needs a payer or a payee")
	ErrSameAccount       = errors.New("cannot transfer to same account")
	ErrUnbalanced        = errors.New("transaction legs are not balanced")
	// ErrPersistence wraps store failures. Nothing was written when it is
	// returned.
	ErrPersistence = errors.New("persistence failure")
)

// InsufficientFundsError matches ErrInsufficientFunds under errors.Is.
type InsufficientFundsError struct {
	Balance decimal.Decimal
	Amount  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, need %s", e.Balance.StringFixed(2), e.Amount.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Amount.Sub(e.Balance)
}

var domainErrors = []error{
	ErrInsufficientFunds,
	ErrAccountNotFound,
	ErrInvalidAmount,
	ErrInvalidKind,
	ErrNoParties,
	ErrSameAccount,
	ErrUnbalanced,
	ErrPersistence,
	idempotency.ErrKeyReused,
	idempotency.ErrInvalidKey,
}

// Persistence tags err as ErrPersistence unless it already carries a ledger
// meaning.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
