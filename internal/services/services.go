package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace/internal/ledger"
	"marketplace/internal/models"
	"marketplace/internal/stats"
	"marketplace/internal/store"

	"github.com/shopspring/decimal"
)

var (
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrOwnArtifact        = errors.New("cannot buy your own artifact")
	ErrAlreadyOwned       = errors.New("already owned")
	ErrAlreadyEnrolled    = errors.New("already enrolled")
	ErrEmptyBundle        = errors.New("bundle has no files")
	ErrRaceLost           = errors.New("a concurrent request completed this purchase first")
	ErrPriceChanged       = errors.New("price changed")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidReferral    = errors.New("invalid referral code")
	ErrUserNotFound       = errors.New("user not found")
	ErrAlreadyVerified    = errors.New("already verified")
	ErrNotVerified        = errors.New("not verified")
	ErrNotAdmin           = errors.New("admin privileges required")
	ErrInvalidBundle      = errors.New("invalid bundle")
	ErrNotFileOwner       = errors.New("file belongs to another seller")
)

// PriceChangedError carries the price read inside the transaction when it
// differs from the price the caller expected to pay.
type PriceChangedError struct {
	Current decimal.Decimal
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price changed: now %s", e.Current.StringFixed(2))
}

func (e *PriceChangedError) Is(target error) bool {
	return target == ErrPriceChanged
}

var knownErrors = []error{
	ErrArtifactNotFound,
	ErrOwnArtifact,
	ErrAlreadyOwned,
	ErrAlreadyEnrolled,
	ErrEmptyBundle,
	ErrRaceLost,
	ErrPriceChanged,
	ErrUsernameTaken,
	ErrInvalidCredentials,
	ErrInvalidReferral,
	ErrUserNotFound,
	ErrAlreadyVerified,
	ErrNotVerified,
	ErrNotAdmin,
	ErrInvalidBundle,
	ErrNotFileOwner,
}

// classify leaves domain errors alone and tags everything else as a
// persistence failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return ledger.Persistence(err)
}

type Ledger interface {
	Post(ctx context.Context, tx store.Tx, req ledger.TransferRequest) (ledger.TransferResult, error)
	Notify(result ledger.TransferResult)
}

type AccountReader interface {
	Get(ctx context.Context, tx store.Getter, accountID string) (models.Account, error)
}

type NotificationStore interface {
	Insert(ctx context.Context, tx store.Execer, notification models.Notification) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type StatsPublisher interface {
	Publish(event stats.Event) bool
}

// operation tags an idempotent request with the endpoint it came from, so one
// key cannot be replayed against a different kind of request.
type operation struct {
	Name    string `json:"op"`
	Request any    `json:"request"`
}

func notFoundAccount(err error, accountID string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	return err
}
