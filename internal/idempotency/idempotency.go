// Package idempotency makes a unit of work safe to retry. A caller-supplied key
// is recorded in the same database transaction as the work it guards, so a
// replayed request returns the stored response and writes nothing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace/internal/models"
	"marketplace/internal/store"
)

const MaxKeyLength = 255

var (
	ErrKeyReused  = errors.New("idempotency key reused with a different request")
	ErrInvalidKey = errors.New("invalid idempotency key")
)

type Store interface {
	Get(ctx context.Context, tx store.Getter, scope, key string) (models.IdempotencyRecord, error)
	Save(ctx context.Context, tx store.Execer, record models.IdempotencyRecord) error
}

type Guard struct {
	store Store
	now   func() time.Time
}

func NewGuard(s Store) *Guard {
	return &Guard{store: s, now: time.Now}
}

// Do runs fn unless key was already used in scope. On a hit it decodes the
// stored response and reports replayed=true. An empty key always runs fn.
func Do[T any](ctx context.Context, g *Guard, tx store.Tx, scope, key string, request any, fn func() (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		result, err := fn()
		return result, false, err
	}
	if len(key) > MaxKeyLength {
		return zero, false, ErrInvalidKey
	}
	hash, err := RequestHash(request)
	if err != nil {
		return zero, false, err
	}
	existing, err := g.store.Get(ctx, tx, scope, key)
	switch {
	case err == nil:
		if existing.RequestHash != hash {
			return zero, false, ErrKeyReused
		}
		var stored T
		if err := json.Unmarshal(existing.Response, &stored); err != nil {
			return zero, false, fmt.Errorf("decode stored response: %w", err)
		}
		return stored, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return zero, false, err
	}

	result, err := fn()
	if err != nil {
		return zero, false, err
	}
	response, err := json.Marshal(result)
	if err != nil {
		return zero, false, fmt.Errorf("encode response: %w", err)
	}
	err = g.store.Save(ctx, tx, models.IdempotencyRecord{
		Scope:       scope,
		Key:         key,
		RequestHash: hash,
		Response:    response,
		CreatedAt:   g.now().UTC(),
	})
	if err != nil {
		return zero, false, err
	}
	return result, false, nil
}

func RequestHash(request any) (string, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
