package store

import (
	"context"

	"marketplace/internal/models"
)

type IdempotencyStore struct {
	db DB
}

func NewIdempotencyStore(db DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Get returns sql.ErrNoRows when the key has not been used in scope.
func (s *IdempotencyStore) Get(ctx context.Context, tx Getter, scope, key string) (models.IdempotencyRecord, error) {
	var row models.IdempotencyRecord
	err := tx.GetContext(ctx, &row, `
		SELECT scope, key, request_hash, response, created_at
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
	`, scope, key)
	if err != nil {
		return models.IdempotencyRecord{}, err
	}
	return row, nil
}

func (s *IdempotencyStore) Save(ctx context.Context, tx Execer, record models.IdempotencyRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, request_hash, response, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, record.Scope, record.Key, record.RequestHash, string(record.Response), record.CreatedAt)
	return err
}
