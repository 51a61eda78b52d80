package store

import (
	"context"
	"database/sql"
	"errors"
)

type AdminStore struct {
	db DB
}

func NewAdminStore(db DB) *AdminStore {
	return &AdminStore{db: db}
}

func (s *AdminStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var isAdmin bool
	err := s.db.GetContext(ctx, &isAdmin, `
		SELECT is_admin
		FROM accounts
		WHERE id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return isAdmin, nil
}

// Promote grants admin rights. It reports false when the account does not exist.
func (s *AdminStore) Promote(ctx context.Context, tx Execer, userID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET is_admin = TRUE, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}
