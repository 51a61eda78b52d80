package store

import (
	"context"

	"marketplace/internal/models"
)

type NotificationStore struct {
	db DB
}

func NewNotificationStore(db DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Insert(ctx context.Context, tx Execer, n models.Notification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.Link, n.CreatedAt)
	return err
}

func (s *NotificationStore) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	rows := []models.Notification{}
	query := `
		SELECT id, user_id, type, title, message, link, is_read, created_at
		FROM notifications
		WHERE user_id = $1
	`
	if unreadOnly {
		query += " AND is_read = FALSE"
	}
	query += " ORDER BY created_at DESC LIMIT $2"
	if err := s.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}
