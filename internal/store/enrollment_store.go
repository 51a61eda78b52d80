package store

import (
	"context"

	"marketplace/internal/models"
)

type EnrollmentStore struct {
	db DB
}

func NewEnrollmentStore(db DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

func (s *EnrollmentStore) Exists(ctx context.Context, tx Getter, courseID, userID string) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM course_enrollments WHERE course_id = $1 AND user_id = $2)
	`, courseID, userID)
	return exists, err
}

func (s *EnrollmentStore) Insert(ctx context.Context, tx Execer, enrollment models.Enrollment) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO course_enrollments (id, course_id, user_id, amount, transfer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (course_id, user_id) DO NOTHING
	`, enrollment.ID, enrollment.CourseID, enrollment.UserID, enrollment.Amount, enrollment.TransferID, enrollment.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}
