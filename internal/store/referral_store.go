package store

import (
	"context"

	"marketplace/internal/models"

	"github.com/shopspring/decimal"
)

type ReferralStore struct {
	db DB
}

type ReferralSummary struct {
	Total      int64           `db:"total" json:"total"`
	Successful int64           `db:"successful" json:"successful"`
	Earnings   decimal.Decimal `db:"earnings" json:"earnings"`
}

func NewReferralStore(db DB) *ReferralStore {
	return &ReferralStore{db: db}
}

func (s *ReferralStore) Insert(ctx context.Context, tx Execer, referral models.Referral) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_id, code, status, commission, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, referral.ID, referral.ReferrerID, referral.ReferredID, referral.Code, referral.Status, referral.Commission, referral.CreatedAt)
	return err
}

func (s *ReferralStore) Summary(ctx context.Context, referrerID string) (ReferralSummary, error) {
	var row ReferralSummary
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'completed') AS successful,
		       COALESCE(SUM(commission) FILTER (WHERE status = 'completed'), 0) AS earnings
		FROM referrals
		WHERE referrer_id = $1
	`, referrerID)
	if err != nil {
		return ReferralSummary{}, err
	}
	return row, nil
}

func (s *ReferralStore) Recent(ctx context.Context, referrerID string, limit int) ([]models.Referral, error) {
	rows := []models.Referral{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT r.id, r.referrer_id, r.referred_id, u.username, r.code, r.status, r.commission, r.created_at
		FROM referrals r
		JOIN users u ON u.id = r.referred_id
		WHERE r.referrer_id = $1
		ORDER BY r.created_at DESC
		LIMIT $2
	`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
