package store

import (
	"context"

	"marketplace/internal/models"

	"github.com/lib/pq"
)

type PurchaseStore struct {
	db DB
}

// PurchaseView is a purchase joined with the file title and seller name.
type PurchaseView struct {
	models.Purchase
	Title          string `db:"title" json:"title"`
	SellerUsername string `db:"seller_username" json:"seller_username"`
}

func NewPurchaseStore(db DB) *PurchaseStore {
	return &PurchaseStore{db: db}
}

func (s *PurchaseStore) Exists(ctx context.Context, tx Getter, buyerID, artifactID string) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM purchases WHERE buyer_id = $1 AND artifact_id = $2)
	`, buyerID, artifactID)
	return exists, err
}

// OwnedAmong returns the subset of artifactIDs the buyer already owns.
func (s *PurchaseStore) OwnedAmong(ctx context.Context, tx Selecter, buyerID string, artifactIDs []string) ([]string, error) {
	owned := []string{}
	if len(artifactIDs) == 0 {
		return owned, nil
	}
	err := tx.SelectContext(ctx, &owned, `
		SELECT artifact_id
		FROM purchases
		WHERE buyer_id = $1 AND artifact_id = ANY($2)
	`, buyerID, pq.Array(artifactIDs))
	if err != nil {
		return nil, err
	}
	return owned, nil
}

// Insert records ownership. It reports false when the buyer already owns the
// artifact, which under concurrent checkouts means another request won.
func (s *PurchaseStore) Insert(ctx context.Context, tx Execer, purchase models.Purchase) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO purchases (id, buyer_id, seller_id, artifact_id, bundle_id, amount, transfer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (buyer_id, artifact_id) DO NOTHING
	`, purchase.ID, purchase.BuyerID, purchase.SellerID, purchase.ArtifactID, purchase.BundleID,
		purchase.Amount, purchase.TransferID, purchase.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

func (s *PurchaseStore) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]PurchaseView, error) {
	rows := []PurchaseView{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.id, p.buyer_id, p.seller_id, p.artifact_id, p.bundle_id, p.amount, p.transfer_id, p.created_at,
		       f.title, u.username AS seller_username
		FROM purchases p
		JOIN files f ON f.id = p.artifact_id
		JOIN users u ON u.id = p.seller_id
		WHERE p.buyer_id = $1
		ORDER BY p.created_at DESC, p.id
		LIMIT $2 OFFSET $3
	`, buyerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
