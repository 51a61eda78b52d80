package store

import (
	"context"

	"marketplace/internal/models"

	"github.com/lib/pq"
)

// ArtifactStore holds the sellable catalogue: files, bundles and courses.
type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) GetFile(ctx context.Context, tx Getter, fileID string) (models.File, error) {
	var row models.File
	err := tx.GetContext(ctx, &row, `
		SELECT id, user_id, title, price, is_active, download_count
		FROM files
		WHERE id = $1
	`, fileID)
	if err != nil {
		return models.File{}, err
	}
	return row, nil
}

func (s *ArtifactStore) GetBundle(ctx context.Context, tx Getter, bundleID string) (models.Bundle, error) {
	var row models.Bundle
	err := tx.GetContext(ctx, &row, `
		SELECT id, creator_id, title, original_price, discount_percentage, is_active, total_sales
		FROM bundles
		WHERE id = $1
	`, bundleID)
	if err != nil {
		return models.Bundle{}, err
	}
	return row, nil
}

func (s *ArtifactStore) BundleFiles(ctx context.Context, tx Selecter, bundleID string) ([]models.File, error) {
	rows := []models.File{}
	err := tx.SelectContext(ctx, &rows, `
		SELECT f.id, f.user_id, f.title, f.price, f.is_active, f.download_count
		FROM bundle_items bi
		JOIN files f ON f.id = bi.file_id
		WHERE bi.bundle_id = $1
		ORDER BY bi.position, f.id
	`, bundleID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ArtifactStore) GetCourse(ctx context.Context, tx Getter, courseID string) (models.Course, error) {
	var row models.Course
	err := tx.GetContext(ctx, &row, `
		SELECT id, creator_id, title, price, is_published, enrolled_count
		FROM courses
		WHERE id = $1
	`, courseID)
	if err != nil {
		return models.Course{}, err
	}
	return row, nil
}

// ListFiles returns a seller's active files, newest first. An empty sellerID
// lists every seller.
func (s *ArtifactStore) ListFiles(ctx context.Context, sellerID string, limit, offset int) ([]models.File, error) {
	rows := []models.File{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, title, price, is_active, download_count
		FROM files
		WHERE is_active AND ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, sellerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ArtifactStore) CreateBundle(ctx context.Context, tx Execer, bundle models.Bundle) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bundles (id, creator_id, title, original_price, discount_percentage, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, bundle.ID, bundle.CreatorID, bundle.Title, bundle.OriginalPrice, bundle.DiscountPercentage, bundle.IsActive)
	return err
}

// AddBundleItems stores fileIDs in the given order; position follows the
// slice index.
func (s *ArtifactStore) AddBundleItems(ctx context.Context, tx Execer, bundleID string, fileIDs []string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bundle_items (bundle_id, file_id, position)
		SELECT $1, item.file_id, item.ord - 1
		FROM unnest($2::text[]) WITH ORDINALITY AS item(file_id, ord)
	`, bundleID, pq.Array(fileIDs))
	return err
}
