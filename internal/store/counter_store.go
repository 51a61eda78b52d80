package store

import (
	"context"

	"github.com/lib/pq"
)

// CounterStore maintains the display counters on accounts and the catalogue.
// None of them take part in balance invariants.
type CounterStore struct {
	db DB
}

func NewCounterStore(db DB) *CounterStore {
	return &CounterStore{db: db}
}

func (s *CounterStore) AddPurchases(ctx context.Context, accountID string, n int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET total_purchases = total_purchases + $1 WHERE id = $2`, n, accountID)
	return err
}

func (s *CounterStore) AddSales(ctx context.Context, accountID string, n int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET total_sales = total_sales + $1 WHERE id = $2`, n, accountID)
	return err
}

func (s *CounterStore) AddDownloads(ctx context.Context, fileIDs []string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET download_count = download_count + 1 WHERE id = ANY($1)`, pq.Array(fileIDs))
	return err
}

func (s *CounterStore) AddBundleSale(ctx context.Context, bundleID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bundles SET total_sales = total_sales + 1 WHERE id = $1`, bundleID)
	return err
}

func (s *CounterStore) AddEnrollment(ctx context.Context, courseID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE courses SET enrolled_count = enrolled_count + 1 WHERE id = $1`, courseID)
	return err
}

// Rebuild recomputes every counter from the purchase and enrollment tables.
func (s *CounterStore) Rebuild(ctx context.Context) error {
	statements := []string{
		`UPDATE accounts a SET
		     total_purchases = (SELECT COUNT(*) FROM purchases p WHERE p.buyer_id = a.id),
		     total_sales     = (SELECT COUNT(*) FROM purchases p WHERE p.seller_id = a.id),
		     files_uploaded  = (SELECT COUNT(*) FROM files f WHERE f.user_id = a.id)`,
		`UPDATE files f SET download_count = (SELECT COUNT(*) FROM purchases p WHERE p.artifact_id = f.id)`,
		`UPDATE bundles b SET total_sales = (SELECT COUNT(DISTINCT p.buyer_id) FROM purchases p WHERE p.bundle_id = b.id)`,
		`UPDATE courses c SET enrolled_count = (SELECT COUNT(*) FROM course_enrollments e WHERE e.course_id = c.id)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
