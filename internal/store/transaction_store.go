package store

import (
	"context"
	"fmt"
	"time"

	"marketplace/internal/models"

	"github.com/shopspring/decimal"
)

type TransactionStore struct {
	db DB
}

// TransactionView is a transaction joined with the usernames on both sides.
type TransactionView struct {
	models.Transaction
	Username             string  `db:"username" json:"username"`
	CounterpartyUsername *string `db:"counterparty_username" json:"counterparty_username,omitempty"`
}

type Earner struct {
	AccountID string          `db:"account_id" json:"account_id"`
	Username  string          `db:"username" json:"username"`
	Earnings  decimal.Decimal `db:"earnings" json:"earnings"`
	Sales     int64           `db:"sales" json:"sales"`
}

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Insert appends transaction rows, one statement per row, in order.
func (s *TransactionStore) Insert(ctx context.Context, tx Execer, entries []models.Transaction) error {
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, transfer_id, account_id, kind, amount, balance_after, description, counterparty_id, reference_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, entry.ID, entry.TransferID, entry.AccountID, string(entry.Kind), entry.Amount, entry.BalanceAfter,
			entry.Description, entry.CounterpartyID, entry.ReferenceID, entry.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

const transactionViewQuery = `
		SELECT t.id, t.transfer_id, t.account_id, t.kind, t.amount, t.balance_after, t.description,
		       t.counterparty_id, t.reference_id, t.created_at,
		       u.username, cu.username AS counterparty_username
		FROM transactions t
		JOIN users u ON u.id = t.account_id
		LEFT JOIN users cu ON cu.id = t.counterparty_id
`

func (s *TransactionStore) ListByAccount(ctx context.Context, accountID, kind string, limit, offset int) ([]TransactionView, error) {
	rows := []TransactionView{}
	query := transactionViewQuery + " WHERE t.account_id = $1"
	args := []any{accountID}
	param := 2
	if kind != "" {
		query += " AND t.kind = $2"
		args = append(args, kind)
		param = 3
	}
	query += " ORDER BY t.created_at DESC, t.id LIMIT $" + itoa(param) + " OFFSET $" + itoa(param+1)
	args = append(args, limit, offset)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *TransactionStore) ListAll(ctx context.Context, limit, offset int) ([]TransactionView, error) {
	rows := []TransactionView{}
	err := s.db.SelectContext(ctx, &rows, transactionViewQuery+`
		ORDER BY t.created_at DESC, t.id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TopEarners ranks accounts by the sum of their sale legs. A nil since covers
// all time.
func (s *TransactionStore) TopEarners(ctx context.Context, since *time.Time, limit int) ([]Earner, error) {
	rows := []Earner{}
	query := `
		SELECT t.account_id, u.username, SUM(t.amount) AS earnings, COUNT(*) AS sales
		FROM transactions t
		JOIN users u ON u.id = t.account_id
		WHERE t.kind = 'sale'
	`
	args := []any{}
	if since != nil {
		query += " AND t.created_at >= $1"
		args = append(args, *since)
	}
	query += " GROUP BY t.account_id, u.username ORDER BY earnings DESC, u.username LIMIT $" + itoa(len(args)+1)
	args = append(args, limit)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
