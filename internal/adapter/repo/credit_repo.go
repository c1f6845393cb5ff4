package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storybook-server/internal/domain"
)

// CreditRepositoryPG implements domain.CreditRepository backed by PostgreSQL.
// The live balance is a pair of running totals on the users row; the usage
// log is append-only.
type CreditRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewCreditRepository creates a new credit repository backed by PostgreSQL.
func NewCreditRepository(pool *pgxpool.Pool) *CreditRepositoryPG {
	return &CreditRepositoryPG{pool: pool}
}

// Balance reads the user's two-bucket balance.
func (r *CreditRepositoryPG) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	row := r.pool.QueryRow(ctx, `
SELECT subscription_credits, purchased_credits FROM users WHERE id = $1;
`, userID)
	var b domain.Balance
	if err := row.Scan(&b.SubscriptionCredits, &b.PurchasedCredits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, err
	}
	return b, nil
}

// Debit consumes amount from the subscription bucket first, spilling the
// remainder into the purchased bucket. The guard on the UPDATE makes the
// read-modify-write atomic across concurrent submissions and rejects any
// debit that would drive either bucket negative. The debit and its ledger
// entry commit together.
func (r *CreditRepositoryPG) Debit(ctx context.Context, userID string, amount int, description string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE users
SET subscription_credits = GREATEST(subscription_credits - $2, 0),
    purchased_credits = purchased_credits - GREATEST($2 - subscription_credits, 0),
    updated_at = NOW()
WHERE id = $1
  AND subscription_credits + purchased_credits >= $2;
`, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1);`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInsufficientCredits
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_usage (user_id, amount, description) VALUES ($1, $2, $3);
`, userID, amount, description); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Refund credits the purchased bucket by the full amount and appends a
// negative ledger entry.
func (r *CreditRepositoryPG) Refund(ctx context.Context, userID string, amount int, description string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE users SET purchased_credits = purchased_credits + $2, updated_at = NOW() WHERE id = $1;
`, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_usage (user_id, amount, description) VALUES ($1, $2, $3);
`, userID, -amount, description); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Entries returns the most recent usage-log entries for the user.
func (r *CreditRepositoryPG) Entries(ctx context.Context, userID string, limit int) ([]domain.CreditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, amount, description, created_at
FROM credit_usage
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.CreditEntry
	for rows.Next() {
		var e domain.CreditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ domain.CreditRepository = (*CreditRepositoryPG)(nil)
