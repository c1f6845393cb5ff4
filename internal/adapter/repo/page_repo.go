package repo

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storybook-server/internal/domain"
)

// PageRepositoryPG implements domain.PageRepository backed by PostgreSQL.
type PageRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPageRepository creates a new page repository backed by PostgreSQL.
func NewPageRepository(pool *pgxpool.Pool) *PageRepositoryPG {
	return &PageRepositoryPG{pool: pool}
}

// CreateBatch inserts all pages of a book in a single transaction so fan-out
// never observes a partially inserted page range.
func (r *PageRepositoryPG) CreateBatch(ctx context.Context, pages []domain.Page) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO book_pages (book_id, page_number, text, image_prompt, generation_status)
VALUES ($1, $2, $3, $4, $5);
`
	for _, page := range pages {
		if _, err := tx.Exec(ctx, query,
			page.BookID,
			page.PageNumber,
			page.Text,
			page.ImagePrompt,
			page.GenerationStatus,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListByBook returns the book's pages in page-number order.
func (r *PageRepositoryPG) ListByBook(ctx context.Context, bookID string) ([]domain.Page, error) {
	query := `
SELECT book_id, page_number, text, image_prompt, generation_status, image_url, storage_path,
       run_id, last_error, created_at, updated_at
FROM book_pages
WHERE book_id = $1
ORDER BY page_number;
`
	rows, err := r.pool.Query(ctx, query, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pages []domain.Page
	for rows.Next() {
		var p domain.Page
		if err := rows.Scan(
			&p.BookID,
			&p.PageNumber,
			&p.Text,
			&p.ImagePrompt,
			&p.GenerationStatus,
			&p.ImageURL,
			&p.StoragePath,
			&p.RunID,
			&p.LastError,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CountIncomplete counts pages that have not reached completed yet.
func (r *PageRepositoryPG) CountIncomplete(ctx context.Context, bookID string) (int, error) {
	row := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM book_pages WHERE book_id = $1 AND generation_status <> 'completed';
`, bookID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetProcessing marks the page as picked up by a render worker. Terminal
// rows and vanished rows are left untouched.
func (r *PageRepositoryPG) SetProcessing(ctx context.Context, bookID string, pageNumber int) error {
	query := `
UPDATE book_pages
SET generation_status = 'processing', updated_at = NOW()
WHERE book_id = $1 AND page_number = $2
  AND generation_status NOT IN ('completed', 'failed');
`
	_, err := r.pool.Exec(ctx, query, bookID, pageNumber)
	return err
}

// SetRunID persists the external run id right after a successful trigger.
func (r *PageRepositoryPG) SetRunID(ctx context.Context, bookID string, pageNumber int, runID string) error {
	query := `
UPDATE book_pages SET run_id = $3, updated_at = NOW() WHERE book_id = $1 AND page_number = $2;
`
	_, err := r.pool.Exec(ctx, query, bookID, pageNumber, runID)
	return err
}

// SetCompleted records the rendered asset. Writing the same outcome twice is
// a no-op and a failed page is never flipped back to completed.
func (r *PageRepositoryPG) SetCompleted(ctx context.Context, bookID string, pageNumber int, result domain.PageResult) error {
	query := `
UPDATE book_pages
SET generation_status = 'completed',
    image_url = $3,
    storage_path = $4,
    run_id = COALESCE(NULLIF($5, ''), run_id),
    last_error = '',
    updated_at = NOW()
WHERE book_id = $1 AND page_number = $2
  AND generation_status <> 'failed';
`
	_, err := r.pool.Exec(ctx, query, bookID, pageNumber, result.ImageURL, result.StoragePath, result.RunID)
	return err
}

// SetFailed records the page render error.
func (r *PageRepositoryPG) SetFailed(ctx context.Context, bookID string, pageNumber int, errMsg string) error {
	query := `
UPDATE book_pages
SET generation_status = 'failed',
    last_error = left($3, $4),
    updated_at = NOW()
WHERE book_id = $1 AND page_number = $2
  AND generation_status <> 'completed';
`
	_, err := r.pool.Exec(ctx, query, bookID, pageNumber, errMsg, errorMessageLimit)
	return err
}

var _ domain.PageRepository = (*PageRepositoryPG)(nil)
