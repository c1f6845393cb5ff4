package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storybook-server/internal/domain"
)

// errorMessageLimit caps persisted error messages.
const errorMessageLimit = 500

// BookRepositoryPG implements domain.BookRepository backed by PostgreSQL.
type BookRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewBookRepository creates a new book repository backed by PostgreSQL.
func NewBookRepository(pool *pgxpool.Pool) *BookRepositoryPG {
	return &BookRepositoryPG{pool: pool}
}

const bookColumns = `id, user_id, title, original_prompt, short_description, status, credits_cost,
error_message, cover_image_prompt, cover_image_url, cover_storage_path, cover_run_id, cover_error,
created_at, updated_at`

// Create inserts a new book record.
func (r *BookRepositoryPG) Create(ctx context.Context, book *domain.Book) error {
	query := `
INSERT INTO books (id, user_id, title, original_prompt, status, credits_cost)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := r.pool.Exec(ctx, query,
		book.ID,
		book.UserID,
		book.Title,
		book.OriginalPrompt,
		book.Status,
		book.CreditsCost,
	)
	return err
}

// GetByID fetches a book by its identifier.
func (r *BookRepositoryPG) GetByID(ctx context.Context, bookID string) (*domain.Book, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1;`, bookID)
	return scanBook(row)
}

// ListByUser returns the user's books, newest first.
func (r *BookRepositoryPG) ListByUser(ctx context.Context, userID string) ([]domain.Book, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bookColumns+` FROM books WHERE user_id = $1 ORDER BY created_at DESC;`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var books []domain.Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *book)
	}
	return books, rows.Err()
}

// Delete removes a book owned by the user. Pages cascade via FK.
func (r *BookRepositoryPG) Delete(ctx context.Context, bookID, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM books WHERE id = $1 AND user_id = $2;`, bookID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus moves the book's status forward. The guard keeps terminal
// states from being overwritten and makes same-value writes a no-op.
func (r *BookRepositoryPG) UpdateStatus(ctx context.Context, bookID string, status domain.BookStatus, errMsg string) error {
	query := `
UPDATE books
SET status = $2,
    error_message = CASE WHEN $3 <> '' THEN left($3, $4) ELSE error_message END,
    updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('completed', 'failed')
  AND status <> $2;
`
	_, err := r.pool.Exec(ctx, query, bookID, status, errMsg, errorMessageLimit)
	return err
}

// SetStoryResult persists the parsed text-synthesis outcome.
func (r *BookRepositoryPG) SetStoryResult(ctx context.Context, bookID, title, shortDescription, coverPrompt string) error {
	query := `
UPDATE books
SET title = $2,
    short_description = $3,
    cover_image_prompt = $4,
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, bookID, title, shortDescription, coverPrompt)
	return err
}

// SetCoverProcessing is a best-effort marker; a vanished book is a no-op.
func (r *BookRepositoryPG) SetCoverProcessing(ctx context.Context, bookID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE books SET cover_error = '', updated_at = NOW() WHERE id = $1;`, bookID)
	return err
}

// SetCoverRunID records the external run id as soon as the trigger succeeds
// so the render is reconcilable even if the worker dies mid-flight.
func (r *BookRepositoryPG) SetCoverRunID(ctx context.Context, bookID, runID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE books SET cover_run_id = $2, updated_at = NOW() WHERE id = $1;`, bookID, runID)
	return err
}

// SetCoverCompleted records the cover asset's public URL and storage key.
func (r *BookRepositoryPG) SetCoverCompleted(ctx context.Context, bookID string, result domain.CoverResult) error {
	query := `
UPDATE books
SET cover_image_url = $2,
    cover_storage_path = $3,
    cover_run_id = COALESCE(NULLIF($4, ''), cover_run_id),
    cover_error = '',
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, bookID, result.ImageURL, result.StoragePath, result.RunID)
	return err
}

// SetCoverFailed records the cover render error.
func (r *BookRepositoryPG) SetCoverFailed(ctx context.Context, bookID, errMsg string) error {
	query := `
UPDATE books
SET cover_error = left($2, $3),
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, bookID, errMsg, errorMessageLimit)
	return err
}

func scanBook(row pgx.Row) (*domain.Book, error) {
	var b domain.Book
	if err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.Title,
		&b.OriginalPrompt,
		&b.ShortDescription,
		&b.Status,
		&b.CreditsCost,
		&b.ErrorMessage,
		&b.CoverImagePrompt,
		&b.CoverImageURL,
		&b.CoverStoragePath,
		&b.CoverRunID,
		&b.CoverError,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

var _ domain.BookRepository = (*BookRepositoryPG)(nil)
