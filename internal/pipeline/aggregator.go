package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"storybook-server/internal/domain"
)

// CompletionChecker flips a book to completed once its cover fields are
// populated and no page is left incomplete. The check is read-then-decide
// with no cross-worker coordination: workers finishing near-simultaneously
// may each run it, and the underlying status update is idempotent, so
// redundant invocations are harmless.
type CompletionChecker struct {
	books  domain.BookRepository
	pages  domain.PageRepository
	logger zerolog.Logger
}

// NewCompletionChecker builds a CompletionChecker.
func NewCompletionChecker(books domain.BookRepository, pages domain.PageRepository, logger zerolog.Logger) *CompletionChecker {
	return &CompletionChecker{books: books, pages: pages, logger: logger}
}

// CheckAndComplete reports whether the book is (now) complete. A book that
// vanished mid-flight is not an error, just not complete.
func (c *CompletionChecker) CheckAndComplete(ctx context.Context, bookID string) (bool, error) {
	book, err := c.books.GetByID(ctx, bookID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if book.CoverImageURL == "" {
		return false, nil
	}
	incomplete, err := c.pages.CountIncomplete(ctx, bookID)
	if err != nil {
		return false, err
	}
	if incomplete > 0 {
		return false, nil
	}
	if book.Status == domain.BookStatusCompleted {
		return true, nil
	}
	if err := c.books.UpdateStatus(ctx, bookID, domain.BookStatusCompleted, ""); err != nil {
		return false, err
	}
	c.logger.Info().Str("book_id", bookID).Msg("aggregator: book marked completed")
	return true, nil
}

var _ Completer = (*CompletionChecker)(nil)
