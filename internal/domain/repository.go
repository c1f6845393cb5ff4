package domain

import "context"

// BookRepository defines persistence for book entities.
type BookRepository interface {
	Create(ctx context.Context, book *Book) error
	GetByID(ctx context.Context, bookID string) (*Book, error)
	ListByUser(ctx context.Context, userID string) ([]Book, error)
	Delete(ctx context.Context, bookID, userID string) error

	// UpdateStatus moves the book's status forward. Terminal states are
	// never overwritten and writing the current value is a no-op.
	UpdateStatus(ctx context.Context, bookID string, status BookStatus, errMsg string) error
	// SetStoryResult persists the text-synthesis outcome in one update.
	SetStoryResult(ctx context.Context, bookID, title, shortDescription, coverPrompt string) error

	SetCoverProcessing(ctx context.Context, bookID string) error
	SetCoverRunID(ctx context.Context, bookID, runID string) error
	SetCoverCompleted(ctx context.Context, bookID string, result CoverResult) error
	SetCoverFailed(ctx context.Context, bookID, errMsg string) error
}

// PageRepository defines persistence for book pages.
type PageRepository interface {
	CreateBatch(ctx context.Context, pages []Page) error
	ListByBook(ctx context.Context, bookID string) ([]Page, error)
	CountIncomplete(ctx context.Context, bookID string) (int, error)

	SetProcessing(ctx context.Context, bookID string, pageNumber int) error
	SetRunID(ctx context.Context, bookID string, pageNumber int, runID string) error
	SetCompleted(ctx context.Context, bookID string, pageNumber int, result PageResult) error
	SetFailed(ctx context.Context, bookID string, pageNumber int, errMsg string) error
}

// CreditRepository is the ledger: a live two-bucket balance plus an
// append-only usage log.
type CreditRepository interface {
	Balance(ctx context.Context, userID string) (Balance, error)
	// Debit atomically consumes amount from the subscription bucket first,
	// spilling into the purchased bucket, and appends a positive usage
	// entry. It returns ErrInsufficientCredits when either bucket would go
	// negative after the subtraction.
	Debit(ctx context.Context, userID string, amount int, description string) error
	// Refund credits the purchased bucket and appends a negative entry.
	Refund(ctx context.Context, userID string, amount int, description string) error
	Entries(ctx context.Context, userID string, limit int) ([]CreditEntry, error)
}
