package domain

import "time"

// BookStatus enumerates book lifecycle states. Transitions only move forward:
// pending -> generating_text -> generating_images -> completed | failed.
type BookStatus string

const (
	BookStatusPending          BookStatus = "pending"
	BookStatusGeneratingText   BookStatus = "generating_text"
	BookStatusGeneratingImages BookStatus = "generating_images"
	BookStatusCompleted        BookStatus = "completed"
	BookStatusFailed           BookStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s BookStatus) Terminal() bool {
	return s == BookStatusCompleted || s == BookStatusFailed
}

// CoverPageNumber is the reserved sentinel addressing a book's cover. The
// cover is not a row in book_pages; its fields live on the book itself.
const CoverPageNumber = -1

// Book is one user-initiated storybook generation request.
type Book struct {
	ID               string
	UserID           string
	Title            string
	OriginalPrompt   string
	ShortDescription string
	Status           BookStatus
	CreditsCost      int
	ErrorMessage     string
	CoverImagePrompt string
	CoverImageURL    string
	CoverStoragePath string
	CoverRunID       string
	CoverError       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CoverResult carries the durable outcome of a completed cover render.
type CoverResult struct {
	ImageURL    string
	StoragePath string
	RunID       string
}
