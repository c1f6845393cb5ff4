package domain

import "time"

// PageStatus enumerates per-page render states.
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
)

// Page is one illustrated unit of a book's story, numbered 1..N with no gaps.
// Each page is mutated only by the render worker assigned to its number.
type Page struct {
	BookID           string
	PageNumber       int
	Text             string
	ImagePrompt      string
	GenerationStatus PageStatus
	ImageURL         string
	StoragePath      string
	RunID            string
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PageResult carries the durable outcome of a completed page render.
type PageResult struct {
	ImageURL    string
	StoragePath string
	RunID       string
}
