package pipeline

import (
	"context"
	"fmt"
	"math"

	"storybook-server/internal/domain"
)

// Progress is the read projection of a book's generation state.
type Progress struct {
	OverallStatus      domain.BookStatus         `json:"overallStatus"`
	Message            string                    `json:"message"`
	ProgressPercentage int                       `json:"progressPercentage"`
	CurrentPage        *int                      `json:"currentPage,omitempty"`
	TotalPages         int                       `json:"totalPages"`
	CoverStatus        domain.PageStatus         `json:"coverStatus"`
	PageStatuses       map[int]domain.PageStatus `json:"pageStatuses"`
	Error              string                    `json:"error,omitempty"`
}

// ProgressReporter computes the human-readable progress of a book from the
// persisted job and page rows. It never mutates anything; callers poll it
// at their own cadence.
type ProgressReporter struct {
	books domain.BookRepository
	pages domain.PageRepository
}

// NewProgressReporter builds a ProgressReporter.
func NewProgressReporter(books domain.BookRepository, pages domain.PageRepository) *ProgressReporter {
	return &ProgressReporter{books: books, pages: pages}
}

// Report computes the projection for one book. Percent is 10 while text is
// being generated, then 10 + 90 x (completed image units / total image
// units) where the cover counts as one unit — which also keeps a zero-page
// book away from dividing by zero. Completed forces 100, failed floors at
// 10. The cover in progress is reported as the reserved page -1.
func (r *ProgressReporter) Report(ctx context.Context, bookID string) (*Progress, error) {
	book, err := r.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, err
	}
	pages, err := r.pages.ListByBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{
		OverallStatus: book.Status,
		Message:       fmt.Sprintf("Status: %s", book.Status),
		TotalPages:    len(pages) + 1,
		CoverStatus:   coverStatus(book),
		PageStatuses:  make(map[int]domain.PageStatus, len(pages)),
		Error:         book.ErrorMessage,
	}

	completedUnits := 0
	if progress.CoverStatus == domain.PageStatusCompleted {
		completedUnits++
	}

	switch book.Status {
	case domain.BookStatusPending:
		progress.Message = "Generation pending..."
		progress.ProgressPercentage = 0

	case domain.BookStatusGeneratingText:
		progress.Message = "Generating story text..."
		progress.ProgressPercentage = 10

	default: // generating_images, completed, failed
		if progress.CoverStatus == domain.PageStatusProcessing {
			progress.Message = "Generating cover image..."
			progress.CurrentPage = coverPagePtr()
		}
		failedSeen := false
		for _, page := range pages {
			progress.PageStatuses[page.PageNumber] = page.GenerationStatus
			switch page.GenerationStatus {
			case domain.PageStatusCompleted:
				completedUnits++
			case domain.PageStatusProcessing:
				if progress.CurrentPage == nil {
					n := page.PageNumber
					progress.CurrentPage = &n
					progress.Message = fmt.Sprintf("Generating image for page %d...", n)
				}
			case domain.PageStatusFailed:
				if !failedSeen {
					progress.Message = fmt.Sprintf("Failed generating image for page %d.", page.PageNumber)
					failedSeen = true
				}
			}
		}
		progress.ProgressPercentage = 10 + int(math.Round(float64(completedUnits)/float64(progress.TotalPages)*90))

		switch {
		case book.Status == domain.BookStatusCompleted:
			progress.Message = "Book generation complete!"
			progress.ProgressPercentage = 100
		case book.Status == domain.BookStatusFailed:
			if reason := book.ErrorMessage; reason != "" {
				progress.Message = fmt.Sprintf("Book generation failed: %s", reason)
			} else {
				progress.Message = "Book generation failed: Unknown reason"
			}
			if progress.ProgressPercentage < 10 {
				progress.ProgressPercentage = 10
			}
		case progress.CurrentPage == nil && progress.CoverStatus != domain.PageStatusProcessing:
			progress.Message = "Preparing image generation..."
		}
	}

	if progress.ProgressPercentage < 0 {
		progress.ProgressPercentage = 0
	}
	if progress.ProgressPercentage > 100 {
		progress.ProgressPercentage = 100
	}
	return progress, nil
}

// coverStatus derives the cover's unit status from the book's typed cover
// fields: url+path means completed, a run id without an error means the
// render is in flight.
func coverStatus(book *domain.Book) domain.PageStatus {
	switch {
	case book.CoverStoragePath != "" && book.CoverImageURL != "":
		return domain.PageStatusCompleted
	case book.CoverError != "":
		return domain.PageStatusFailed
	case book.CoverRunID != "":
		return domain.PageStatusProcessing
	case book.Status == domain.BookStatusGeneratingImages:
		return domain.PageStatusProcessing
	default:
		return domain.PageStatusPending
	}
}

func coverPagePtr() *int {
	n := domain.CoverPageNumber
	return &n
}
