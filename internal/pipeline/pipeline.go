// Package pipeline contains the book generation pipeline: job admission and
// orchestration, per-page image rendering, completion aggregation and the
// read-only progress projection.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"storybook-server/internal/domain"
	"storybook-server/internal/providers/render"
	"storybook-server/internal/providers/story"
)

// StoryClient synthesizes a story document from a user's idea.
type StoryClient interface {
	Synthesize(ctx context.Context, storyIdea string) (*story.Document, error)
}

// RenderClient drives one external render run.
type RenderClient interface {
	Trigger(ctx context.Context, prompt string) (string, error)
	Poll(ctx context.Context, runID string) (render.RunState, error)
	Download(ctx context.Context, runID string, state render.RunState) ([]byte, error)
}

// Dispatcher hands a render unit of work to the task queue. delay staggers
// dispatches so fan-out does not burst the external renderer.
type Dispatcher interface {
	DispatchRender(ctx context.Context, bookID string, pageNumber int, imagePrompt string, delay time.Duration) error
}

// Completer re-evaluates whether a book has finished all image units.
type Completer interface {
	CheckAndComplete(ctx context.Context, bookID string) (bool, error)
}

// renderLabel names a render unit in errors and logs: "Cover" or "Page N".
func renderLabel(pageNumber int) string {
	if pageNumber == domain.CoverPageNumber {
		return "Cover"
	}
	return fmt.Sprintf("Page %d", pageNumber)
}

// storageKey is the deterministic object key for a render unit, so retried
// uploads overwrite rather than duplicate.
func storageKey(bookID string, pageNumber int) string {
	if pageNumber == domain.CoverPageNumber {
		return bookID + "/cover.png"
	}
	return fmt.Sprintf("%s/page_%d.png", bookID, pageNumber)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
