package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storybook-server/internal/domain"
	"storybook-server/internal/providers/render"
	"storybook-server/internal/storage"
)

const (
	defaultPollInterval        = 10 * time.Second
	defaultMaxPollAttempts     = 90
	defaultMaxConsecutiveFails = 10

	assetContentType = "image/png"
)

// RenderWorker turns one (book, page, prompt) triple into a terminal page or
// cover state: trigger the external renderer, poll the run, download the
// asset and persist it. Workers share nothing with their siblings beyond the
// book and page rows; one failed unit fails the whole book.
type RenderWorker struct {
	books     domain.BookRepository
	pages     domain.PageRepository
	renderer  RenderClient
	store     storage.Store
	completer Completer
	logger    zerolog.Logger

	pollInterval        time.Duration
	maxPollAttempts     int
	maxConsecutiveFails int
}

// RenderWorkerOptions wires a RenderWorker.
type RenderWorkerOptions struct {
	Books     domain.BookRepository
	Pages     domain.PageRepository
	Renderer  RenderClient
	Store     storage.Store
	Completer Completer
	Logger    zerolog.Logger

	// PollInterval, MaxPollAttempts and MaxConsecutiveFails override the
	// polling bounds; zero keeps the defaults (10s x 90 attempts, abort
	// after 10 consecutive poll errors).
	PollInterval        time.Duration
	MaxPollAttempts     int
	MaxConsecutiveFails int
}

// NewRenderWorker builds a RenderWorker from options.
func NewRenderWorker(opts RenderWorkerOptions) *RenderWorker {
	w := &RenderWorker{
		books:               opts.Books,
		pages:               opts.Pages,
		renderer:            opts.Renderer,
		store:               opts.Store,
		completer:           opts.Completer,
		logger:              opts.Logger,
		pollInterval:        opts.PollInterval,
		maxPollAttempts:     opts.MaxPollAttempts,
		maxConsecutiveFails: opts.MaxConsecutiveFails,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.maxPollAttempts <= 0 {
		w.maxPollAttempts = defaultMaxPollAttempts
	}
	if w.maxConsecutiveFails <= 0 {
		w.maxConsecutiveFails = defaultMaxConsecutiveFails
	}
	return w
}

// Render runs one render unit to a terminal state. The returned status is
// the renderer's final run status; a non-nil error means the unit hit an
// internal failure (trigger exhaustion, poll-error cap, asset handling) —
// in both cases the page/cover and book rows already reflect the outcome.
func (w *RenderWorker) Render(ctx context.Context, bookID string, pageNumber int, prompt string) (string, error) {
	label := renderLabel(pageNumber)
	log := w.logger.With().Str("book_id", bookID).Str("unit", label).Logger()
	log.Info().Str("prompt", truncate(prompt, 30)).Msg("render: request received")

	if err := w.markProcessing(ctx, bookID, pageNumber); err != nil {
		// A vanished row means the book was deleted mid-flight; carry on
		// and let the remaining persistence calls no-op the same way.
		log.Warn().Err(err).Msg("render: marking processing failed")
	}

	runID, err := w.renderer.Trigger(ctx, prompt)
	if err != nil {
		w.failUnit(ctx, bookID, pageNumber, err.Error())
		return "", fmt.Errorf("trigger render for %s: %w", label, err)
	}
	log.Info().Str("run_id", runID).Msg("render: run started")

	// Durability checkpoint: persist the run id before polling so the run
	// stays reconcilable if this process dies.
	if err := w.persistRunID(ctx, bookID, pageNumber, runID); err != nil {
		log.Warn().Err(err).Msg("render: persisting run id failed")
	}

	state, pollAttempts, err := w.pollRun(ctx, runID, log)
	if err != nil {
		w.failUnit(ctx, bookID, pageNumber, err.Error())
		return "", fmt.Errorf("poll render for %s: %w", label, err)
	}

	if !state.Succeeded() {
		message := renderFailureMessage(state, pollAttempts, w.maxPollAttempts)
		log.Error().Str("status", state.Status).Msg("render: run did not succeed")
		w.failUnit(ctx, bookID, pageNumber, message)
		return state.Status, nil
	}

	data, err := w.renderer.Download(ctx, runID, state)
	if err != nil {
		w.failUnit(ctx, bookID, pageNumber, err.Error())
		return state.Status, fmt.Errorf("download asset for %s: %w", label, err)
	}
	key := storageKey(bookID, pageNumber)
	publicURL, err := w.store.Upload(ctx, key, data, assetContentType)
	if err != nil {
		w.failUnit(ctx, bookID, pageNumber, err.Error())
		return state.Status, fmt.Errorf("upload asset for %s: %w", label, err)
	}
	log.Info().Str("storage_path", key).Int("bytes", len(data)).Msg("render: asset stored")

	if err := w.markCompleted(ctx, bookID, pageNumber, publicURL, key, runID); err != nil {
		w.failUnit(ctx, bookID, pageNumber, err.Error())
		return state.Status, fmt.Errorf("persist completion for %s: %w", label, err)
	}

	if done, err := w.completer.CheckAndComplete(ctx, bookID); err != nil {
		log.Error().Err(err).Msg("render: completion check failed")
	} else if done {
		log.Info().Msg("render: book completed")
	}
	return state.Status, nil
}

// pollRun polls the run until it leaves the in-flight states, the attempt
// budget runs out, or too many consecutive polls fail. A successful poll
// resets the consecutive-error counter.
func (w *RenderWorker) pollRun(ctx context.Context, runID string, log zerolog.Logger) (render.RunState, int, error) {
	state := render.RunState{Status: "processing"}
	attempts := 0
	consecutiveErrors := 0
	for state.Pending() && attempts < w.maxPollAttempts {
		attempts++
		if err := sleep(ctx, w.pollInterval); err != nil {
			return state, attempts, err
		}
		next, err := w.renderer.Poll(ctx, runID)
		if err != nil {
			consecutiveErrors++
			log.Warn().Err(err).Int("attempt", attempts).Int("consecutive", consecutiveErrors).Msg("render: poll failed")
			if consecutiveErrors >= w.maxConsecutiveFails {
				return state, attempts, fmt.Errorf("polling failed %d consecutive times: %w", w.maxConsecutiveFails, err)
			}
			continue
		}
		consecutiveErrors = 0
		state = next
	}
	return state, attempts, nil
}

func renderFailureMessage(state render.RunState, attempts, maxAttempts int) string {
	switch {
	case state.Status == "failed":
		if state.Error != "" {
			return state.Error
		}
		return "Generation failed in renderer"
	case attempts >= maxAttempts:
		return "Generation timed out after polling"
	default:
		return fmt.Sprintf("Generation stopped with unexpected status: %s", state.Status)
	}
}

func (w *RenderWorker) markProcessing(ctx context.Context, bookID string, pageNumber int) error {
	if pageNumber == domain.CoverPageNumber {
		return w.books.SetCoverProcessing(ctx, bookID)
	}
	return w.pages.SetProcessing(ctx, bookID, pageNumber)
}

func (w *RenderWorker) persistRunID(ctx context.Context, bookID string, pageNumber int, runID string) error {
	if pageNumber == domain.CoverPageNumber {
		return w.books.SetCoverRunID(ctx, bookID, runID)
	}
	return w.pages.SetRunID(ctx, bookID, pageNumber, runID)
}

func (w *RenderWorker) markCompleted(ctx context.Context, bookID string, pageNumber int, url, key, runID string) error {
	if pageNumber == domain.CoverPageNumber {
		return w.books.SetCoverCompleted(ctx, bookID, domain.CoverResult{ImageURL: url, StoragePath: key, RunID: runID})
	}
	return w.pages.SetCompleted(ctx, bookID, pageNumber, domain.PageResult{ImageURL: url, StoragePath: key, RunID: runID})
}

// failUnit marks the page or cover failed and escalates to the book: one
// failed unit fails the whole book, deliberately — there is no partial
// success model.
func (w *RenderWorker) failUnit(ctx context.Context, bookID string, pageNumber int, message string) {
	label := renderLabel(pageNumber)
	var err error
	if pageNumber == domain.CoverPageNumber {
		err = w.books.SetCoverFailed(ctx, bookID, message)
	} else {
		err = w.pages.SetFailed(ctx, bookID, pageNumber, message)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("book_id", bookID).Str("unit", label).Msg("render: marking unit failed failed")
	}
	bookMessage := fmt.Sprintf("Image generation failed for %s: %s", label, message)
	if err := w.books.UpdateStatus(ctx, bookID, domain.BookStatusFailed, bookMessage); err != nil {
		w.logger.Error().Err(err).Str("book_id", bookID).Msg("render: marking book failed failed")
	}
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
