package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storybook-server/internal/domain"
)

const (
	// placeholderTitle fills the book row until synthesis names it.
	placeholderTitle = "Generating Story..."
	// fallbackDescription covers a first page too short to summarize.
	fallbackDescription = "A wonderful children's story."

	defaultFanoutDelay = 200 * time.Millisecond
	descriptionLimit   = 150
)

// Orchestrator runs the admission path of a book job: create the record,
// reserve credits, synthesize the story, persist pages and fan render work
// out to the queue. It suspends only on the synthesis call and persistence;
// image generation runs unsupervised behind the Dispatcher.
type Orchestrator struct {
	books       domain.BookRepository
	pages       domain.PageRepository
	credits     domain.CreditRepository
	story       StoryClient
	dispatcher  Dispatcher
	logger      zerolog.Logger
	creditsCost int
	fanoutDelay time.Duration
}

// OrchestratorOptions wires an Orchestrator.
type OrchestratorOptions struct {
	Books      domain.BookRepository
	Pages      domain.PageRepository
	Credits    domain.CreditRepository
	Story      StoryClient
	Dispatcher Dispatcher
	Logger     zerolog.Logger
	// CreditsCost is the fixed admission price of one book.
	CreditsCost int
	// FanoutDelay spaces successive render dispatches. Zero means the
	// default 200ms.
	FanoutDelay time.Duration
}

// NewOrchestrator builds an Orchestrator from options.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	delay := opts.FanoutDelay
	if delay <= 0 {
		delay = defaultFanoutDelay
	}
	return &Orchestrator{
		books:       opts.Books,
		pages:       opts.Pages,
		credits:     opts.Credits,
		story:       opts.Story,
		dispatcher:  opts.Dispatcher,
		logger:      opts.Logger,
		creditsCost: opts.CreditsCost,
		fanoutDelay: delay,
	}
}

// Submit admits a book generation job for the user. It returns the new book
// id once fan-out has been issued; image rendering continues in the
// background. ErrInsufficientCredits is returned without any debit;
// any failure after the debit is compensated with a refund.
func (o *Orchestrator) Submit(ctx context.Context, userID, storyIdea string) (string, error) {
	storyIdea = strings.TrimSpace(storyIdea)
	if storyIdea == "" {
		return "", domain.ErrInvalidPrompt
	}

	book := &domain.Book{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          placeholderTitle,
		OriginalPrompt: storyIdea,
		Status:         domain.BookStatusPending,
		CreditsCost:    o.creditsCost,
	}
	if err := o.books.Create(ctx, book); err != nil {
		return "", fmt.Errorf("create book record: %w", err)
	}
	log := o.logger.With().Str("book_id", book.ID).Str("user_id", userID).Logger()
	log.Info().Msg("orchestrator: book record created")

	balance, err := o.credits.Balance(ctx, userID)
	if err != nil {
		o.fail(ctx, book.ID, "Failed to fetch user credits.", false, userID)
		return book.ID, fmt.Errorf("fetch user credits: %w", err)
	}
	if balance.Total() < o.creditsCost {
		o.fail(ctx, book.ID, "Insufficient credits.", false, userID)
		return book.ID, domain.ErrInsufficientCredits
	}

	debitNote := fmt.Sprintf("Generate book: %s... (ID: %s)", truncate(storyIdea, 50), book.ID)
	if err := o.credits.Debit(ctx, userID, o.creditsCost, debitNote); err != nil {
		o.fail(ctx, book.ID, "Failed to deduct credits.", false, userID)
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return book.ID, domain.ErrInsufficientCredits
		}
		return book.ID, fmt.Errorf("deduct credits: %w", err)
	}
	creditsDeducted := true
	log.Info().Int("amount", o.creditsCost).Msg("orchestrator: credits deducted")

	if err := o.books.UpdateStatus(ctx, book.ID, domain.BookStatusGeneratingText, ""); err != nil {
		log.Error().Err(err).Msg("orchestrator: status update to generating_text failed")
	}

	doc, err := o.story.Synthesize(ctx, storyIdea)
	if err != nil {
		o.fail(ctx, book.ID, err.Error(), creditsDeducted, userID)
		return book.ID, fmt.Errorf("text synthesis: %w", err)
	}
	log.Info().Str("title", doc.Title).Int("pages", len(doc.Pages)).Msg("orchestrator: story synthesized")

	shortDescription := fallbackDescription
	if text := strings.TrimSpace(doc.Pages[0].Text); text != "" {
		shortDescription = truncate(text, descriptionLimit) + "..."
	}
	if err := o.books.SetStoryResult(ctx, book.ID, doc.Title, shortDescription, doc.CoverImagePrompt); err != nil {
		// The parsed story is still intact in the pages below; log and move on.
		log.Error().Err(err).Msg("orchestrator: persisting story result failed")
	}

	pages := make([]domain.Page, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		pages = append(pages, domain.Page{
			BookID:           book.ID,
			PageNumber:       p.PageNumber,
			Text:             p.Text,
			ImagePrompt:      p.ImagePrompt,
			GenerationStatus: domain.PageStatusPending,
		})
	}
	if err := o.pages.CreateBatch(ctx, pages); err != nil {
		o.fail(ctx, book.ID, "Database error: Could not insert book pages.", creditsDeducted, userID)
		return book.ID, fmt.Errorf("insert book pages: %w", err)
	}

	if err := o.books.UpdateStatus(ctx, book.ID, domain.BookStatusGeneratingImages, ""); err != nil {
		log.Error().Err(err).Msg("orchestrator: status update to generating_images failed")
	}

	o.fanOut(ctx, book.ID, doc.CoverImagePrompt, pages, log)
	log.Info().Msg("orchestrator: render tasks dispatched")
	return book.ID, nil
}

// fanOut dispatches the cover plus one task per page, spaced fanoutDelay
// apart via queue-side delays. Dispatch failures are logged, not fatal:
// the job is already admitted and paid for.
func (o *Orchestrator) fanOut(ctx context.Context, bookID, coverPrompt string, pages []domain.Page, log zerolog.Logger) {
	if err := o.dispatcher.DispatchRender(ctx, bookID, domain.CoverPageNumber, coverPrompt, 0); err != nil {
		log.Error().Err(err).Msg("orchestrator: dispatch cover render failed")
	}
	for i, page := range pages {
		delay := time.Duration(i+1) * o.fanoutDelay
		if err := o.dispatcher.DispatchRender(ctx, bookID, page.PageNumber, page.ImagePrompt, delay); err != nil {
			log.Error().Err(err).Int("page", page.PageNumber).Msg("orchestrator: dispatch page render failed")
		}
	}
}

// fail writes the terminal failure and, when credits were already deducted,
// issues the compensating refund. The refund is best effort: its failure is
// logged and never propagated.
func (o *Orchestrator) fail(ctx context.Context, bookID, message string, refund bool, userID string) {
	if err := o.books.UpdateStatus(ctx, bookID, domain.BookStatusFailed, message); err != nil {
		o.logger.Error().Err(err).Str("book_id", bookID).Msg("orchestrator: marking book failed failed")
	}
	if !refund {
		return
	}
	note := fmt.Sprintf("Refund for failed book generation (Book ID: %s)", bookID)
	if err := o.credits.Refund(ctx, userID, o.creditsCost, note); err != nil {
		o.logger.Error().Err(err).Str("book_id", bookID).Str("user_id", userID).Msg("orchestrator: refund failed")
		return
	}
	o.logger.Info().Str("book_id", bookID).Int("amount", o.creditsCost).Msg("orchestrator: credits refunded")
}
