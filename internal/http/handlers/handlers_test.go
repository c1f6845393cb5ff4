package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"storybook-server/internal/domain"
	"storybook-server/internal/middleware"
	"storybook-server/internal/pipeline"
	"storybook-server/internal/providers/render"
	"storybook-server/internal/providers/story"
)

// fakeDB backs the handler tests with in-memory rows.
type fakeDB struct {
	mu      sync.Mutex
	books   map[string]*domain.Book
	pages   map[string][]domain.Page
	balance map[string]*domain.Balance
	entries []domain.CreditEntry
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		books:   make(map[string]*domain.Book),
		pages:   make(map[string][]domain.Page),
		balance: make(map[string]*domain.Balance),
	}
}

func (f *fakeDB) Create(_ context.Context, book *domain.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *book
	f.books[book.ID] = &copied
	return nil
}

func (f *fakeDB) GetByID(_ context.Context, bookID string) (*domain.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[bookID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeDB) ListByUser(_ context.Context, userID string) ([]domain.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Book
	for _, b := range f.books {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) Delete(_ context.Context, bookID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[bookID]
	if !ok || b.UserID != userID {
		return domain.ErrNotFound
	}
	delete(f.books, bookID)
	delete(f.pages, bookID)
	return nil
}

func (f *fakeDB) UpdateStatus(_ context.Context, bookID string, status domain.BookStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[bookID]
	if !ok || b.Status.Terminal() || b.Status == status {
		return nil
	}
	b.Status = status
	if errMsg != "" {
		b.ErrorMessage = errMsg
	}
	return nil
}

func (f *fakeDB) SetStoryResult(_ context.Context, bookID, title, shortDescription, coverPrompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[bookID]; ok {
		b.Title = title
		b.ShortDescription = shortDescription
		b.CoverImagePrompt = coverPrompt
	}
	return nil
}

func (f *fakeDB) SetCoverProcessing(_ context.Context, bookID string) error { return nil }

func (f *fakeDB) SetCoverRunID(_ context.Context, bookID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[bookID]; ok {
		b.CoverRunID = runID
	}
	return nil
}

func (f *fakeDB) SetCoverCompleted(_ context.Context, bookID string, result domain.CoverResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[bookID]; ok {
		b.CoverImageURL = result.ImageURL
		b.CoverStoragePath = result.StoragePath
		b.CoverRunID = result.RunID
	}
	return nil
}

func (f *fakeDB) SetCoverFailed(_ context.Context, bookID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[bookID]; ok {
		b.CoverError = errMsg
	}
	return nil
}

func (f *fakeDB) CreateBatch(_ context.Context, pages []domain.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pages {
		f.pages[p.BookID] = append(f.pages[p.BookID], p)
	}
	return nil
}

func (f *fakeDB) ListByBook(_ context.Context, bookID string) ([]domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Page(nil), f.pages[bookID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (f *fakeDB) CountIncomplete(_ context.Context, bookID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, p := range f.pages[bookID] {
		if p.GenerationStatus != domain.PageStatusCompleted {
			count++
		}
	}
	return count, nil
}

func (f *fakeDB) setPage(bookID string, pageNumber int, mutate func(*domain.Page)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.pages[bookID]
	for i := range pages {
		if pages[i].PageNumber == pageNumber {
			mutate(&pages[i])
			return
		}
	}
}

func (f *fakeDB) SetProcessing(_ context.Context, bookID string, pageNumber int) error {
	f.setPage(bookID, pageNumber, func(p *domain.Page) { p.GenerationStatus = domain.PageStatusProcessing })
	return nil
}

func (f *fakeDB) SetRunID(_ context.Context, bookID string, pageNumber int, runID string) error {
	f.setPage(bookID, pageNumber, func(p *domain.Page) { p.RunID = runID })
	return nil
}

func (f *fakeDB) SetCompleted(_ context.Context, bookID string, pageNumber int, result domain.PageResult) error {
	f.setPage(bookID, pageNumber, func(p *domain.Page) {
		p.GenerationStatus = domain.PageStatusCompleted
		p.ImageURL = result.ImageURL
		p.StoragePath = result.StoragePath
		p.RunID = result.RunID
	})
	return nil
}

func (f *fakeDB) SetFailed(_ context.Context, bookID string, pageNumber int, errMsg string) error {
	f.setPage(bookID, pageNumber, func(p *domain.Page) {
		p.GenerationStatus = domain.PageStatusFailed
		p.LastError = errMsg
	})
	return nil
}

func (f *fakeDB) Balance(_ context.Context, userID string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balance[userID]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return *b, nil
}

func (f *fakeDB) Debit(_ context.Context, userID string, amount int, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balance[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Total() < amount {
		return domain.ErrInsufficientCredits
	}
	fromSub := amount
	if b.SubscriptionCredits < fromSub {
		fromSub = b.SubscriptionCredits
	}
	b.SubscriptionCredits -= fromSub
	b.PurchasedCredits -= amount - fromSub
	f.entries = append(f.entries, domain.CreditEntry{ID: "e1", UserID: userID, Amount: amount, Description: description, CreatedAt: time.Now()})
	return nil
}

func (f *fakeDB) Refund(_ context.Context, userID string, amount int, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balance[userID]; ok {
		b.PurchasedCredits += amount
	}
	f.entries = append(f.entries, domain.CreditEntry{ID: "e2", UserID: userID, Amount: -amount, Description: description, CreatedAt: time.Now()})
	return nil
}

func (f *fakeDB) Entries(_ context.Context, userID string, limit int) ([]domain.CreditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CreditEntry
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].UserID == userID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

type fakeStory struct{ doc *story.Document }

func (s *fakeStory) Synthesize(_ context.Context, _ string) (*story.Document, error) {
	return s.doc, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	count int
}

func (d *fakeDispatcher) DispatchRender(_ context.Context, _ string, _ int, _ string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return nil
}

type fakeRenderer struct{}

func (fakeRenderer) Trigger(_ context.Context, _ string) (string, error) { return "run-1", nil }
func (fakeRenderer) Poll(_ context.Context, _ string) (render.RunState, error) {
	return render.RunState{Status: "success", Outputs: []render.RunOutput{{Filename: "out.png"}}}, nil
}
func (fakeRenderer) Download(_ context.Context, _ string, _ render.RunState) ([]byte, error) {
	return []byte("png"), nil
}

type fakeStore struct {
	mu      sync.Mutex
	removed []string
}

func (s *fakeStore) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (s *fakeStore) RemovePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, prefix)
	return nil
}

type testEnv struct {
	app        *App
	db         *fakeDB
	dispatcher *fakeDispatcher
	store      *fakeStore
}

func newTestEnv() *testEnv {
	db := newFakeDB()
	dispatcher := &fakeDispatcher{}
	store := &fakeStore{}
	doc := &story.Document{
		Title:            "The Brave Little Fox",
		CoverImagePrompt: "a fox, watercolor",
		Pages: []story.Page{
			{PageNumber: 1, Text: "Once upon a time there was a fox.", ImagePrompt: "a fox"},
			{PageNumber: 2, Text: "The end.", ImagePrompt: "a sunset"},
		},
	}
	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		Books: db, Pages: db, Credits: db,
		Story: &fakeStory{doc: doc}, Dispatcher: dispatcher,
		Logger: zerolog.Nop(), CreditsCost: 250,
	})
	completer := pipeline.NewCompletionChecker(db, db, zerolog.Nop())
	worker := pipeline.NewRenderWorker(pipeline.RenderWorkerOptions{
		Books: db, Pages: db, Renderer: fakeRenderer{}, Store: store,
		Completer: completer, Logger: zerolog.Nop(),
		PollInterval: time.Millisecond, MaxPollAttempts: 3, MaxConsecutiveFails: 2,
	})
	app := &App{
		Orchestrator: orchestrator,
		Worker:       worker,
		Reporter:     pipeline.NewProgressReporter(db, db),
		Books:        db,
		Pages:        db,
		Credits:      db,
		Store:        store,
		Logger:       zerolog.Nop(),
	}
	return &testEnv{app: app, db: db, dispatcher: dispatcher, store: store}
}

// routes mounts the handlers the way the real router does, minus the
// middleware chain; tests inject the user id directly.
func (e *testEnv) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/books", e.app.BooksGenerate)
	r.Get("/v1/books", e.app.BooksList)
	r.Get("/v1/books/{book_id}", e.app.BooksGet)
	r.Delete("/v1/books/{book_id}", e.app.BooksDelete)
	r.Get("/v1/books/{book_id}/status", e.app.BooksStatus)
	r.Get("/v1/credits", e.app.CreditsSummary)
	r.Post("/internal/render", e.app.RenderImage)
	return r
}

func (e *testEnv) do(req *http.Request, userID string) *httptest.ResponseRecorder {
	if userID != "" {
		req = req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	e.routes().ServeHTTP(rec, req)
	return rec
}
