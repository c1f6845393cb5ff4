package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storybook-server/internal/domain"
	"storybook-server/internal/providers/render"
	"storybook-server/internal/providers/story"
)

// memDB is an in-memory stand-in for the three SQL repositories, mirroring
// their guard semantics: terminal statuses stick, missing rows are no-ops.
type memDB struct {
	mu      sync.Mutex
	books   map[string]*domain.Book
	pages   map[string]map[int]*domain.Page
	balance map[string]*domain.Balance
	entries []domain.CreditEntry

	createBookErr  error
	createPagesErr error
	balanceErr     error
	debitErr       error
	refundErr      error
}

func newMemDB() *memDB {
	return &memDB{
		books:   make(map[string]*domain.Book),
		pages:   make(map[string]map[int]*domain.Page),
		balance: make(map[string]*domain.Balance),
	}
}

func (m *memDB) seedUser(userID string, sub, purchased int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance[userID] = &domain.Balance{SubscriptionCredits: sub, PurchasedCredits: purchased}
}

func (m *memDB) seedBook(book domain.Book) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[book.ID] = &book
}

func (m *memDB) seedPage(page domain.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.pages[page.BookID]
	if !ok {
		byNumber = make(map[int]*domain.Page)
		m.pages[page.BookID] = byNumber
	}
	byNumber[page.PageNumber] = &page
}

func (m *memDB) book(id string) domain.Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[id]; ok {
		return *b
	}
	return domain.Book{}
}

func (m *memDB) page(bookID string, number int) domain.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[bookID][number]; ok {
		return *p
	}
	return domain.Page{}
}

// BookRepository

func (m *memDB) Create(_ context.Context, book *domain.Book) error {
	if m.createBookErr != nil {
		return m.createBookErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *book
	m.books[book.ID] = &copied
	return nil
}

func (m *memDB) GetByID(_ context.Context, bookID string) (*domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (m *memDB) ListByUser(_ context.Context, userID string) ([]domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Book
	for _, b := range m.books {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDB) Delete(_ context.Context, bookID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok || b.UserID != userID {
		return domain.ErrNotFound
	}
	delete(m.books, bookID)
	delete(m.pages, bookID)
	return nil
}

func (m *memDB) UpdateStatus(_ context.Context, bookID string, status domain.BookStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok || b.Status.Terminal() || b.Status == status {
		return nil
	}
	b.Status = status
	if errMsg != "" {
		b.ErrorMessage = truncate(errMsg, 500)
	}
	return nil
}

func (m *memDB) SetStoryResult(_ context.Context, bookID, title, shortDescription, coverPrompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return nil
	}
	b.Title = title
	b.ShortDescription = shortDescription
	b.CoverImagePrompt = coverPrompt
	return nil
}

func (m *memDB) SetCoverProcessing(_ context.Context, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[bookID]; ok {
		b.CoverError = ""
	}
	return nil
}

func (m *memDB) SetCoverRunID(_ context.Context, bookID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[bookID]; ok {
		b.CoverRunID = runID
	}
	return nil
}

func (m *memDB) SetCoverCompleted(_ context.Context, bookID string, result domain.CoverResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return nil
	}
	b.CoverImageURL = result.ImageURL
	b.CoverStoragePath = result.StoragePath
	if result.RunID != "" {
		b.CoverRunID = result.RunID
	}
	b.CoverError = ""
	return nil
}

func (m *memDB) SetCoverFailed(_ context.Context, bookID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[bookID]; ok {
		b.CoverError = truncate(errMsg, 500)
	}
	return nil
}

// PageRepository

func (m *memDB) CreateBatch(_ context.Context, pages []domain.Page) error {
	if m.createPagesErr != nil {
		return m.createPagesErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pages {
		copied := p
		byNumber, ok := m.pages[p.BookID]
		if !ok {
			byNumber = make(map[int]*domain.Page)
			m.pages[p.BookID] = byNumber
		}
		byNumber[p.PageNumber] = &copied
	}
	return nil
}

func (m *memDB) ListByBook(_ context.Context, bookID string) ([]domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Page
	for _, p := range m.pages[bookID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (m *memDB) CountIncomplete(_ context.Context, bookID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.pages[bookID] {
		if p.GenerationStatus != domain.PageStatusCompleted {
			count++
		}
	}
	return count, nil
}

func (m *memDB) SetProcessing(_ context.Context, bookID string, pageNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[bookID][pageNumber]
	if !ok || p.GenerationStatus == domain.PageStatusCompleted || p.GenerationStatus == domain.PageStatusFailed {
		return nil
	}
	p.GenerationStatus = domain.PageStatusProcessing
	p.LastError = ""
	return nil
}

func (m *memDB) SetRunID(_ context.Context, bookID string, pageNumber int, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[bookID][pageNumber]; ok {
		p.RunID = runID
	}
	return nil
}

func (m *memDB) SetCompleted(_ context.Context, bookID string, pageNumber int, result domain.PageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[bookID][pageNumber]
	if !ok || p.GenerationStatus == domain.PageStatusFailed {
		return nil
	}
	p.GenerationStatus = domain.PageStatusCompleted
	p.ImageURL = result.ImageURL
	p.StoragePath = result.StoragePath
	if result.RunID != "" {
		p.RunID = result.RunID
	}
	p.LastError = ""
	return nil
}

func (m *memDB) SetFailed(_ context.Context, bookID string, pageNumber int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[bookID][pageNumber]
	if !ok || p.GenerationStatus == domain.PageStatusCompleted {
		return nil
	}
	p.GenerationStatus = domain.PageStatusFailed
	p.LastError = truncate(errMsg, 500)
	return nil
}

// CreditRepository

func (m *memDB) Balance(_ context.Context, userID string) (domain.Balance, error) {
	if m.balanceErr != nil {
		return domain.Balance{}, m.balanceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balance[userID]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return *b, nil
}

func (m *memDB) Debit(_ context.Context, userID string, amount int, description string) error {
	if m.debitErr != nil {
		return m.debitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balance[userID]
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
	m.entries = append(m.entries, domain.CreditEntry{
		ID:          fmt.Sprintf("entry-%d", len(m.entries)+1),
		UserID:      userID,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *memDB) Refund(_ context.Context, userID string, amount int, description string) error {
	if m.refundErr != nil {
		return m.refundErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balance[userID]
	if !ok {
		return domain.ErrNotFound
	}
	b.PurchasedCredits += amount
	m.entries = append(m.entries, domain.CreditEntry{
		ID:          fmt.Sprintf("entry-%d", len(m.entries)+1),
		UserID:      userID,
		Amount:      -amount,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *memDB) Entries(_ context.Context, userID string, limit int) ([]domain.CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CreditEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

var (
	_ domain.BookRepository   = (*memDB)(nil)
	_ domain.PageRepository   = (*memDB)(nil)
	_ domain.CreditRepository = (*memDB)(nil)
)

type stubStory struct {
	doc   *story.Document
	err   error
	calls int
}

func (s *stubStory) Synthesize(_ context.Context, _ string) (*story.Document, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.doc, nil
}

type dispatched struct {
	bookID     string
	pageNumber int
	prompt     string
	delay      time.Duration
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	err   error
}

func (s *stubDispatcher) DispatchRender(_ context.Context, bookID string, pageNumber int, prompt string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, dispatched{bookID: bookID, pageNumber: pageNumber, prompt: prompt, delay: delay})
	return s.err
}

// stubRenderer drives the worker through a scripted run: Trigger yields
// runID (or triggerErr), successive Polls pop states/pollErrs, Download
// yields data.
type stubRenderer struct {
	mu         sync.Mutex
	runID      string
	triggerErr error

	states   []render.RunState
	pollErrs []error
	polls    int

	data        []byte
	downloadErr error
}

func (s *stubRenderer) Trigger(_ context.Context, _ string) (string, error) {
	if s.triggerErr != nil {
		return "", s.triggerErr
	}
	return s.runID, nil
}

func (s *stubRenderer) Poll(_ context.Context, _ string) (render.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if len(s.pollErrs) > 0 {
		err := s.pollErrs[0]
		s.pollErrs = s.pollErrs[1:]
		if err != nil {
			return render.RunState{}, err
		}
	}
	if len(s.states) == 0 {
		return render.RunState{Status: "running"}, nil
	}
	state := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return state, nil
}

func (s *stubRenderer) Download(_ context.Context, _ string, _ render.RunState) ([]byte, error) {
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	return s.data, nil
}

type stubStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newStubStore() *stubStore {
	return &stubStore{objects: make(map[string][]byte)}
}

func (s *stubStore) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "https://cdn.example.com/assets/" + key, nil
}

func (s *stubStore) RemovePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.objects, key)
		}
	}
	return nil
}

type stubCompleter struct {
	mu    sync.Mutex
	calls []string
	done  bool
	err   error
}

func (s *stubCompleter) CheckAndComplete(_ context.Context, bookID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, bookID)
	return s.done, s.err
}
