package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storybook-server/internal/domain"
)

type generateBookRequest struct {
	StoryIdea string `json:"story_idea"`
}

// BooksGenerate admits a new book generation job. The response is 202: text
// synthesis runs inline but image rendering continues in the background.
func (a *App) BooksGenerate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}
	var req generateBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	bookID, err := a.Orchestrator.Submit(r.Context(), userID, req.StoryIdea)
	switch {
	case errors.Is(err, domain.ErrInvalidPrompt):
		a.error(w, http.StatusBadRequest, "bad_request", "story_idea is required")
		return
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.json(w, http.StatusPaymentRequired, map[string]any{
			"success": false,
			"code":    "insufficient_credits",
			"error":   "Insufficient credits",
			"bookId":  bookID,
		})
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: book generation failed")
		a.json(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"code":    "internal",
			"error":   err.Error(),
			"bookId":  bookID,
		})
		return
	}

	a.json(w, http.StatusAccepted, map[string]any{
		"success": true,
		"bookId":  bookID,
		"message": "Book generation started.",
	})
}

// BooksStatus returns the progress projection for one of the caller's books.
func (a *App) BooksStatus(w http.ResponseWriter, r *http.Request) {
	book, ok := a.ownedBook(w, r)
	if !ok {
		return
	}
	progress, err := a.Reporter.Report(r.Context(), book.ID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to compute progress")
		return
	}
	a.json(w, http.StatusOK, progress)
}

// BooksList returns the caller's books, newest first.
func (a *App) BooksList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}
	books, err := a.Books.ListByUser(r.Context(), userID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list books")
		return
	}
	items := make([]map[string]any, 0, len(books))
	for _, b := range books {
		items = append(items, bookSummary(&b))
	}
	a.json(w, http.StatusOK, map[string]any{"books": items})
}

// BooksGet returns one book with its pages.
func (a *App) BooksGet(w http.ResponseWriter, r *http.Request) {
	book, ok := a.ownedBook(w, r)
	if !ok {
		return
	}
	pages, err := a.Pages.ListByBook(r.Context(), book.ID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load pages")
		return
	}

	pageItems := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		pageItems = append(pageItems, map[string]any{
			"pageNumber":       p.PageNumber,
			"text":             p.Text,
			"imagePrompt":      p.ImagePrompt,
			"generationStatus": p.GenerationStatus,
			"imageUrl":         p.ImageURL,
		})
	}
	detail := bookSummary(book)
	detail["originalPrompt"] = book.OriginalPrompt
	detail["coverImagePrompt"] = book.CoverImagePrompt
	detail["pages"] = pageItems
	a.json(w, http.StatusOK, detail)
}

// BooksDelete removes a book with its pages and stored assets. Asset removal
// is best effort; the rows are gone either way.
func (a *App) BooksDelete(w http.ResponseWriter, r *http.Request) {
	book, ok := a.ownedBook(w, r)
	if !ok {
		return
	}
	if err := a.Books.Delete(r.Context(), book.ID, book.UserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "book not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete book")
		return
	}
	if err := a.Store.RemovePrefix(r.Context(), book.ID+"/"); err != nil {
		a.Logger.Warn().Err(err).Str("book_id", book.ID).Msg("handlers: removing book assets failed")
	}
	a.json(w, http.StatusOK, map[string]any{"success": true})
}

// ownedBook loads the {book_id} route param and enforces ownership. A book
// belonging to someone else reads as not found.
func (a *App) ownedBook(w http.ResponseWriter, r *http.Request) (*domain.Book, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return nil, false
	}
	bookID := chi.URLParam(r, "book_id")
	book, err := a.Books.GetByID(r.Context(), bookID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "book not found")
			return nil, false
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load book")
		return nil, false
	}
	if book.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "book not found")
		return nil, false
	}
	return book, true
}

func bookSummary(b *domain.Book) map[string]any {
	return map[string]any{
		"id":               b.ID,
		"title":            b.Title,
		"shortDescription": b.ShortDescription,
		"status":           b.Status,
		"coverImageUrl":    b.CoverImageURL,
		"createdAt":        b.CreatedAt,
		"updatedAt":        b.UpdatedAt,
	}
}
