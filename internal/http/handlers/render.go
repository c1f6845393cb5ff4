package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"storybook-server/internal/domain"
)

type renderRequest struct {
	BookID      string `json:"book_id"`
	PageNumber  *int   `json:"page_number"`
	ImagePrompt string `json:"image_prompt"`
}

// RenderImage runs one render unit synchronously. The queue worker is the
// normal dispatch path; this endpoint exists for manual reconciliation of a
// stuck unit and is not exposed to end users.
func (a *App) RenderImage(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.BookID) == "" || req.PageNumber == nil || strings.TrimSpace(req.ImagePrompt) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "book_id, page_number and image_prompt are required")
		return
	}
	if *req.PageNumber < 1 && *req.PageNumber != domain.CoverPageNumber {
		a.error(w, http.StatusBadRequest, "bad_request", "page_number must be positive or -1 for the cover")
		return
	}

	finalStatus, err := a.Worker.Render(r.Context(), req.BookID, *req.PageNumber, req.ImagePrompt)
	if err != nil {
		a.json(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success":     true,
		"finalStatus": finalStatus,
	})
}
