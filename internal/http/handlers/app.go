package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"storybook-server/internal/domain"
	"storybook-server/internal/middleware"
	"storybook-server/internal/pipeline"
	"storybook-server/internal/storage"
)

// App bundles the handler dependencies.
type App struct {
	Orchestrator *pipeline.Orchestrator
	Worker       *pipeline.RenderWorker
	Reporter     *pipeline.ProgressReporter
	Books        domain.BookRepository
	Pages        domain.PageRepository
	Credits      domain.CreditRepository
	Store        storage.Store
	Logger       zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
