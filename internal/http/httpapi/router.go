package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"storybook-server/internal/http/handlers"
	"storybook-server/internal/middleware"
)

// Options configures the router.
type Options struct {
	JWTSecret string
	// InternalToken guards the reconciliation endpoints; empty disables
	// them entirely.
	InternalToken  string
	AllowedOrigins []string
	Logger         zerolog.Logger
	// SubmitPerMinute rate-limits book submissions per client IP. Zero
	// means 10.
	SubmitPerMinute int
}

// NewRouter wires the HTTP surface.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	submitLimit := opts.SubmitPerMinute
	if submitLimit <= 0 {
		submitLimit = 10
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/books", func(r chi.Router) {
			r.With(middleware.RateLimit(submitLimit, time.Minute)).Post("/", app.BooksGenerate)
			r.Get("/", app.BooksList)
			r.Get("/{book_id}", app.BooksGet)
			r.Delete("/{book_id}", app.BooksDelete)
			r.Get("/{book_id}/status", app.BooksStatus)
		})
		r.Get("/credits", app.CreditsSummary)
	})

	if opts.InternalToken != "" {
		r.Route("/internal", func(r chi.Router) {
			r.Use(middleware.BearerToken(opts.InternalToken))
			r.Post("/render", app.RenderImage)
		})
	}

	return r
}
