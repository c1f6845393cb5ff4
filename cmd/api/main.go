package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"storybook-server/internal/adapter/repo"
	"storybook-server/internal/http/handlers"
	httpapi "storybook-server/internal/http/httpapi"
	"storybook-server/internal/infra"
	"storybook-server/internal/pipeline"
	"storybook-server/internal/providers/render"
	"storybook-server/internal/providers/story"
	"storybook-server/internal/queue"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	books := repo.NewBookRepository(dbpool)
	pages := repo.NewPageRepository(dbpool)
	credits := repo.NewCreditRepository(dbpool)

	store, err := infra.NewStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	enqueuer := queue.NewEnqueuer(cfg.RedisAddr, cfg.RedisPassword, logger)
	defer enqueuer.Close()

	storyClient := story.NewClient(story.Options{
		BaseURL: cfg.TextAPIURL,
		APIKey:  cfg.TextAPIKey,
	})
	renderClient := render.NewClient(render.Options{
		BaseURL:      cfg.ImageAPIURL,
		APIKey:       cfg.ImageAPIKey,
		DeploymentID: cfg.RenderDeployment,
		CDNBaseURL:   cfg.ImageCDNBaseURL,
	})

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		Books:       books,
		Pages:       pages,
		Credits:     credits,
		Story:       storyClient,
		Dispatcher:  enqueuer,
		Logger:      logger,
		CreditsCost: cfg.BookCreditsCost,
	})
	completer := pipeline.NewCompletionChecker(books, pages, logger)
	worker := pipeline.NewRenderWorker(pipeline.RenderWorkerOptions{
		Books:     books,
		Pages:     pages,
		Renderer:  renderClient,
		Store:     store,
		Completer: completer,
		Logger:    logger,
	})

	app := &handlers.App{
		Orchestrator: orchestrator,
		Worker:       worker,
		Reporter:     pipeline.NewProgressReporter(books, pages),
		Books:        books,
		Pages:        pages,
		Credits:      credits,
		Store:        store,
		Logger:       logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:      cfg.JWTSecret,
		InternalToken:  cfg.InternalToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
