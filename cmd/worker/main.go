package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"storybook-server/internal/adapter/repo"
	"storybook-server/internal/infra"
	"storybook-server/internal/pipeline"
	"storybook-server/internal/providers/render"
	"storybook-server/internal/queue"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	store, err := infra.NewStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	books := repo.NewBookRepository(pool)
	pages := repo.NewPageRepository(pool)

	renderClient := render.NewClient(render.Options{
		BaseURL:      cfg.ImageAPIURL,
		APIKey:       cfg.ImageAPIKey,
		DeploymentID: cfg.RenderDeployment,
		CDNBaseURL:   cfg.ImageCDNBaseURL,
	})
	renderWorker := pipeline.NewRenderWorker(pipeline.RenderWorkerOptions{
		Books:     books,
		Pages:     pages,
		Renderer:  renderClient,
		Store:     store,
		Completer: pipeline.NewCompletionChecker(books, pages, logger),
		Logger:    logger,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Logger:      queue.NewAsynqLogger(logger),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderImage, func(ctx context.Context, task *asynq.Task) error {
		payload, err := queue.ParseRenderPayload(task)
		if err != nil {
			return err
		}
		// The worker persists its own failure state; an error return here
		// would only make asynq archive the task, so log and move on.
		if _, err := renderWorker.Render(ctx, payload.BookID, payload.PageNumber, payload.ImagePrompt); err != nil {
			logger.Error().Err(err).
				Str("book_id", payload.BookID).
				Int("page_number", payload.PageNumber).
				Msg("worker: render task failed")
		}
		return nil
	})

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker: started")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
