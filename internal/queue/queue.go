// Package queue defines the render task queue between the API and the
// worker. One task per page plus one for the cover; retries are owned by
// the render worker itself, so queue-level retry is disabled.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeRenderImage is the asynq task type for one page/cover render.
const TypeRenderImage = "render:image"

// renderTimeout bounds one render task end to end; polling alone can take
// up to 15 minutes.
const renderTimeout = 20 * time.Minute

// RenderPayload is the unit of work handed to the render worker.
type RenderPayload struct {
	BookID      string `json:"book_id"`
	PageNumber  int    `json:"page_number"`
	ImagePrompt string `json:"image_prompt"`
}

// NewRenderTask builds the asynq task for a payload.
func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderImage, data,
		asynq.MaxRetry(0),
		asynq.Timeout(renderTimeout),
		asynq.Retention(24*time.Hour),
	), nil
}

// ParseRenderPayload decodes a render task's payload.
func ParseRenderPayload(task *asynq.Task) (RenderPayload, error) {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderPayload{}, fmt.Errorf("queue: unmarshal render payload: %w", err)
	}
	return payload, nil
}

// Enqueuer dispatches render tasks onto the queue.
type Enqueuer struct {
	client *asynq.Client
	logger zerolog.Logger
}

// NewEnqueuer connects an asynq client to Redis.
func NewEnqueuer(redisAddr, redisPassword string, logger zerolog.Logger) *Enqueuer {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr, Password: redisPassword})
	return &Enqueuer{client: client, logger: logger}
}

// DispatchRender enqueues one render unit. delay staggers processing so
// fan-out does not burst the external renderer.
func (e *Enqueuer) DispatchRender(ctx context.Context, bookID string, pageNumber int, imagePrompt string, delay time.Duration) error {
	task, err := NewRenderTask(RenderPayload{BookID: bookID, PageNumber: pageNumber, ImagePrompt: imagePrompt})
	if err != nil {
		return err
	}
	opts := []asynq.Option{}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("queue: enqueue render: %w", err)
	}
	e.logger.Info().
		Str("task_id", info.ID).
		Str("book_id", bookID).
		Int("page_number", pageNumber).
		Msg("queue: render task enqueued")
	return nil
}

// Close releases the underlying client connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
