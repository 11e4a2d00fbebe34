package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher hands a queued job to whatever runs workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// ErrQueueFull is returned by the inline dispatcher when no slot frees up in time.
var ErrQueueFull = errors.New("dispatch queue is full")

// DispatchMessage is the body published for each job.
type DispatchMessage struct {
	JobID string `json:"job_id"`
}

// InlineDispatcher feeds an in-process worker pool through a buffered channel.
type InlineDispatcher struct {
	jobs chan string
	wait time.Duration
}

// NewInlineDispatcher creates a dispatcher with room for size pending jobs
func NewInlineDispatcher(size int) *InlineDispatcher {
	if size <= 0 {
		size = 1
	}
	return &InlineDispatcher{jobs: make(chan string, size)}
}

// WithEnqueueTimeout lets Dispatch wait up to wait for a free slot.
func (d *InlineDispatcher) WithEnqueueTimeout(wait time.Duration) *InlineDispatcher {
	d.wait = wait
	return d
}

// Dispatch enqueues jobID, waiting for a slot until the enqueue timeout or
// ctx ends.
func (d *InlineDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.jobs <- jobID:
		return nil
	default:
	}
	if d.wait <= 0 {
		return ErrQueueFull
	}

	timer := time.NewTimer(d.wait)
	defer timer.Stop()
	select {
	case d.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

// Jobs is the receive side consumed by the pool.
func (d *InlineDispatcher) Jobs() <-chan string {
	return d.jobs
}

// Publisher is the subset of the RabbitMQ client used for dispatch.
type Publisher interface {
	PublishWithRetry(ctx context.Context, messageID string, body []byte) error
}

// RabbitDispatcher publishes {"job_id": ...} for the worker service.
type RabbitDispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRabbitDispatcher creates a dispatcher on publisher
func NewRabbitDispatcher(publisher Publisher, logger *slog.Logger) *RabbitDispatcher {
	return &RabbitDispatcher{publisher: publisher, logger: logger}
}

func (d *RabbitDispatcher) Dispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(DispatchMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	if err := d.publisher.PublishWithRetry(ctx, jobID, body); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	d.logger.Debug("Job published", slog.String("job_id", jobID))
	return nil
}
