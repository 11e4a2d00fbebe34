package worker

import (
	"context"
	"log/slog"
	"time"
)

// Queue is the in-process dispatch queue shared with the orchestrator.
type Queue interface {
	Dispatch(ctx context.Context, jobID string) error
	Jobs() <-chan string
}

// InlineSource feeds the pool from the in-process queue. A requeued job is
// dispatched again after retryDelay.
type InlineSource struct {
	queue      Queue
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewInlineSource creates a source on queue
func NewInlineSource(queue Queue, retryDelay time.Duration, logger *slog.Logger) *InlineSource {
	return &InlineSource{queue: queue, retryDelay: retryDelay, logger: logger}
}

func (s *InlineSource) Run(ctx context.Context, out chan<- *Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case jobID := <-s.queue.Jobs():
			msg := &Message{
				JobID: jobID,
				ack:   func() error { return nil },
				nack: func(requeue bool) error {
					if requeue {
						s.requeue(ctx, jobID)
					}
					return nil
				},
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *InlineSource) requeue(ctx context.Context, jobID string) {
	time.AfterFunc(s.retryDelay, func() {
		if err := s.queue.Dispatch(ctx, jobID); err != nil {
			s.logger.Error("Failed to requeue job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	})
}
