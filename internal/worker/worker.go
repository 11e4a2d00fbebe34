// Package worker runs the pool that turns dispatched job ids into processed
// jobs, fed either by RabbitMQ or by an in-process queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Processor drives one job to a terminal state.
type Processor interface {
	Process(ctx context.Context, jobID, workerID string) error
}

// Message is one dispatched job plus its acknowledgement hooks.
type Message struct {
	JobID string
	ack   func() error
	nack  func(requeue bool) error
}

// Source feeds messages to the pool until ctx is done or it runs dry.
type Source interface {
	Run(ctx context.Context, out chan<- *Message) error
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	Processor       Processor
	Source          Source
	WorkerID        string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger          *slog.Logger
	processor       Processor
	source          Source
	workerID        string
	concurrency     int
	shutdownTimeout time.Duration
	jobsChan        chan *Message
	wg              sync.WaitGroup
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		logger:          cfg.Logger,
		processor:       cfg.Processor,
		source:          cfg.Source,
		workerID:        cfg.WorkerID,
		concurrency:     concurrency,
		shutdownTimeout: cfg.ShutdownTimeout,
		jobsChan:        make(chan *Message),
		stopChan:        make(chan struct{}),
	}
}

// Start spawns the pool and feeds it from the source. It blocks until ctx is
// canceled or the source stops.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	w.spawnWorkerPool(ctx)

	err := w.source.Run(ctx, w.jobsChan)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop signals the pool and waits for in-flight jobs, bounded by the
// shutdown timeout when one is configured.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if w.shutdownTimeout <= 0 {
		<-done
		w.logger.Info("Worker stopped")
		return
	}

	select {
	case <-done:
		w.logger.Info("Worker stopped")
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("Worker stop timed out with jobs still running",
			slog.Duration("timeout", w.shutdownTimeout),
		)
	}
}
