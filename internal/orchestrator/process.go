package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/assets"
	"github.com/cuongbtq/restyle-pipeline/internal/compositor"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/provider"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
)

const defaultCeiling = 90 * time.Second

// Process claims jobID for workerID and drives it to completed or failed.
// Job failures are recorded on the job and return nil; only claim problems
// and store errors are returned so the caller can decide whether to requeue.
func (o *Orchestrator) Process(ctx context.Context, jobID, workerID string) error {
	log := o.logger.With(
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	log.Info("Processing job")

	// queued -> processing; only one worker can win this
	job, err := o.store.Claim(ctx, jobID, workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			log.Warn("Job already claimed, skipping")
			return fmt.Errorf("job already claimed: %w", err)
		}
		log.Error("Failed to claim job", slog.Any("error", err))
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}
	o.putCache(ctx, job.Project())
	log = log.With(
		slog.String("run_id", job.RunID),
		slog.String("kind", string(job.Kind)),
	)

	jobCtx, cancel := context.WithTimeout(ctx, o.opts.JobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go o.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)

	resultURL, runErr := o.execute(jobCtx, job, log)
	close(heartbeatDone)

	// settle even when the job context is gone
	settleCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
			!domain.HasCode(runErr, domain.CodeTimeout) {
			runErr = domain.WrapError(domain.CodeTimeout, runErr, fmt.Sprintf("job exceeded %s", o.opts.JobTimeout))
		}
		log.Error("Job execution failed",
			slog.String("code", string(domain.CodeOf(runErr))),
			slog.Any("error", runErr),
		)
		o.fail(settleCtx, job, runErr)
		return nil
	}

	return o.complete(settleCtx, job, resultURL, log)
}

func (o *Orchestrator) execute(ctx context.Context, job *domain.Job, log *slog.Logger) (string, error) {
	if job.Kind == domain.KindStoryMultiShot {
		return o.runStory(ctx, job, log)
	}

	src, err := o.generate(ctx, job, o.request(job, 0, 1), log)
	if err != nil {
		return "", err
	}
	o.progress(ctx, job, 90)
	return o.upload(ctx, job, src)
}

// runStory generates each shot in order, composes them and uploads the video.
// Intermediate files live in a workspace that is released on every path.
func (o *Orchestrator) runStory(ctx context.Context, job *domain.Job, log *slog.Logger) (string, error) {
	ws, err := o.composer.NewWorkspace(job.ID)
	if err != nil {
		return "", domain.WrapError(domain.CodeComposeFailed, err, "create workspace")
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Warn("Failed to release story workspace",
				slog.String("dir", ws.Dir()),
				slog.Any("error", err),
			)
		}
	}()

	n := job.Params.Shots
	shots := make([]compositor.Shot, 0, n)
	for i := 0; i < n; i++ {
		src, err := o.generate(ctx, job, o.request(job, i, n), log)
		if err != nil {
			return "", fmt.Errorf("shot %d of %d: %w", i+1, n, err)
		}
		shots = append(shots, compositor.Shot{URL: src.URL, Data: src.Data})

		o.progress(ctx, job, domain.ShotProgress(i, n))
		log.Info("Story shot generated",
			slog.Int("shot", i+1),
			slog.Int("shots", n),
			slog.Int("progress", job.Progress),
		)
	}

	paths, err := o.composer.StageShots(ctx, ws, shots)
	if err != nil {
		return "", domain.WrapError(domain.CodeComposeFailed, err, fmt.Sprintf("stage %d shots", n))
	}

	video, err := o.composer.Compose(ctx, ws, paths, n, compositor.Frame{
		Width:  job.Params.Width,
		Height: job.Params.Height,
		FPS:    job.Params.FPS,
	})
	if err != nil {
		return "", err
	}
	return o.upload(ctx, job, assets.Source{Path: video})
}

// generate runs the provider chain for one request and, for asynchronous
// vendors, polls until the asset is ready or the ceiling for the kind passes.
func (o *Orchestrator) generate(ctx context.Context, job *domain.Job, req provider.Request, log *slog.Logger) (assets.Source, error) {
	outcome, err := o.generator.Generate(ctx, req, func(p provider.Params) provider.Params {
		return p.Merge(job.Params.GuidanceScale, job.Params.Steps, job.Params.Strength)
	})
	if err != nil {
		return assets.Source{}, err
	}

	res := outcome.Result
	if err := o.store.SetProviderHandle(ctx, job.ID, storage.HandleUpdate{
		ProviderJobID:  res.ProviderJobID,
		Strategy:       outcome.Strategy,
		StrategyParams: outcome.Params.JSON(),
	}); err != nil {
		log.Warn("Failed to record provider handle", slog.Any("error", err))
	}

	if !res.IsAsync() {
		return assets.Source{URL: res.ResultURL, Data: res.Data}, nil
	}

	var final assets.Source
	err = Poll(ctx, o.opts.PollInterval, o.ceiling(job.Kind), func(pctx context.Context) (bool, error) {
		st, err := o.generator.Poll(pctx, outcome.Strategy, res.ProviderJobID)
		if err != nil {
			log.Warn("Provider poll failed, retrying",
				slog.String("strategy", outcome.Strategy),
				slog.String("provider_job_id", res.ProviderJobID),
				slog.Any("error", err),
			)
			return false, nil
		}

		switch st.State {
		case provider.StateSucceeded:
			if st.ResultURL == "" {
				return true, domain.NewError(domain.CodeProviderError, "provider reported success without a result")
			}
			final = assets.Source{URL: st.ResultURL}
			return true, nil
		case provider.StateFailed:
			msg := st.Error
			if msg == "" {
				msg = "provider reported failure"
			}
			return true, domain.NewError(domain.CodeProviderError, "%s", domain.TruncateError(msg))
		default:
			return false, nil
		}
	})
	return final, err
}

func (o *Orchestrator) upload(ctx context.Context, job *domain.Job, src assets.Source) (string, error) {
	up, err := o.assets.Upload(ctx, src, assets.Metadata{JobID: job.ID, Kind: string(job.Kind)})
	if err != nil {
		return "", domain.WrapError(domain.CodeUploadFailed, err, "upload result")
	}
	if up == nil || up.URL == "" {
		return "", domain.NewError(domain.CodeUploadFailed, "asset store returned no handle")
	}
	return up.URL, nil
}

func (o *Orchestrator) request(job *domain.Job, shot, shots int) provider.Request {
	return provider.Request{
		JobID:          job.ID,
		Kind:           job.Kind,
		SourceURL:      job.SourceURL,
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		ShotIndex:      shot,
		ShotCount:      shots,
		Width:          job.Params.Width,
		Height:         job.Params.Height,
		FPS:            job.Params.FPS,
	}
}

func (o *Orchestrator) ceiling(kind domain.Kind) time.Duration {
	if c, ok := o.opts.Ceilings[kind]; ok && c > 0 {
		return c
	}
	return defaultCeiling
}

// progress raises the stored progress; it never moves backwards.
func (o *Orchestrator) progress(ctx context.Context, job *domain.Job, p int) {
	if p <= job.Progress {
		return
	}
	if err := o.store.UpdateProgress(ctx, job.ID, p); err != nil {
		o.logger.Warn("Failed to update job progress",
			slog.String("job_id", job.ID),
			slog.Int("progress", p),
			slog.Any("error", err),
		)
		return
	}
	job.Progress = p
	o.putCache(ctx, job.Project())
}

func (o *Orchestrator) complete(ctx context.Context, job *domain.Job, resultURL string, log *slog.Logger) error {
	if err := o.store.Complete(ctx, job.ID, resultURL); err != nil {
		log.Error("Failed to mark job completed", slog.Any("error", err))
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if err := o.ledger.Finalize(ctx, job.LedgerRequest); err != nil {
		log.Error("Failed to finalize credit reservation",
			slog.String("request_id", job.LedgerRequest),
			slog.Any("error", err),
		)
	}
	o.refresh(ctx, job.ID)

	log.Info("Job completed successfully", slog.String("result_url", resultURL))
	return nil
}

// fail records err on the job and returns the reserved credits.
func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, err error) {
	code := domain.CodeOf(err)
	msg := domain.TruncateError(domain.MessageOf(err))
	if ferr := o.store.Fail(ctx, job.ID, code, msg); ferr != nil {
		o.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.ID),
			slog.Any("error", ferr),
		)
	}
	o.refund(ctx, job)
	o.refresh(ctx, job.ID)
}

func (o *Orchestrator) refund(ctx context.Context, job *domain.Job) {
	err := o.ledger.Refund(ctx, job.LedgerRequest, 0)
	if err != nil && !settledOrMissing(err) {
		o.logger.Error("Failed to refund credit reservation",
			slog.String("job_id", job.ID),
			slog.String("request_id", job.LedgerRequest),
			slog.Any("error", err),
		)
	}
}

// sendJobHeartbeat keeps updated_at fresh so the job is not taken for crashed.
func (o *Orchestrator) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Touch(ctx, jobID); err != nil {
				o.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
