package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/cuongbtq/restyle-pipeline/internal/credit"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Submission is an inbound generation request.
type Submission struct {
	RunID          string        `json:"run_id" validate:"omitempty,max=128,excludesall=#"`
	UserID         string        `json:"user_id" validate:"required,max=128"`
	SourceURL      string        `json:"source_url" validate:"required,url"`
	Prompt         string        `json:"prompt" validate:"required_without=PresetKey,max=2000"`
	NegativePrompt string        `json:"negative_prompt" validate:"max=2000"`
	PresetKey      string        `json:"preset_key" validate:"max=128"`
	Kind           domain.Kind   `json:"kind" validate:"required,oneof=single-image story-multi-shot video-to-video"`
	Params         domain.Params `json:"params"`
}

// Receipt is the answer to a submission.
type Receipt struct {
	JobID     string           `json:"job_id"`
	RunID     string           `json:"run_id"`
	Status    domain.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	ResultURL string           `json:"result_url,omitempty"`
	Balance   *int64           `json:"balance,omitempty"`
	Replayed  bool             `json:"replayed"`
}

func receiptOf(job *domain.Job, replayed bool) *Receipt {
	r := &Receipt{
		JobID:    job.ID,
		RunID:    job.RunID,
		Status:   job.Status,
		Progress: job.Progress,
		Replayed: replayed,
	}
	if job.Status == domain.JobStatusCompleted && job.ResultURL != nil {
		r.ResultURL = *job.ResultURL
	}
	return r
}

// Submit registers a generation request. A run id that already completed, or
// is still in flight, is answered from the existing record without reserving
// credits or calling a provider. A failed or crashed run is superseded by a
// new attempt.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	job, err := o.prepare(sub)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(
		slog.String("run_id", job.RunID),
		slog.String("user_id", job.UserID),
		slog.String("kind", string(job.Kind)),
	)

	existing, err := o.store.GetByRunID(ctx, job.RunID)
	switch {
	case err == nil:
		if existing.UserID != job.UserID {
			return nil, domain.NewError(domain.CodeDuplicateRun, "run id %s belongs to another user", job.RunID)
		}
		if o.replayable(existing) {
			log.Info("Submission replayed",
				slog.String("job_id", existing.ID),
				slog.String("status", string(existing.Status)),
			)
			return receiptOf(existing, true), nil
		}
		job.Attempt = existing.Attempt + 1
	case errors.Is(err, domain.ErrJobNotFound):
		existing = nil
	default:
		return nil, storeError(err)
	}
	job.LedgerRequest = domain.LedgerRequestID(job.RunID, job.Attempt)

	// The previous attempt's credits go back before the new reservation, so a
	// balance covering one job is enough to retry it.
	if existing != nil {
		if err := o.release(ctx, existing); err != nil {
			return nil, err
		}
	}

	balance, err := o.ledger.Reserve(ctx, credit.ReserveRequest{
		UserID:    job.UserID,
		RequestID: job.LedgerRequest,
		Action:    string(job.Kind),
		Cost:      job.Cost,
	})
	if err != nil {
		if domain.HasCode(err, domain.CodeDuplicateRequest) {
			return o.replayRun(ctx, job.RunID, job.Attempt)
		}
		if domain.CodeOf(err) == domain.CodeInternal {
			return nil, domain.WrapError(domain.CodeDBError, err, "reserve credits")
		}
		log.Info("Reservation denied", slog.String("code", string(domain.CodeOf(err))))
		return nil, err
	}

	if existing != nil {
		err = o.supersede(ctx, existing, job)
	} else {
		err = o.store.Create(ctx, job)
	}
	if err != nil {
		o.refund(ctx, job)
		if errors.Is(err, domain.ErrDuplicateRunID) || errors.Is(err, domain.ErrJobNotFound) {
			return o.replayRun(ctx, job.RunID, job.Attempt)
		}
		return nil, domain.WrapError(domain.CodeDBError, err, "create job")
	}
	o.putCache(ctx, job.Project())

	log.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Int64("cost", job.Cost),
		slog.Int64("balance", balance),
	)

	if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Error("Failed to dispatch job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		code := domain.CodeInternal
		if errors.Is(err, ErrQueueFull) {
			code = domain.CodeQueueFull
		}
		o.fail(context.WithoutCancel(ctx), job, domain.WrapError(code, err, "dispatch"))
		return nil, domain.WrapError(code, err, "dispatch job")
	}

	r := receiptOf(job, false)
	r.Balance = &balance
	return r, nil
}

// prepare validates sub and resolves it into a queued job.
func (o *Orchestrator) prepare(sub Submission) (*domain.Job, error) {
	sub.RunID = strings.TrimSpace(sub.RunID)
	sub.UserID = strings.TrimSpace(sub.UserID)
	sub.PresetKey = strings.TrimSpace(sub.PresetKey)

	if err := o.validate.Struct(sub); err != nil {
		return nil, domain.WrapError(domain.CodeValidationFailed, err, "invalid submission")
	}

	params := sub.Params
	prompt, negative := strings.TrimSpace(sub.Prompt), strings.TrimSpace(sub.NegativePrompt)
	if sub.PresetKey != "" {
		p, ok := o.presets.Get(sub.PresetKey)
		if !ok {
			return nil, domain.NewError(domain.CodeValidationFailed, "unknown preset %q", sub.PresetKey)
		}
		prompt, negative = p.Resolve(prompt, negative)
		if params.GuidanceScale == 0 {
			params.GuidanceScale = p.GuidanceScale
		}
		if params.Steps == 0 {
			params.Steps = p.Steps
		}
		if params.Strength == 0 {
			params.Strength = p.Strength
		}
	}
	if prompt == "" {
		return nil, domain.NewError(domain.CodeValidationFailed, "prompt is required")
	}

	if sub.Kind == domain.KindStoryMultiShot {
		if params.Shots == 0 {
			params.Shots = o.opts.DefaultShots
		}
		if params.Shots > o.opts.MaxShots {
			return nil, domain.NewError(domain.CodeValidationFailed,
				"shots must be at most %d, got %d", o.opts.MaxShots, params.Shots)
		}
	} else {
		params.Shots = 0
	}
	if params.Width == 0 {
		params.Width = o.opts.DefaultFrame.Width
	}
	if params.Height == 0 {
		params.Height = o.opts.DefaultFrame.Height
	}
	if sub.Kind.IsVideo() && params.FPS == 0 {
		params.FPS = o.opts.DefaultFrame.FPS
	}

	cost, err := o.ledger.Policy().CostOf(string(sub.Kind))
	if err != nil {
		return nil, err
	}

	runID := sub.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}

	return &domain.Job{
		ID:             uuid.NewString(),
		RunID:          runID,
		Attempt:        1,
		UserID:         sub.UserID,
		Kind:           sub.Kind,
		SourceURL:      strings.TrimSpace(sub.SourceURL),
		Prompt:         prompt,
		NegativePrompt: negative,
		PresetKey:      sub.PresetKey,
		Params:         params,
		Status:         domain.JobStatusQueued,
		Cost:           cost,
	}, nil
}

// replayable reports whether existing answers a resubmission as is: completed
// runs and runs still being worked on. Failed and crashed runs are retried.
func (o *Orchestrator) replayable(existing *domain.Job) bool {
	switch existing.Status {
	case domain.JobStatusCompleted:
		return true
	case domain.JobStatusFailed:
		return false
	default:
		return !existing.IsStale(o.now(), o.opts.StaleAfter)
	}
}

// release refunds the reservation of a failed or crashed attempt. Failed
// attempts were already refunded, so a settled reservation is not an error.
func (o *Orchestrator) release(ctx context.Context, prev *domain.Job) error {
	err := o.ledger.Refund(ctx, prev.LedgerRequest, 0)
	if err == nil || settledOrMissing(err) {
		return nil
	}
	if domain.CodeOf(err) == domain.CodeInternal {
		return domain.WrapError(domain.CodeDBError, err, "release previous attempt")
	}
	return err
}

// supersede replaces the record of prev with next. prev's reservation has
// already been released.
func (o *Orchestrator) supersede(ctx context.Context, prev, next *domain.Job) error {
	if err := o.store.Supersede(ctx, prev.ID, next); err != nil {
		return err
	}
	if err := o.cache.Delete(ctx, prev.ID); err != nil {
		o.logger.Warn("Failed to evict superseded job from cache",
			slog.String("job_id", prev.ID),
			slog.Any("error", err),
		)
	}
	o.logger.Info("Superseded previous attempt",
		slog.String("run_id", prev.RunID),
		slog.String("old_job_id", prev.ID),
		slog.String("old_status", string(prev.Status)),
		slog.Int("attempt", next.Attempt),
	)
	return nil
}

// replayRun answers a submission that lost a race to a concurrent one.
func (o *Orchestrator) replayRun(ctx context.Context, runID string, attempt int) (*Receipt, error) {
	job, err := o.store.GetByRunID(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, domain.NewError(domain.CodeDuplicateRun, "run %s is already being submitted", runID)
		}
		return nil, storeError(err)
	}
	if job.Attempt < attempt {
		return nil, domain.NewError(domain.CodeDuplicateRun, "run %s is already being resubmitted", runID)
	}
	return receiptOf(job, true), nil
}

func settledOrMissing(err error) bool {
	return domain.HasCode(err, domain.CodeReservationSettled) || errors.Is(err, domain.ErrReservationNotFound)
}
