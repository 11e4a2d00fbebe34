// Package orchestrator drives a generation job from submission to a terminal
// state: idempotency by run id, credit reservation, dispatch, provider calls
// with bounded polling, compositing and settlement.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/assets"
	"github.com/cuongbtq/restyle-pipeline/internal/cache"
	"github.com/cuongbtq/restyle-pipeline/internal/compositor"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/cuongbtq/restyle-pipeline/internal/credit"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/preset"
	"github.com/cuongbtq/restyle-pipeline/internal/provider"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
	"github.com/go-playground/validator/v10"
)

// JobStore is the job record store.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetByRunID(ctx context.Context, runID string) (*domain.Job, error)
	Supersede(ctx context.Context, oldID string, job *domain.Job) error
	Claim(ctx context.Context, id, workerID string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetProviderHandle(ctx context.Context, id string, h storage.HandleUpdate) error
	Complete(ctx context.Context, id, resultURL string) error
	Fail(ctx context.Context, id string, code domain.Code, message string) error
	Touch(ctx context.Context, id string) error
	List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
}

// Ledger is the credit ledger.
type Ledger interface {
	Policy() credit.Policy
	Reserve(ctx context.Context, req credit.ReserveRequest) (int64, error)
	Finalize(ctx context.Context, requestID string) error
	Refund(ctx context.Context, requestID string, amount int64) error
	Balance(ctx context.Context, userID string) (int64, error)
}

// Generator is the provider fallback chain.
type Generator interface {
	Generate(ctx context.Context, req provider.Request, override func(provider.Params) provider.Params) (*provider.Outcome, error)
	Poll(ctx context.Context, strategy, providerJobID string) (*provider.Status, error)
}

// AssetStore persists final results.
type AssetStore interface {
	Upload(ctx context.Context, src assets.Source, meta assets.Metadata) (*assets.Uploaded, error)
}

// Composer stages story shots and renders the final video.
type Composer interface {
	NewWorkspace(jobID string) (*compositor.Workspace, error)
	StageShots(ctx context.Context, ws *compositor.Workspace, shots []compositor.Shot) ([]string, error)
	Compose(ctx context.Context, ws *compositor.Workspace, shots []string, expected int, frame compositor.Frame) (string, error)
}

// Options tune polling, defaults and crash detection.
type Options struct {
	PollInterval      time.Duration
	Ceilings          map[domain.Kind]time.Duration
	MaxShots          int
	DefaultShots      int
	DefaultFrame      compositor.Frame
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

// OptionsFromConfig maps the jobs and worker sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	ceilings := make(map[domain.Kind]time.Duration, 3)
	for _, k := range []domain.Kind{domain.KindSingleImage, domain.KindStoryMultiShot, domain.KindVideoToVideo} {
		ceilings[k] = cfg.Jobs.PollCeiling(string(k))
	}
	return Options{
		PollInterval: cfg.Jobs.PollInterval,
		Ceilings:     ceilings,
		MaxShots:     cfg.Jobs.MaxShots,
		DefaultShots: cfg.Jobs.DefaultShots,
		DefaultFrame: compositor.Frame{
			Width:  cfg.Jobs.DefaultWidth,
			Height: cfg.Jobs.DefaultHeight,
			FPS:    cfg.Jobs.DefaultFPS,
		},
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
	}
}

// Deps are the collaborators of an Orchestrator. Cache and Presets are optional.
type Deps struct {
	Store      JobStore
	Ledger     Ledger
	Generator  Generator
	Assets     AssetStore
	Composer   Composer
	Dispatcher Dispatcher
	Cache      cache.StatusCache
	Presets    *preset.Catalog
	Logger     *slog.Logger
}

// Orchestrator owns the job state machine.
type Orchestrator struct {
	store      JobStore
	ledger     Ledger
	generator  Generator
	assets     AssetStore
	composer   Composer
	dispatcher Dispatcher
	cache      cache.StatusCache
	presets    *preset.Catalog
	logger     *slog.Logger
	validate   *validator.Validate
	opts       Options
	now        func() time.Time
}

// New creates an orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Presets == nil {
		deps.Presets, _ = preset.New(nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2500 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.DefaultShots <= 0 {
		opts.DefaultShots = 4
	}
	if opts.MaxShots <= 0 {
		opts.MaxShots = 8
	}
	return &Orchestrator{
		store:      deps.Store,
		ledger:     deps.Ledger,
		generator:  deps.Generator,
		assets:     deps.Assets,
		composer:   deps.Composer,
		dispatcher: deps.Dispatcher,
		cache:      deps.Cache,
		presets:    deps.Presets,
		logger:     deps.Logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		opts:       opts,
		now:        time.Now,
	}
}

// WithClock replaces the time source used for staleness checks.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Status returns the projection of jobID, from the cache when possible.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*domain.Projection, error) {
	if p, err := o.cache.Get(ctx, jobID); err != nil {
		o.logger.Warn("Status cache read failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	} else if p != nil {
		return p, nil
	}

	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, storeError(err)
	}
	p := job.Project()
	o.putCache(ctx, p)
	return &p, nil
}

// Job returns the full record of jobID.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, storeError(err)
	}
	return job, nil
}

// List returns one page of jobs matching filter.
func (o *Orchestrator) List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	jobs, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, domain.WrapError(domain.CodeDBError, err, "list jobs")
	}
	return jobs, nil
}

// Balance returns the credit balance of userID.
func (o *Orchestrator) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := o.ledger.Balance(ctx, userID)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeInternal {
			return 0, domain.WrapError(domain.CodeDBError, err, "read balance")
		}
		return 0, err
	}
	return balance, nil
}

func (o *Orchestrator) putCache(ctx context.Context, p domain.Projection) {
	if err := o.cache.Put(ctx, p); err != nil {
		o.logger.Warn("Status cache write failed",
			slog.String("job_id", p.ID),
			slog.Any("error", err),
		)
	}
}

// refresh re-reads jobID and caches its projection.
func (o *Orchestrator) refresh(ctx context.Context, jobID string) {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		o.logger.Warn("Failed to reload job for cache",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	o.putCache(ctx, job.Project())
}

func storeError(err error) error {
	if errors.Is(err, domain.ErrJobNotFound) {
		return domain.WrapError(domain.CodeNotFound, err, "")
	}
	return domain.WrapError(domain.CodeDBError, err, "")
}
