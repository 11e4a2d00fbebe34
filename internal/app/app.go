// Package app wires configuration into the concrete backends shared by the
// api-service, the worker-service and genctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/api/handler"
	"github.com/cuongbtq/restyle-pipeline/internal/assets"
	"github.com/cuongbtq/restyle-pipeline/internal/cache"
	"github.com/cuongbtq/restyle-pipeline/internal/compositor"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/cuongbtq/restyle-pipeline/internal/credit"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/preset"
	"github.com/cuongbtq/restyle-pipeline/internal/provider"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
	"github.com/cuongbtq/restyle-pipeline/shared/logger"
	"github.com/cuongbtq/restyle-pipeline/shared/postgresql"
	"github.com/cuongbtq/restyle-pipeline/shared/rabbitmq"
	"github.com/redis/go-redis/v9"
)

// Store is the job store surface used by the binaries.
type Store interface {
	orchestrator.JobStore
	Delete(ctx context.Context, id string) error
}

// Ledger is the credit ledger surface used by the binaries.
type Ledger interface {
	orchestrator.Ledger
	Grant(ctx context.Context, userID, requestID string, amount int64, reason string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

// Runtime holds the opened backends. Close releases them in reverse order.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *postgresql.Client
	Rabbit *rabbitmq.Client
	Redis  *redis.Client
	Store  Store
	Ledger Ledger
	Assets *assets.FileStore

	closers []func() error
}

// NewLogger builds the application logger, tagging records with the app identity
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
		Version:      cfg.App.Version,
		Environment:  cfg.App.Environment,
	})
}

// Open connects the job store and the credit ledger.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: log}
	policy := credit.Policy{
		Costs:        cfg.Credits.Costs,
		DailyCap:     cfg.Credits.DailyCap,
		StarterGrant: cfg.Credits.StarterGrant,
	}

	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("Using in-memory job store and ledger; state is lost on exit")
		rt.Store = storage.NewMemoryJobStore()
		rt.Ledger = credit.NewMemoryLedger(policy)
		return rt, nil
	}

	db, err := initPostgreSQL(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	rt.DB = db
	rt.closers = append(rt.closers, db.Close)

	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(ctx, db); err != nil {
			rt.Close()
			return nil, err
		}
		log.Info("Database schema applied")
	}

	rt.Store = storage.NewPostgresJobStore(db, log)
	rt.Ledger = credit.NewPostgresLedger(db, policy, log)
	return rt, nil
}

// ConnectRabbitMQ opens the dispatch queue connection.
func (rt *Runtime) ConnectRabbitMQ() (*rabbitmq.Client, error) {
	if rt.Rabbit != nil {
		return rt.Rabbit, nil
	}
	client, err := initRabbitMQ(&rt.Config.RabbitMQ, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	rt.Rabbit = client
	rt.closers = append(rt.closers, client.Close)
	return client, nil
}

// Orchestrator assembles the job orchestrator on top of the opened stores.
// Provider clients and the status cache are released by Close.
func (rt *Runtime) Orchestrator(ctx context.Context, dispatcher orchestrator.Dispatcher) (*orchestrator.Orchestrator, error) {
	cfg := rt.Config

	fetcher := assets.NewFetcher(cfg.Assets.DownloadTimeout, cfg.Assets.MaxDownloadBytes)
	fileStore, err := assets.NewFileStore(cfg.Assets.BasePath, cfg.Assets.PublicBaseURL, fetcher)
	if err != nil {
		return nil, err
	}
	rt.Assets = fileStore

	chain, closeChain, err := provider.Build(ctx, cfg.Providers, fetcher.Fetch, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider chain: %w", err)
	}
	rt.closers = append(rt.closers, closeChain)
	rt.Logger.Info("Provider chain ready", slog.Any("strategies", chain.Strategies()))

	catalog, err := preset.Load(cfg.Presets.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load presets: %w", err)
	}

	statusCache := cache.StatusCache(cache.Nop{})
	if cfg.Redis.Enabled() {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rt.Redis.Close)
		statusCache = cache.NewRedisStatusCache(rt.Redis, cfg.Redis.TTL)
	}

	comp := compositor.New(compositor.Options{
		FFmpegPath:         cfg.Compositor.FFmpegPath,
		TempRoot:           cfg.Compositor.TempRoot,
		ShotDuration:       cfg.Compositor.ShotDuration,
		TransitionDuration: cfg.Compositor.TransitionDuration,
		ZoomPerFrame:       cfg.Compositor.ZoomPerFrame,
		MaxZoom:            cfg.Compositor.MaxZoom,
		CRF:                cfg.Compositor.CRF,
		Preset:             cfg.Compositor.Preset,
	}, compositor.NewExecRunner(rt.Logger), fetcher, rt.Logger)

	return orchestrator.New(orchestrator.Deps{
		Store:      rt.Store,
		Ledger:     rt.Ledger,
		Generator:  chain,
		Assets:     fileStore,
		Composer:   comp,
		Dispatcher: dispatcher,
		Cache:      statusCache,
		Presets:    catalog,
		Logger:     rt.Logger,
	}, orchestrator.OptionsFromConfig(cfg)), nil
}

// HealthChecks probes every opened backend.
func (rt *Runtime) HealthChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)
	if rt.DB != nil {
		checks["database"] = rt.DB.HealthCheck
	}
	if rt.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rt.Redis.Ping(ctx).Err()
		}
	}
	if rt.Rabbit != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !rt.Rabbit.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}

// Close releases every opened backend.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: cfg.ApplicationName,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterQueue:    cfg.Queue.DeadLetter,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		ConfirmTimeout:     cfg.Publish.ConfirmTimeout,
	}, logger)
}
