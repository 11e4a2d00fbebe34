package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/api/handler"
	"github.com/cuongbtq/restyle-pipeline/internal/api/router"
	"github.com/cuongbtq/restyle-pipeline/internal/app"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// inlineRetryDelay spaces redeliveries of transiently failed inline jobs.
const inlineRetryDelay = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("dispatch", cfg.Worker.Dispatch),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var (
		dispatcher orchestrator.Dispatcher
		queue      *orchestrator.InlineDispatcher
	)
	switch cfg.Worker.Dispatch {
	case config.DispatchRabbitMQ:
		rabbitClient, err := rt.ConnectRabbitMQ()
		if err != nil {
			return err
		}
		appLogger.Info("RabbitMQ connection established")
		dispatcher = orchestrator.NewRabbitDispatcher(rabbitClient, appLogger.Logger)
	default:
		queue = orchestrator.NewInlineDispatcher(cfg.Worker.QueueSize).WithEnqueueTimeout(cfg.Worker.EnqueueTimeout)
		dispatcher = queue
	}

	orch, err := rt.Orchestrator(ctx, dispatcher)
	if err != nil {
		return err
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Service:     orch,
		HealthCheck: rt.HealthChecks(),
		ServiceName: "restyle-api-service",
	}
	r := router.SetupRouter(deps, router.Options{
		Auth:           router.NewAuthenticator(cfg.Auth),
		AssetsDir:      rt.Assets.BasePath(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	var pool *worker.Worker
	if queue != nil {
		pool = worker.NewWorker(&worker.Config{
			Logger:          appLogger.Logger,
			Processor:       orch,
			Source:          worker.NewInlineSource(queue, inlineRetryDelay, appLogger.Logger),
			WorkerID:        "api-inline",
			Concurrency:     cfg.Worker.Concurrency,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		})
		g.Go(func() error {
			return pool.Start(gctx)
		})
	}

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			return err
		}
		return nil
	})

	err = g.Wait()
	if pool != nil {
		pool.Stop()
	}
	if err != nil {
		return err
	}

	appLogger.Info("API service shutdown complete")
	return nil
}
