package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/restyle-pipeline/internal/app"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/worker"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := "worker-" + uuid.NewString()[:8]
	appLogger.Info("Starting worker service",
		slog.String("worker_id", workerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	appLogger.Info("Database connection established")

	rabbitClient, err := rt.ConnectRabbitMQ()
	if err != nil {
		return err
	}
	appLogger.Info("RabbitMQ connection established")

	orch, err := rt.Orchestrator(ctx, orchestrator.NewRabbitDispatcher(rabbitClient, appLogger.Logger))
	if err != nil {
		return err
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Logger,
		Processor:       orch,
		Source:          worker.NewRabbitSource(rabbitClient, workerID, cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Logger),
		WorkerID:        workerID,
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	})

	appLogger.Info("Worker service started successfully")
	err = workerInstance.Start(ctx)
	workerInstance.Stop()
	if err != nil {
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
