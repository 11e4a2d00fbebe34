// Package main implements genctl, the operator CLI for the restyle pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cuongbtq/restyle-pipeline/internal/app"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "genctl",
	Short:         "Operate the restyle pipeline",
	Long:          "genctl applies the database schema, manages user credits and inspects generation jobs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openRuntime connects to the configured database. The memory driver is
// rejected since its state lives only inside a running service.
func openRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == config.DriverMemory {
		return nil, fmt.Errorf("genctl needs a %q database, config uses %q", config.DriverPostgres, config.DriverMemory)
	}

	// Keep stdout for command output.
	cfg.Logging.Output = "stderr"
	cfg.Database.ApplicationName = "genctl"
	cfg.Database.ConnectAttempts = 1
	appLogger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	appLogger.Debug("Opening database", slog.String("host", cfg.Database.Host))

	return app.Open(ctx, cfg, appLogger.Logger)
}
