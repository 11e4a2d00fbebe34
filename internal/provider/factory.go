package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restyle-pipeline/internal/config"
)

// Build assembles the chain from configuration. Tiers whose credentials are
// missing are skipped with a warning; an empty chain is an error.
// The returned close function releases vendor clients.
func Build(ctx context.Context, cfg config.ProvidersConfig, load SourceLoader, logger *slog.Logger) (*Chain, func() error, error) {
	var (
		strategies []Strategy
		closers    []func() error
	)

	for _, sc := range cfg.Strategies {
		params := Params{
			Model:         sc.Model,
			GuidanceScale: sc.GuidanceScale,
			Steps:         sc.Steps,
			Strength:      sc.Strength,
		}

		var vendor Vendor
		switch sc.Vendor {
		case config.VendorHTTP:
			if sc.APIKey() == "" {
				logger.Warn("Skipping provider strategy without API key",
					slog.String("strategy", sc.Name),
					slog.String("key_env", sc.APIKeyEnv),
				)
				continue
			}
			vendor = NewHTTPVendor(HTTPOptions{
				Name:    sc.Name,
				BaseURL: sc.BaseURL,
				APIKey:  sc.APIKey(),
				Timeout: sc.Timeout,
			})
		case config.VendorGemini:
			g, err := NewGeminiVendor(ctx, sc.Name, sc.APIKey(), load)
			if err != nil {
				logger.Warn("Skipping Gemini provider strategy",
					slog.String("strategy", sc.Name),
					slog.Any("error", err),
				)
				continue
			}
			closers = append(closers, g.Close)
			vendor = g
		case config.VendorSynthetic:
			vendor = NewSyntheticVendor(sc.Name, sc.SimulatedPolls)
		default:
			return nil, nil, fmt.Errorf("provider strategy %q: unknown vendor %q", sc.Name, sc.Vendor)
		}

		strategies = append(strategies, Strategy{Name: sc.Name, Params: params, Vendor: vendor})
		logger.Info("Provider strategy registered",
			slog.String("strategy", sc.Name),
			slog.String("vendor", sc.Vendor),
			slog.String("model", sc.Model),
		)
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	if len(strategies) == 0 {
		_ = closeAll()
		return nil, nil, errors.New("no usable provider strategy configured")
	}

	return NewChain(strategies, logger), closeAll, nil
}
