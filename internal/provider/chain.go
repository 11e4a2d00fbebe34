package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
)

// Attempt records one failed tier.
type Attempt struct {
	Strategy string
	Err      error
}

// ProviderError aggregates the failures of every tier. It names the last one.
type ProviderError struct {
	Attempts []Attempt
}

func (e *ProviderError) Error() string {
	if len(e.Attempts) == 0 {
		return "no provider strategy configured"
	}
	last := e.Attempts[len(e.Attempts)-1]
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Strategy
	}
	return fmt.Sprintf("all provider strategies failed (%s); last %s: %v",
		strings.Join(names, ", "), last.Strategy, last.Err)
}

// Unwrap exposes the last failure
func (e *ProviderError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Outcome is the winning tier and what it returned.
type Outcome struct {
	Strategy string
	Params   Params
	Result   *Result
}

// Chain tries strategies in order and keeps the first that returns a usable
// result. Only a hard error moves on to the next tier.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain creates a chain over strategies in priority order
func NewChain(strategies []Strategy, logger *slog.Logger) *Chain {
	return &Chain{strategies: strategies, logger: logger}
}

// Strategies lists tier names in order
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Generate runs the first-success combinator. override tweaks the params of
// every tier with values supplied on the submission.
func (c *Chain) Generate(ctx context.Context, req Request, override func(Params) Params) (*Outcome, error) {
	agg := &ProviderError{}

	for _, s := range c.strategies {
		params := s.Params
		if override != nil {
			params = override(params)
		}

		res, err := s.Vendor.Generate(ctx, req, params)
		if err == nil && !usable(res) {
			err = errors.New("vendor returned neither an asset nor a job handle")
		}
		if err == nil {
			c.logger.Info("Provider strategy accepted request",
				slog.String("job_id", req.JobID),
				slog.String("strategy", s.Name),
				slog.String("vendor", s.Vendor.Name()),
				slog.Bool("async", res.IsAsync()),
			)
			return &Outcome{Strategy: s.Name, Params: params, Result: res}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		c.logger.Warn("Provider strategy failed, falling back",
			slog.String("job_id", req.JobID),
			slog.String("strategy", s.Name),
			slog.Any("error", err),
		)
		agg.Attempts = append(agg.Attempts, Attempt{Strategy: s.Name, Err: err})
	}

	return nil, domain.WrapError(domain.CodeProviderError, agg, "")
}

// Poll asks the vendor behind strategy for the state of providerJobID.
func (c *Chain) Poll(ctx context.Context, strategy, providerJobID string) (*Status, error) {
	for _, s := range c.strategies {
		if s.Name == strategy {
			return s.Vendor.Poll(ctx, providerJobID)
		}
	}
	return nil, fmt.Errorf("unknown provider strategy %q", strategy)
}

func usable(r *Result) bool {
	return r != nil && (r.ResultURL != "" || len(r.Data) > 0 || r.ProviderJobID != "")
}
