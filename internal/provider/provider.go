// Package provider normalizes external generation vendors behind one contract
// and chains them into a first-success fallback.
package provider

import (
	"context"
	"encoding/json"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
)

// State is the normalized state of an asynchronous generation.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Request describes one generation call. Story jobs issue one request per shot.
type Request struct {
	JobID          string
	Kind           domain.Kind
	SourceURL      string
	Prompt         string
	NegativePrompt string
	ShotIndex      int
	ShotCount      int
	Width          int
	Height         int
	FPS            int
}

// Params are the per-strategy tuning knobs recorded on the job.
type Params struct {
	Model         string  `json:"model,omitempty"`
	GuidanceScale float64 `json:"guidance_scale,omitempty"`
	Steps         int     `json:"steps,omitempty"`
	Strength      float64 `json:"strength,omitempty"`
}

// Merge overlays non-zero request overrides on top of p.
func (p Params) Merge(guidance float64, steps int, strength float64) Params {
	if guidance > 0 {
		p.GuidanceScale = guidance
	}
	if steps > 0 {
		p.Steps = steps
	}
	if strength > 0 {
		p.Strength = strength
	}
	return p
}

// JSON encodes p for persistence.
func (p Params) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}

// Result is what a vendor returns from Generate. Exactly one of ResultURL,
// Data or ProviderJobID is set.
type Result struct {
	ResultURL     string
	Data          []byte
	MIME          string
	ProviderJobID string
}

// IsAsync reports whether the result must be polled.
func (r *Result) IsAsync() bool {
	return r.ProviderJobID != "" && r.ResultURL == "" && len(r.Data) == 0
}

// Status is the answer of a poll.
type Status struct {
	State     State
	ResultURL string
	Error     string
}

// Vendor is one external generation service.
type Vendor interface {
	Name() string
	Generate(ctx context.Context, req Request, params Params) (*Result, error)
	Poll(ctx context.Context, providerJobID string) (*Status, error)
}

// Strategy is one tier of the fallback chain.
type Strategy struct {
	Name   string
	Params Params
	Vendor Vendor
}
