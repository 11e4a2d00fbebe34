package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// SyntheticVendor is a local stand-in for development. It echoes the source
// asset back, either at once or after a number of polls.
type SyntheticVendor struct {
	name        string
	pollsNeeded int

	seq  atomic.Int64
	mu   sync.Mutex
	jobs map[string]*syntheticJob
}

type syntheticJob struct {
	polls int
	url   string
}

// NewSyntheticVendor returns a vendor that completes after pollsNeeded polls.
// Zero makes it synchronous.
func NewSyntheticVendor(name string, pollsNeeded int) *SyntheticVendor {
	return &SyntheticVendor{
		name:        name,
		pollsNeeded: pollsNeeded,
		jobs:        make(map[string]*syntheticJob),
	}
}

func (v *SyntheticVendor) Name() string { return v.name }

func (v *SyntheticVendor) Generate(_ context.Context, req Request, _ Params) (*Result, error) {
	if req.SourceURL == "" {
		return nil, fmt.Errorf("%s: source url is required", v.name)
	}
	if v.pollsNeeded <= 0 {
		return &Result{ResultURL: req.SourceURL}, nil
	}

	id := fmt.Sprintf("%s-%d", v.name, v.seq.Add(1))
	v.mu.Lock()
	v.jobs[id] = &syntheticJob{url: req.SourceURL}
	v.mu.Unlock()
	return &Result{ProviderJobID: id}, nil
}

func (v *SyntheticVendor) Poll(_ context.Context, providerJobID string) (*Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	job, ok := v.jobs[providerJobID]
	if !ok {
		return &Status{State: StateFailed, Error: errNotFound.Error()}, nil
	}
	job.polls++
	if job.polls < v.pollsNeeded {
		return &Status{State: StateRunning}, nil
	}
	delete(v.jobs, providerJobID)
	return &Status{State: StateSucceeded, ResultURL: job.url}, nil
}
