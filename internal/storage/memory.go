package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
)

// MemoryJobStore keeps jobs in process. It honors the same transition rules
// as the Postgres store and hands out copies so callers cannot mutate state.
type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	byRun map[string]string
	now   func() time.Time
}

// NewMemoryJobStore creates an empty store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:  make(map[string]*domain.Job),
		byRun: make(map[string]string),
		now:   time.Now,
	}
}

// WithClock replaces the time source, used to age records in tests.
func (s *MemoryJobStore) WithClock(now func() time.Time) *MemoryJobStore {
	s.now = now
	return s
}

func (s *MemoryJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byRun[job.RunID]; taken {
		return domain.ErrDuplicateRunID
	}
	now := s.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := cloneJob(job)
	s.jobs[job.ID] = stored
	s.byRun[job.RunID] = job.ID
	return nil
}

func (s *MemoryJobStore) GetByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) GetByRunID(_ context.Context, runID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRun[runID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	delete(s.byRun, job.RunID)
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) Supersede(_ context.Context, oldID string, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.jobs[oldID]
	if !ok || old.RunID != job.RunID {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, oldID)

	now := s.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = cloneJob(job)
	s.byRun[job.RunID] = job.ID
	return nil
}

func (s *MemoryJobStore) Claim(_ context.Context, id, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobStatusQueued {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.JobStatusProcessing
	job.WorkerID = &workerID
	job.UpdatedAt = s.now().UTC()
	return cloneJob(job), nil
}

func (s *MemoryJobStore) UpdateProgress(_ context.Context, id string, progress int) error {
	return s.mutateProcessing(id, func(job *domain.Job) {
		if p := clampProgress(progress); p > job.Progress {
			job.Progress = p
		}
	})
}

func (s *MemoryJobStore) SetProviderHandle(_ context.Context, id string, h HandleUpdate) error {
	return s.mutateProcessing(id, func(job *domain.Job) {
		job.ProviderJobID = nil
		if h.ProviderJobID != "" {
			pid := h.ProviderJobID
			job.ProviderJobID = &pid
		}
		strategy := h.Strategy
		job.Strategy = &strategy
		job.StrategyParams = append([]byte(nil), h.StrategyParams...)
	})
}

func (s *MemoryJobStore) Complete(_ context.Context, id, resultURL string) error {
	return s.mutateProcessing(id, func(job *domain.Job) {
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.ResultURL = &resultURL
	})
}

func (s *MemoryJobStore) Fail(_ context.Context, id string, code domain.Code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !job.Status.CanTransitionTo(domain.JobStatusFailed) {
		return domain.ErrInvalidTransition
	}
	c := string(code)
	msg := domain.TruncateError(message)
	job.Status = domain.JobStatusFailed
	job.ErrorCode = &c
	job.Error = &msg
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryJobStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok && job.Status == domain.JobStatusProcessing {
		job.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *MemoryJobStore) List(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Kind != "" && string(job.Kind) != filter.Kind {
			continue
		}
		if filter.Status != "" && string(job.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil && !before(job, c) {
			continue
		}
		out = append(out, *cloneJob(job))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit := filter.PageSize + 1; filter.PageSize > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) mutateProcessing(id string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	fn(job)
	job.UpdatedAt = s.now().UTC()
	return nil
}

// before reports whether job sorts after the cursor in (created_at, id) DESC order.
func before(job *domain.Job, c *JobCursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.ProviderJobID = cloneString(j.ProviderJobID)
	c.Strategy = cloneString(j.Strategy)
	c.ResultURL = cloneString(j.ResultURL)
	c.ErrorCode = cloneString(j.ErrorCode)
	c.Error = cloneString(j.Error)
	c.WorkerID = cloneString(j.WorkerID)
	if j.StrategyParams != nil {
		c.StrategyParams = append([]byte(nil), j.StrategyParams...)
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
