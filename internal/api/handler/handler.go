package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the authenticated user.
const UserIDKey = "auth.user_id"

// JobService is what the handlers need from the orchestrator.
type JobService interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (*orchestrator.Receipt, error)
	Status(ctx context.Context, jobID string) (*domain.Projection, error)
	List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Service     JobService
	HealthCheck map[string]HealthCheck
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// callerID returns the authenticated user, or "" when auth is disabled.
func callerID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
