package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/api/dto"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitJob handles POST /api/v1/jobs
// New jobs answer 202, replays of an existing run answer 200.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		RespondError(c, domain.NewError(domain.CodeValidationFailed, "invalid request body"))
		return
	}

	userID := req.UserID
	if caller := callerID(c); caller != "" {
		userID = caller
	}

	receipt, err := h.service.Submit(c.Request.Context(), orchestrator.Submission{
		RunID:          req.RunID,
		UserID:         userID,
		SourceURL:      req.SourceURL,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		PresetKey:      req.PresetKey,
		Kind:           domain.Kind(req.Kind),
		Params:         req.Params,
	})
	if err != nil {
		h.fail(c, "submit", err)
		return
	}

	status := http.StatusAccepted
	if receipt.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, receipt)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	h.status(c, c.Param("job_id"))
}

// GetStatus handles GET /api/v1/status?jobId=...
func (h *JobHandler) GetStatus(c *gin.Context) {
	h.status(c, c.Query("jobId"))
}

func (h *JobHandler) status(c *gin.Context, jobID string) {
	if jobID == "" {
		RespondError(c, domain.NewError(domain.CodeValidationFailed, "job id is required"))
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		RespondError(c, domain.NewError(domain.CodeValidationFailed, "job id must be a valid UUID"))
		return
	}

	projection, err := h.service.Status(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, "status", err)
		return
	}

	// Another user's job is indistinguishable from a missing one.
	if caller := callerID(c); caller != "" && projection.UserID != caller {
		RespondError(c, domain.NewError(domain.CodeNotFound, "job %s not found", jobID))
		return
	}

	c.JSON(http.StatusOK, projection)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		RespondError(c, domain.NewError(domain.CodeValidationFailed, "invalid query parameters"))
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}
	if caller := callerID(c); caller != "" {
		req.UserID = caller
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		RespondError(c, domain.NewError(domain.CodeValidationFailed, "invalid cursor"))
		return
	}

	// The store returns one row past the page when another page exists.
	jobs, err := h.service.List(c.Request.Context(), storage.JobFilter{
		UserID:   req.UserID,
		Kind:     req.Kind,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.fail(c, "list", err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(jobs))}
	if len(jobs) > req.PageSize {
		jobs = jobs[:req.PageSize]
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobDTO(&jobs[i]))
	}

	c.JSON(http.StatusOK, resp)
}

// GetBalance handles GET /api/v1/credits/balance
func (h *JobHandler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if caller := callerID(c); caller != "" {
		userID = caller
	}
	if userID == "" {
		RespondError(c, domain.NewError(domain.CodeValidationFailed, "user_id is required"))
		return
	}

	balance, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "balance", err)
		return
	}
	c.JSON(http.StatusOK, dto.BalanceResponse{UserID: userID, Balance: balance})
}

// Health handles GET /health. Each configured dependency is probed with a short deadline.
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps.HealthCheck))
		healthy := true
		for name, check := range deps.HealthCheck {
			if err := check(ctx); err != nil {
				deps.Logger.Warn("Health check failed", slog.String("dependency", name), slog.Any("error", err))
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": deps.ServiceName,
			"checks":  checks,
		})
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:     job.ID,
		RunID:     job.RunID,
		Attempt:   job.Attempt,
		UserID:    job.UserID,
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		Progress:  job.Progress,
		Cost:      job.Cost,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Strategy != nil {
		out.Strategy = *job.Strategy
	}
	if job.Status == domain.JobStatusCompleted && job.ResultURL != nil {
		out.ResultURL = *job.ResultURL
	}
	if job.Status == domain.JobStatusFailed {
		if job.ErrorCode != nil {
			out.ErrorCode = *job.ErrorCode
		}
		if job.Error != nil {
			out.Error = *job.Error
		}
	}
	return out
}
