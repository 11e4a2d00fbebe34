package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/api/dto"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	submitted  []orchestrator.Submission
	receipt    *orchestrator.Receipt
	submitErr  error
	projection *domain.Projection
	statusErr  error
	jobs       []domain.Job
	filter     storage.JobFilter
	balance    int64
}

func (f *fakeService) Submit(_ context.Context, sub orchestrator.Submission) (*orchestrator.Receipt, error) {
	f.submitted = append(f.submitted, sub)
	return f.receipt, f.submitErr
}

func (f *fakeService) Status(context.Context, string) (*domain.Projection, error) {
	return f.projection, f.statusErr
}

func (f *fakeService) List(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	f.filter = filter
	jobs := f.jobs
	if len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (f *fakeService) Balance(context.Context, string) (int64, error) {
	return f.balance, nil
}

func setup(svc *fakeService, caller string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	deps := &Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:     svc,
		ServiceName: "test",
	}
	h := NewJobHandler(deps)
	r := gin.New()
	if caller != "" {
		r.Use(func(c *gin.Context) { c.Set(UserIDKey, caller) })
	}
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:job_id", h.GetJob)
	r.GET("/status", h.GetStatus)
	r.GET("/balance", h.GetBalance)
	return r
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitJob_Statuses(t *testing.T) {
	body := `{"run_id":"r1","user_id":"u1","source_url":"https://x/a.png","prompt":"p","kind":"single-image","params":{"width":512}}`

	t.Run("new job is accepted", func(t *testing.T) {
		svc := &fakeService{receipt: &orchestrator.Receipt{JobID: "j", RunID: "r1", Status: domain.JobStatusQueued}}
		w := do(setup(svc, ""), http.MethodPost, "/jobs", body)
		assert.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, svc.submitted, 1)
		assert.Equal(t, "u1", svc.submitted[0].UserID)
		assert.Equal(t, domain.KindSingleImage, svc.submitted[0].Kind)
		assert.Equal(t, 512, svc.submitted[0].Params.Width)
	})

	t.Run("replay is ok", func(t *testing.T) {
		svc := &fakeService{receipt: &orchestrator.Receipt{JobID: "j", RunID: "r1", Status: domain.JobStatusCompleted, ResultURL: "https://cdn/x.png", Replayed: true}}
		w := do(setup(svc, ""), http.MethodPost, "/jobs", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "https://cdn/x.png")
	})

	t.Run("authenticated caller overrides body user", func(t *testing.T) {
		svc := &fakeService{receipt: &orchestrator.Receipt{JobID: "j"}}
		do(setup(svc, "token-user"), http.MethodPost, "/jobs", body)
		require.Len(t, svc.submitted, 1)
		assert.Equal(t, "token-user", svc.submitted[0].UserID)
	})

	t.Run("malformed body", func(t *testing.T) {
		svc := &fakeService{}
		w := do(setup(svc, ""), http.MethodPost, "/jobs", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, svc.submitted)
	})
}

func TestSubmitJob_ErrorMapping(t *testing.T) {
	tests := []struct {
		code domain.Code
		want int
	}{
		{domain.CodeValidationFailed, http.StatusBadRequest},
		{domain.CodeInsufficientCredits, http.StatusPaymentRequired},
		{domain.CodeDailyCapReached, http.StatusTooManyRequests},
		{domain.CodeDuplicateRun, http.StatusConflict},
		{domain.CodeDBError, http.StatusServiceUnavailable},
		{domain.CodeQueueFull, http.StatusServiceUnavailable},
		{domain.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			svc := &fakeService{submitErr: domain.NewError(tt.code, "nope")}
			w := do(setup(svc, ""), http.MethodPost, "/jobs", `{"kind":"single-image"}`)
			assert.Equal(t, tt.want, w.Code)

			var resp dto.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.code), resp.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	id := uuid.NewString()
	projection := &domain.Projection{ID: id, RunID: "r1", UserID: "u1", Status: domain.JobStatusProcessing, Progress: 40}

	t.Run("by path", func(t *testing.T) {
		w := do(setup(&fakeService{projection: projection}, ""), http.MethodGet, "/jobs/"+id, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"progress":40`)
	})

	t.Run("by query", func(t *testing.T) {
		w := do(setup(&fakeService{projection: projection}, ""), http.MethodGet, "/status?jobId="+id, "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing query", func(t *testing.T) {
		w := do(setup(&fakeService{projection: projection}, ""), http.MethodGet, "/status", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not a uuid", func(t *testing.T) {
		w := do(setup(&fakeService{projection: projection}, ""), http.MethodGet, "/jobs/abc", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		svc := &fakeService{statusErr: domain.NewError(domain.CodeNotFound, "job not found")}
		w := do(setup(svc, ""), http.MethodGet, "/jobs/"+id, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("another user's job", func(t *testing.T) {
		w := do(setup(&fakeService{projection: projection}, "u2"), http.MethodGet, "/jobs/"+id, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListJobs_Pagination(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var jobs []domain.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, domain.Job{
			ID:        fmt.Sprintf("job-%d", i),
			UserID:    "u1",
			Kind:      domain.KindSingleImage,
			Status:    domain.JobStatusQueued,
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
			UpdatedAt: base,
		})
	}
	svc := &fakeService{jobs: jobs}

	w := do(setup(svc, "u1"), http.MethodGet, "/jobs?page_size=2&user_id=other", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, "u1", svc.filter.UserID)
	assert.Equal(t, 2, svc.filter.PageSize)
	require.NotEmpty(t, resp.NextCursor)

	cursor, err := DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "job-1", cursor.JobID)
	assert.True(t, cursor.CreatedAt.Equal(jobs[1].CreatedAt))

	w = do(setup(svc, ""), http.MethodGet, "/jobs?cursor=!!!", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs_PageSizeBounds(t *testing.T) {
	svc := &fakeService{}
	do(setup(svc, ""), http.MethodGet, "/jobs", "")
	assert.Equal(t, defaultPageSize, svc.filter.PageSize)

	do(setup(svc, ""), http.MethodGet, "/jobs?page_size=1000", "")
	assert.Equal(t, maxPageSize, svc.filter.PageSize)
}

func TestGetBalance(t *testing.T) {
	svc := &fakeService{balance: 7}
	w := do(setup(svc, ""), http.MethodGet, "/balance?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"u1","balance":7}`, w.Body.String())

	w = do(setup(svc, ""), http.MethodGet, "/balance", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCursorRoundTrip(t *testing.T) {
	in := &storage.JobCursor{CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 8000, time.UTC), JobID: "abc|def"}
	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in.JobID, out.JobID)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))

	empty, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
