package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/api/handler"
	"github.com/cuongbtq/restyle-pipeline/internal/config"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/cuongbtq/restyle-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type balanceService struct {
	asked string
}

func (s *balanceService) Submit(context.Context, orchestrator.Submission) (*orchestrator.Receipt, error) {
	return nil, errors.New("not used")
}

func (s *balanceService) Status(context.Context, string) (*domain.Projection, error) {
	return nil, domain.NewError(domain.CodeNotFound, "job not found")
}

func (s *balanceService) List(context.Context, storage.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

func (s *balanceService) Balance(_ context.Context, userID string) (int64, error) {
	s.asked = userID
	return 3, nil
}

func testDeps(svc handler.JobService, checks map[string]handler.HealthCheck) *handler.Dependencies {
	gin.SetMode(gin.TestMode)
	return &handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:     svc,
		HealthCheck: checks,
		ServiceName: "restyle-api",
	}
}

func get(r http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{Secret: "s3cret", Issuer: "restyle"})
	require.NotNil(t, auth)

	token, err := auth.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	userID, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	expired, err := auth.IssueToken("u1", -time.Minute)
	require.NoError(t, err)
	_, err = auth.Verify(expired)
	assert.True(t, domain.HasCode(err, domain.CodeTokenExpired))

	other := NewAuthenticator(config.AuthConfig{Secret: "different", Issuer: "restyle"})
	forged, err := other.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	_, err = auth.Verify(forged)
	assert.True(t, domain.HasCode(err, domain.CodeAuthRequired))

	wrongIssuer := NewAuthenticator(config.AuthConfig{Secret: "s3cret", Issuer: "elsewhere"})
	foreign, err := wrongIssuer.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	_, err = auth.Verify(foreign)
	assert.True(t, domain.HasCode(err, domain.CodeAuthRequired))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Verify(unsigned)
	assert.True(t, domain.HasCode(err, domain.CodeAuthRequired))

	assert.Nil(t, NewAuthenticator(config.AuthConfig{}))
}

func TestRouter_Auth(t *testing.T) {
	auth := NewAuthenticator(config.AuthConfig{Secret: "s3cret"})
	svc := &balanceService{}
	r := SetupRouter(testDeps(svc, nil), Options{Auth: auth})

	w := get(r, "/api/v1/credits/balance", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(domain.CodeAuthRequired))

	expired, err := auth.IssueToken("u1", -time.Minute)
	require.NoError(t, err)
	w = get(r, "/api/v1/credits/balance", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(domain.CodeTokenExpired))

	token, err := auth.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	w = get(r, "/api/v1/credits/balance?user_id=someone-else", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", svc.asked)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_NoAuth(t *testing.T) {
	svc := &balanceService{}
	r := SetupRouter(testDeps(svc, nil), Options{})

	w := get(r, "/api/v1/credits/balance?user_id=u9", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u9", svc.asked)

	w = get(r, "/api/v1/status?jobId=0b6e4a52-8a39-4a8b-9b4e-2f0b1f3c9d11", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Health(t *testing.T) {
	healthy := SetupRouter(testDeps(&balanceService{}, map[string]handler.HealthCheck{
		"db": func(context.Context) error { return nil },
	}), Options{})
	w := get(healthy, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"db":"ok"`)

	broken := SetupRouter(testDeps(&balanceService{}, map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}), Options{})
	w = get(broken, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	r := SetupRouter(testDeps(&balanceService{}, nil), Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://studio.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	restricted := SetupRouter(testDeps(&balanceService{}, nil), Options{AllowedOrigins: []string{"http://studio.example"}})
	req = httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://elsewhere.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	restricted.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
