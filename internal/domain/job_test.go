package domain

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestShotProgress(t *testing.T) {
	tests := []struct {
		i, n int
		want int
	}{
		{0, 4, 20},
		{1, 4, 40},
		{3, 4, 80},
		{0, 3, 27},
		{1, 3, 53},
		{2, 3, 80},
		{0, 1, 80},
		{0, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShotProgress(tt.i, tt.n), "shot %d of %d", tt.i, tt.n)
	}
}

func TestTruncateError(t *testing.T) {
	short := "  provider said no  "
	assert.Equal(t, "provider said no", TruncateError(short))

	long := strings.Repeat("x", MaxErrorLength+20)
	assert.Len(t, TruncateError(long), MaxErrorLength)

	// A multi-byte rune straddling the limit is dropped whole.
	runes := strings.Repeat("a", MaxErrorLength-1) + "é" + "tail"
	got := TruncateError(runes)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, MaxErrorLength-1)
}

func TestJobStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusProcessing, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusProcessing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
}

func TestKind(t *testing.T) {
	assert.True(t, KindStoryMultiShot.Valid())
	assert.False(t, Kind("gif").Valid())
	assert.True(t, KindVideoToVideo.IsVideo())
	assert.False(t, KindSingleImage.IsVideo())
}

func TestJob_Project(t *testing.T) {
	url, code, msg := "https://cdn/x.png", string(CodeTimeout), "too slow"
	job := &Job{
		ID:        "j1",
		RunID:     "r1",
		UserID:    "u1",
		Kind:      KindSingleImage,
		Status:    JobStatusProcessing,
		Progress:  40,
		ResultURL: &url,
		ErrorCode: &code,
		Error:     &msg,
	}

	p := job.Project()
	assert.Empty(t, p.ResultURL)
	assert.Empty(t, p.Error)
	assert.Equal(t, "u1", p.UserID)

	job.Status = JobStatusCompleted
	p = job.Project()
	assert.Equal(t, url, p.ResultURL)
	assert.Empty(t, p.ErrorCode)

	job.Status = JobStatusFailed
	p = job.Project()
	assert.Empty(t, p.ResultURL)
	assert.Equal(t, code, p.ErrorCode)
	assert.Equal(t, msg, p.Error)
}

func TestLedgerRequestID(t *testing.T) {
	assert.Equal(t, "run", LedgerRequestID("run", 1))
	assert.Equal(t, "run", LedgerRequestID("run", 0))
	assert.Equal(t, "run#3", LedgerRequestID("run", 3))
}

func TestJob_IsStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{Status: JobStatusProcessing, UpdatedAt: now.Add(-3 * time.Minute)}

	assert.True(t, job.IsStale(now, 2*time.Minute))
	assert.False(t, job.IsStale(now, 5*time.Minute))

	job.Status = JobStatusFailed
	assert.False(t, job.IsStale(now, time.Second))
}

func TestParams_ValueScan(t *testing.T) {
	in := Params{Shots: 3, Width: 768, Strength: 0.5}
	v, err := in.Value()
	assert.NoError(t, err)

	var out Params
	assert.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	assert.Error(t, out.Scan(42))
}
