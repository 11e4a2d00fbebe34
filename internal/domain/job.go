package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo enforces queued -> processing -> {completed, failed}.
// A queued job may also fail directly (dispatch or claim errors).
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Kind discriminates the job variants.
type Kind string

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSingleImage, KindStoryMultiShot, KindVideoToVideo:
		return true
	}
	return false
}

// IsVideo reports whether the final asset of the kind is a video.
func (k Kind) IsVideo() bool {
	return k == KindStoryMultiShot || k == KindVideoToVideo
}

// Params carries the per-submission tuning knobs.
type Params struct {
	Shots         int     `json:"shots,omitempty" validate:"omitempty,min=1"`
	Width         int     `json:"width,omitempty" validate:"omitempty,min=64,max=4096"`
	Height        int     `json:"height,omitempty" validate:"omitempty,min=64,max=4096"`
	FPS           int     `json:"fps,omitempty" validate:"omitempty,min=1,max=60"`
	Strength      float64 `json:"strength,omitempty" validate:"omitempty,gt=0,lte=1"`
	GuidanceScale float64 `json:"guidance_scale,omitempty" validate:"omitempty,gt=0,lte=30"`
	Steps         int     `json:"steps,omitempty" validate:"omitempty,min=1,max=150"`
}

// Value stores params as a JSON document.
func (p Params) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads params from a JSON document.
func (p *Params) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("params: unsupported source type")
	}
}

// Job is the persisted record of one logical generation request.
type Job struct {
	ID             string    `db:"id" json:"id"`
	RunID          string    `db:"run_id" json:"run_id"`
	Attempt        int       `db:"attempt" json:"attempt"`
	UserID         string    `db:"user_id" json:"user_id"`
	Kind           Kind      `db:"kind" json:"kind"`
	SourceURL      string    `db:"source_url" json:"source_url"`
	Prompt         string    `db:"prompt" json:"prompt"`
	NegativePrompt string    `db:"negative_prompt" json:"negative_prompt"`
	PresetKey      string    `db:"preset_key" json:"preset_key"`
	Params         Params    `db:"params" json:"params"`
	Status         JobStatus `db:"status" json:"status"`
	Progress       int       `db:"progress" json:"progress"`
	Cost           int64     `db:"cost" json:"cost"`
	LedgerRequest  string    `db:"ledger_request_id" json:"ledger_request_id"`

	ProviderJobID  *string `db:"provider_job_id" json:"provider_job_id,omitempty"`
	Strategy       *string `db:"strategy" json:"strategy,omitempty"`
	StrategyParams []byte  `db:"strategy_params" json:"-"`

	ResultURL *string `db:"result_url" json:"result_url,omitempty"`
	ErrorCode *string `db:"error_code" json:"error_code,omitempty"`
	Error     *string `db:"error_message" json:"error,omitempty"`

	WorkerID  *string   `db:"worker_id" json:"worker_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LedgerRequestID derives the credit ledger key for an attempt of a run.
// The first attempt uses the run id itself.
func LedgerRequestID(runID string, attempt int) string {
	if attempt <= 1 {
		return runID
	}
	return fmt.Sprintf("%s#%d", runID, attempt)
}

// IsStale reports whether a non-terminal job has not been touched within staleAfter.
func (j *Job) IsStale(now time.Time, staleAfter time.Duration) bool {
	if j.Status.IsTerminal() {
		return false
	}
	return now.Sub(j.UpdatedAt) > staleAfter
}

// Projection is the caller-facing view of a job.
type Projection struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	ResultURL string    `json:"result_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project builds the projection of j.
func (j *Job) Project() Projection {
	p := Projection{
		ID:        j.ID,
		RunID:     j.RunID,
		UserID:    j.UserID,
		Kind:      j.Kind,
		Status:    j.Status,
		Progress:  j.Progress,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Status == JobStatusCompleted && j.ResultURL != nil {
		p.ResultURL = *j.ResultURL
	}
	if j.Status == JobStatusFailed {
		if j.Error != nil {
			p.Error = *j.Error
		}
		if j.ErrorCode != nil {
			p.ErrorCode = *j.ErrorCode
		}
	}
	return p
}

// ShotProgress returns the progress after shot i (0-based) of n completes.
func ShotProgress(i, n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Round(float64(i+1) / float64(n) * StoryShotsProgressShare))
}

// TruncateError bounds msg to MaxErrorLength bytes without splitting a rune.
func TruncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
