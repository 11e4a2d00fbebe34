package dto

import "github.com/cuongbtq/restyle-pipeline/internal/domain"

type SubmitJobRequest struct {
	RunID          string        `json:"run_id"`
	UserID         string        `json:"user_id"`
	SourceURL      string        `json:"source_url"`
	Prompt         string        `json:"prompt"`
	NegativePrompt string        `json:"negative_prompt"`
	PresetKey      string        `json:"preset_key"`
	Kind           string        `json:"kind"`
	Params         domain.Params `json:"params"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID     string `json:"job_id"`
	RunID     string `json:"run_id"`
	Attempt   int    `json:"attempt"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Cost      int64  `json:"cost"`
	Strategy  string `json:"strategy,omitempty"`
	ResultURL string `json:"result_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
