package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPVendor speaks a predictions style REST API: POST /predictions creates a
// job, GET /predictions/{id} reports its state.
type HTTPVendor struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HTTPOptions configures an HTTPVendor
type HTTPOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewHTTPVendor creates a vendor with a bounded HTTP client
func NewHTTPVendor(opts HTTPOptions) *HTTPVendor {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPVendor{
		name:       opts.Name,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: client,
	}
}

func (v *HTTPVendor) Name() string { return v.name }

type predictionInput struct {
	Image             string  `json:"image"`
	Prompt            string  `json:"prompt,omitempty"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	PromptStrength    float64 `json:"prompt_strength,omitempty"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	FPS               int     `json:"fps,omitempty"`
	Seed              int     `json:"seed,omitempty"`
	Mode              string  `json:"mode"`
}

type predictionRequest struct {
	Model string          `json:"model,omitempty"`
	Input predictionInput `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

// Generate creates a prediction. A prediction that already succeeded is
// returned as a synchronous result.
func (v *HTTPVendor) Generate(ctx context.Context, req Request, params Params) (*Result, error) {
	if v.apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", v.name)
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, fmt.Errorf("%s: source url is required", v.name)
	}

	payload := predictionRequest{
		Model: params.Model,
		Input: predictionInput{
			Image:             req.SourceURL,
			Prompt:            req.Prompt,
			NegativePrompt:    req.NegativePrompt,
			GuidanceScale:     params.GuidanceScale,
			NumInferenceSteps: params.Steps,
			PromptStrength:    params.Strength,
			Width:             req.Width,
			Height:            req.Height,
			Mode:              string(req.Kind),
		},
	}
	if req.Kind.IsVideo() && req.ShotCount == 0 {
		payload.Input.FPS = req.FPS
	}
	if req.ShotCount > 0 {
		payload.Input.Seed = req.ShotIndex + 1
	}

	var p prediction
	if err := v.do(ctx, http.MethodPost, v.baseURL+"/predictions", payload, &p); err != nil {
		return nil, err
	}

	switch normalizeState(p.Status) {
	case StateFailed:
		return nil, fmt.Errorf("%s: prediction %s failed: %s", v.name, p.ID, errorText(p.Error))
	case StateSucceeded:
		if url := firstOutput(p.Output); url != "" {
			return &Result{ResultURL: url, ProviderJobID: p.ID}, nil
		}
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%s: response carried no prediction id", v.name)
	}
	return &Result{ProviderJobID: p.ID}, nil
}

// Poll fetches the current state of a prediction
func (v *HTTPVendor) Poll(ctx context.Context, providerJobID string) (*Status, error) {
	var p prediction
	if err := v.do(ctx, http.MethodGet, v.baseURL+"/predictions/"+providerJobID, nil, &p); err != nil {
		return nil, err
	}

	status := &Status{State: normalizeState(p.Status)}
	switch status.State {
	case StateSucceeded:
		status.ResultURL = firstOutput(p.Output)
		if status.ResultURL == "" {
			status.State = StateFailed
			status.Error = "prediction succeeded without output"
		}
	case StateFailed:
		status.Error = errorText(p.Error)
	}
	return status, nil
}

func (v *HTTPVendor) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", v.name, err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", v.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", v.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", v.name, err)
	}

	if resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
			return fmt.Errorf("%s: status %d: %s", v.name, resp.StatusCode, detail.Detail)
		}
		return fmt.Errorf("%s: status %d: %s", v.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", v.name, err)
	}
	return nil
}

func normalizeState(s string) State {
	switch strings.ToLower(s) {
	case "succeeded", "success", "completed":
		return StateSucceeded
	case "failed", "canceled", "cancelled", "error":
		return StateFailed
	default:
		return StateRunning
	}
}

// firstOutput accepts either a single URL or a list of URLs.
func firstOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, u := range list {
			if u = strings.TrimSpace(u); u != "" {
				return u
			}
		}
	}
	return ""
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

var errNotFound = errors.New("unknown provider job")
