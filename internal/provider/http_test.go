package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPVendor_Generate(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantAsync bool
		wantURL   string
		wantErr   string
	}{
		{
			name:      "async prediction",
			status:    http.StatusCreated,
			body:      `{"id":"pred-1","status":"starting"}`,
			wantAsync: true,
		},
		{
			name:    "already succeeded",
			status:  http.StatusCreated,
			body:    `{"id":"pred-2","status":"succeeded","output":["https://cdn/out.png"]}`,
			wantURL: "https://cdn/out.png",
		},
		{
			name:    "failed on create",
			status:  http.StatusCreated,
			body:    `{"id":"pred-3","status":"failed","error":"NSFW content detected"}`,
			wantErr: "NSFW content detected",
		},
		{
			name:    "http error with detail",
			status:  http.StatusTooManyRequests,
			body:    `{"detail":"rate limited"}`,
			wantErr: "status 429: rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got predictionRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/predictions", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v := NewHTTPVendor(HTTPOptions{Name: "premium", BaseURL: srv.URL + "/", APIKey: "secret"})
			res, err := v.Generate(context.Background(), Request{
				Kind:      domain.KindSingleImage,
				SourceURL: "https://cdn/in.jpg",
				Prompt:    "watercolor",
			}, Params{Model: "stylize-xl", GuidanceScale: 7.5, Steps: 40, Strength: 0.6})

			assert.Equal(t, "stylize-xl", got.Model)
			assert.Equal(t, "https://cdn/in.jpg", got.Input.Image)
			assert.Equal(t, 40, got.Input.NumInferenceSteps)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAsync, res.IsAsync())
			assert.Equal(t, tt.wantURL, res.ResultURL)
		})
	}
}

func TestHTTPVendor_Poll(t *testing.T) {
	responses := map[string]string{
		"running":   `{"id":"a","status":"processing"}`,
		"succeeded": `{"id":"b","status":"succeeded","output":"https://cdn/b.mp4"}`,
		"failed":    `{"id":"c","status":"failed","error":{"message":"model crashed"}}`,
		"canceled":  `{"id":"d","status":"canceled"}`,
		"empty":     `{"id":"e","status":"succeeded","output":null}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/predictions/"):]
		body, ok := responses[id]
		if !ok {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	v := NewHTTPVendor(HTTPOptions{Name: "premium", BaseURL: srv.URL, APIKey: "k"})
	ctx := context.Background()

	st, err := v.Poll(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	st, err = v.Poll(ctx, "succeeded")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, "https://cdn/b.mp4", st.ResultURL)

	st, err = v.Poll(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "model crashed", st.Error)

	st, err = v.Poll(ctx, "canceled")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)

	st, err = v.Poll(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)

	_, err = v.Poll(ctx, "gateway")
	assert.ErrorContains(t, err, "status 502")
}

func TestHTTPVendor_RequiresKey(t *testing.T) {
	v := NewHTTPVendor(HTTPOptions{Name: "premium", BaseURL: "http://unused"})
	_, err := v.Generate(context.Background(), Request{SourceURL: "x"}, Params{})
	assert.ErrorContains(t, err, "api key is required")
}
