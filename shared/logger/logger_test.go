package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		wantMsgs []string
	}{
		{"debug", []string{"claim", "dispatched", "poll failed", "job failed"}},
		{"info", []string{"dispatched", "poll failed", "job failed"}},
		{"warn", []string{"poll failed", "job failed"}},
		{"error", []string{"job failed"}},
		{"", []string{"dispatched", "poll failed", "job failed"}},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			output := &bytes.Buffer{}
			log, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			log.Debug("claim")
			log.Info("dispatched")
			log.Warn("poll failed")
			log.Error("job failed")

			var got []string
			for _, entry := range decodeLines(t, output) {
				got = append(got, entry["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, got)
		})
	}
}

func TestNew_JSONRecord(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{
		Level:        "info",
		Format:       "json",
		EnableSource: true,
		Service:      "restyle-worker-service",
		Version:      "1.0.0",
		Environment:  "test",
		writer:       output,
	})
	require.NoError(t, err)

	log.Info("Job completed",
		slog.String("job_id", "j-1"),
		slog.Int("progress", 100),
	)

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	entry := entries[0]

	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "Job completed", entry["msg"])
	assert.Equal(t, "j-1", entry["job_id"])
	assert.Equal(t, float64(100), entry["progress"])
	assert.Equal(t, "restyle-worker-service", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "test", entry["env"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "source")
}

func TestNew_RedactsSensitiveAttributes(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Format: "json", writer: output})
	require.NoError(t, err)

	log.Info("Issued token",
		slog.String("user_id", "u-1"),
		slog.String("token", "eyJhbGciOi"),
		slog.String("Authorization", "Bearer abc"),
		slog.String("db_password", "hunter2"),
		slog.Group("provider", slog.String("api_key", "sk-123"), slog.String("name", "gemini")),
	)

	entry := decodeLines(t, output)[0]
	assert.Equal(t, "u-1", entry["user_id"])
	assert.Equal(t, Redacted, entry["token"])
	assert.Equal(t, Redacted, entry["Authorization"])
	assert.Equal(t, Redacted, entry["db_password"])

	provider := entry["provider"].(map[string]any)
	assert.Equal(t, Redacted, provider["api_key"])
	assert.Equal(t, "gemini", provider["name"])
	assert.NotContains(t, output.String(), "hunter2")
}

func TestNew_Console(t *testing.T) {
	output := &bytes.Buffer{}
	log, err := New(&Config{Level: "info", Format: "console", writer: output})
	require.NoError(t, err)

	log.Info("Worker started", slog.String("worker_id", "worker-1"), slog.String("secret", "s3cr3t"))

	line := output.String()
	assert.Contains(t, line, "INF")
	assert.Contains(t, line, "Worker started")
	assert.Contains(t, line, "worker-1")
	assert.NotContains(t, line, "s3cr3t")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.level))
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("job completed", slog.String("job_id", "j-1"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"j-1"`)
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	log, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
	assert.Nil(t, log)
}

func TestLogger_CloseStdout(t *testing.T) {
	log, err := New(&Config{Output: "stdout"})
	require.NoError(t, err)
	assert.NoError(t, log.Close())
}
