package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	return entry
}

func newBuffered(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg.Output = &buf
	log, err := New(cfg)
	require.NoError(t, err)
	return log, &buf
}

func TestLoggerOutput(t *testing.T) {
	log, buf := newBuffered(t, Config{Level: "debug", Format: "json", Service: "renderexport"})

	log.Info("export started", "format", "video")

	entry := decode(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "export started", entry["msg"])
	assert.Equal(t, "video", entry["format"])
	assert.Equal(t, "renderexport", entry["service"])
	assert.NotContains(t, entry, "source")
}

func TestLoggerLevels(t *testing.T) {
	log, buf := newBuffered(t, Config{Level: "WARN"})

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_RejectsBadSettings(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)

	_, err = New(Config{File: filepath.Join(t.TempDir(), "missing", "out.log")})
	assert.Error(t, err)
}

func TestNew_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renderexport.log")
	require.NoError(t, os.WriteFile(path, []byte("earlier\n"), 0o644))

	var buf bytes.Buffer
	log, err := New(Config{Output: &buf, File: path})
	require.NoError(t, err)

	log.WithComponent("api").Info("server starting")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "file is appended to")
	assert.Equal(t, "earlier", lines[0])
	assert.Equal(t, strings.TrimSpace(buf.String()), lines[1])
	assert.Equal(t, "api", decode(t, lines[1])["component"])
}

func TestFromContext(t *testing.T) {
	log, buf := newBuffered(t, Config{})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithJobID(ctx, "job-1")
	log.FromContext(ctx).Info("hello")

	entry := decode(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}

func TestLogError(t *testing.T) {
	log, buf := newBuffered(t, Config{Source: true})

	log.LogError(context.Background(), "capture failed", nil)
	assert.Empty(t, buf.String())

	ctx := ContextWithJobID(context.Background(), "job-9")
	log.LogError(ctx, "capture failed", errors.New("boom"), "code", "CAPTURE")
	entry := decode(t, strings.TrimSpace(buf.String()))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "CAPTURE", entry["code"])
	assert.Equal(t, "job-9", entry["job_id"])

	source, ok := entry["source"].(map[string]any)
	require.True(t, ok, "source group expected, got %v", entry["source"])
	assert.Equal(t, "logger_test.go", filepath.Base(source["file"].(string)))
}

func TestTextFormat(t *testing.T) {
	log, buf := newBuffered(t, Config{Format: "text"})
	log.WithComponent("registry").Info("ready")
	assert.Contains(t, buf.String(), "component=registry")
}
