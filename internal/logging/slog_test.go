package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlog(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	require.NotNil(t, logger)
	require.NotNil(t, logger.logger)
	require.NotNil(t, NewSlogDefault().logger)
}

func TestSlogLogger_Levels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("debug message", "operator_id", "op-1")
	logger.Info("claim committed", "request_id", "req-1")
	logger.Warn("cas retry", "bucket", "operators")
	logger.Error("store failure", "error", "timeout")

	output := buf.String()
	assert.Contains(t, output, "level=DEBUG")
	assert.Contains(t, output, "operator_id=op-1")
	assert.Contains(t, output, "level=INFO")
	assert.Contains(t, output, "request_id=req-1")
	assert.Contains(t, output, "level=WARN")
	assert.Contains(t, output, "bucket=operators")
	assert.Contains(t, output, "level=ERROR")
	assert.Contains(t, output, "error=timeout")
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	logger.Debug("debug message")
	logger.Info("info message")
	assert.NotContains(t, buf.String(), "debug message")
	assert.NotContains(t, buf.String(), "info message")

	logger.Warn("warn message")
	assert.Contains(t, buf.String(), "warn message")
}

func TestSlogLogger_WithAndJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlogJSON(buf, slog.LevelInfo).With("instance", "router-1")

	logger.Info("engine started", "leader", true)

	output := buf.String()
	assert.Contains(t, output, `"instance":"router-1"`)
	assert.Contains(t, output, `"leader":true`)
	assert.Contains(t, output, `"msg":"engine started"`)
}
