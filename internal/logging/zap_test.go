package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_WritesStructuredFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZap(zap.New(core).Sugar())

	logger.Debug("reserve", "operator_id", "op-1")
	logger.Info("claimed", "request_id", "req-1", "operator_id", "op-2")
	logger.Warn("slow subscriber", "feed", "pending")
	logger.Error("store failure", "error", "timeout")

	require.Equal(t, 4, logs.Len())

	entries := logs.All()
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, "claimed", entries[1].Message)
	require.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
	require.Equal(t, "op-2", entries[1].ContextMap()["operator_id"])
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestZapLogger_With(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZap(zap.New(core).Sugar()).With("instance", "router-2")

	logger.Info("leader elected")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "router-2", logs.All()[0].ContextMap()["instance"])
}

func TestNewZapFromConfig(t *testing.T) {
	logger, err := NewZapFromConfig("dev", "warn")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewZapFromConfig("prod", "loud")
	require.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	require.NotPanics(t, func() {
		logger.Debug("x", "k", "v")
		logger.Info("x")
		logger.Warn("x")
		logger.Error("x")
		logger.Fatal("x")
	})
}
