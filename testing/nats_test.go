package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartEmbeddedNATS(t *testing.T) {
	ns, nc := StartEmbeddedNATS(t)

	require.NotNil(t, ns)
	require.NotNil(t, nc)
	require.True(t, nc.IsConnected())
	require.True(t, ns.ReadyForConnections(1*time.Second))
}

func TestStartEmbeddedNATS_ParallelTests(t *testing.T) {
	t.Parallel()

	for range 3 {
		t.Run("parallel", func(t *testing.T) {
			t.Parallel()

			_, nc := StartEmbeddedNATS(t)
			require.True(t, nc.IsConnected())
		})
	}
}

func TestCreateJetStreamKV(t *testing.T) {
	_, nc := StartEmbeddedNATS(t)

	kv := CreateJetStreamKV(t, nc, "chat-test")
	require.Equal(t, "chat-test", kv.Bucket())

	rev, err := kv.Put(t.Context(), "op.a", []byte("v"))
	require.NoError(t, err)
	require.Positive(t, rev)

	entry, err := kv.Get(t.Context(), "op.a")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), entry.Value())
}

func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger(t)
	logger.Debug("debug", "k", 1)
	logger.Info("info")
	logger.Warn("warn", "k", "v")
	logger.Error("error")
}
