package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/types"
)

func TestInstrument_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) types.StateStore {
		t.Helper()
		st := NewMemory()
		t.Cleanup(func() { _ = st.Close() })

		return Instrument(st, metrics.NewPrometheus(prometheus.NewRegistry(), "test"))
	})
}

func TestInstrument_NilMetrics(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	require.Same(t, types.StateStore(st), Instrument(st, nil))
}
