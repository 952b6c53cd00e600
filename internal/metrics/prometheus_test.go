package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_LazyRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheus(reg, "test")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Empty(t, families, "nothing should be registered before first use")
}

func TestPrometheusCollector_RecordsValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordClaim("success", 0.004)
	p.RecordClaim("already_handled", 0.002)
	p.RecordClaim("already_handled", 0.003)
	p.SetPendingRequests(7)
	p.RecordLoadAdjustment(1, "ok")
	p.RecordLeadershipChange(true)
	p.RecordStoreOperation("update", 0.001, true)

	require.InDelta(t, 1, testutil.ToFloat64(p.claims.WithLabelValues("success")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(p.claims.WithLabelValues("already_handled")), 0)
	require.InDelta(t, 7, testutil.ToFloat64(p.pendingRequests), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.loadAdjustments.WithLabelValues("1", "ok")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.isLeader), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.storeFailures.WithLabelValues("update")), 0)

	p.RecordLeadershipChange(false)
	require.InDelta(t, 0, testutil.ToFloat64(p.isLeader), 0)
	require.InDelta(t, 2, testutil.ToFloat64(p.leadershipChanges), 0)
}

func TestPrometheusCollector_DefaultNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")
	p.RecordRequestCreated()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "chatroute_queue_requests_created_total" {
			found = true
		}
	}
	require.True(t, found)
}
