// Package metrics provides MetricsCollector implementations.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/chatroute/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use so that an unused
// collector never touches the registry.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	loadAdjustments    *prometheus.CounterVec
	casRetries         *prometheus.CounterVec
	assignableOps      prometheus.Gauge
	requestsCreated    prometheus.Counter
	pendingRequests    prometheus.Gauge
	requestsResolved   *prometheus.CounterVec
	claims             *prometheus.CounterVec
	claimLatency       prometheus.Histogram
	autoAssigns        *prometheus.CounterVec
	chatsEnded         *prometheus.CounterVec
	snapshotsCoalesced *prometheus.CounterVec
	subscribers        *prometheus.GaugeVec
	storeLatency       *prometheus.HistogramVec
	storeFailures      *prometheus.CounterVec
	heartbeats         *prometheus.CounterVec
	presenceExpired    prometheus.Counter
	isLeader           prometheus.Gauge
	leadershipChanges  prometheus.Counter
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "chatroute" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "chatroute"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.loadAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "load_adjustments_total",
			Help:      "Operator load adjustments by delta and result.",
		}, []string{"delta", "result"})
		p.casRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "cas_retries_total",
			Help:      "Compare-and-swap retries by bucket.",
		}, []string{"bucket"})
		p.assignableOps = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "assignable_operators",
			Help:      "Assignable operators in the most recent registry snapshot.",
		})

		p.requestsCreated = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "queue",
			Name:      "requests_created_total",
			Help:      "Chat requests created.",
		})
		p.pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "queue",
			Name:      "pending_requests",
			Help:      "Waiting requests in the most recent pending snapshot.",
		})
		p.requestsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "queue",
			Name:      "requests_resolved_total",
			Help:      "Requests leaving the waiting state by status and reason.",
		}, []string{"status", "reason"})

		p.claims = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lifecycle",
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"})
		p.claimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "lifecycle",
			Name:      "claim_duration_seconds",
			Help:      "Latency of claim operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		})
		p.autoAssigns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lifecycle",
			Name:      "auto_assigns_total",
			Help:      "Automatic assignment attempts by result.",
		}, []string{"result"})
		p.chatsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "lifecycle",
			Name:      "chats_ended_total",
			Help:      "Completed assignments by ending party.",
		}, []string{"by"})

		p.snapshotsCoalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "fanout",
			Name:      "snapshots_coalesced_total",
			Help:      "Snapshots replaced before a slow subscriber read them.",
		}, []string{"feed"})
		p.subscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "fanout",
			Name:      "subscribers",
			Help:      "Live subscribers by feed.",
		}, []string{"feed"})

		p.storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "State store operation latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"op"})
		p.storeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "operation_failures_total",
			Help:      "State store operations that returned an unexpected error.",
		}, []string{"op"})

		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Presence heartbeat publishes by result.",
		}, []string{"result"})
		p.presenceExpired = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "presence",
			Name:      "expired_total",
			Help:      "Operators marked offline after their heartbeat lapsed.",
		})
		p.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this instance holds leadership (1=leader).",
		})
		p.leadershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "election",
			Name:      "leadership_changes_total",
			Help:      "Leadership transitions of this instance.",
		})

		p.reg.MustRegister(
			p.loadAdjustments, p.casRetries, p.assignableOps,
			p.requestsCreated, p.pendingRequests, p.requestsResolved,
			p.claims, p.claimLatency, p.autoAssigns, p.chatsEnded,
			p.snapshotsCoalesced, p.subscribers,
			p.storeLatency, p.storeFailures,
			p.heartbeats, p.presenceExpired, p.isLeader, p.leadershipChanges,
		)
	})
}

// RecordLoadAdjustment counts a load adjustment outcome.
func (p *PrometheusCollector) RecordLoadAdjustment(delta int, result string) {
	p.ensureRegistered()
	p.loadAdjustments.WithLabelValues(strconv.Itoa(delta), result).Inc()
}

// RecordCASRetry counts a CAS retry.
func (p *PrometheusCollector) RecordCASRetry(bucket string) {
	p.ensureRegistered()
	p.casRetries.WithLabelValues(bucket).Inc()
}

// SetAssignableOperators sets the assignable operator gauge.
func (p *PrometheusCollector) SetAssignableOperators(count int) {
	p.ensureRegistered()
	p.assignableOps.Set(float64(count))
}

// RecordRequestCreated counts a created request.
func (p *PrometheusCollector) RecordRequestCreated() {
	p.ensureRegistered()
	p.requestsCreated.Inc()
}

// SetPendingRequests sets the pending request gauge.
func (p *PrometheusCollector) SetPendingRequests(count int) {
	p.ensureRegistered()
	p.pendingRequests.Set(float64(count))
}

// RecordRequestResolved counts a request leaving waiting.
func (p *PrometheusCollector) RecordRequestResolved(status string, reason string) {
	p.ensureRegistered()
	p.requestsResolved.WithLabelValues(status, reason).Inc()
}

// RecordClaim counts a claim and observes its latency.
func (p *PrometheusCollector) RecordClaim(result string, duration float64) {
	p.ensureRegistered()
	p.claims.WithLabelValues(result).Inc()
	p.claimLatency.Observe(duration)
}

// RecordAutoAssign counts an auto-assign outcome.
func (p *PrometheusCollector) RecordAutoAssign(result string) {
	p.ensureRegistered()
	p.autoAssigns.WithLabelValues(result).Inc()
}

// RecordChatEnded counts a completed assignment.
func (p *PrometheusCollector) RecordChatEnded(by string) {
	p.ensureRegistered()
	p.chatsEnded.WithLabelValues(by).Inc()
}

// RecordSnapshotCoalesced counts a replaced snapshot.
func (p *PrometheusCollector) RecordSnapshotCoalesced(feed string) {
	p.ensureRegistered()
	p.snapshotsCoalesced.WithLabelValues(feed).Inc()
}

// SetSubscribers sets the live subscriber gauge for a feed.
func (p *PrometheusCollector) SetSubscribers(feed string, count int) {
	p.ensureRegistered()
	p.subscribers.WithLabelValues(feed).Set(float64(count))
}

// RecordStoreOperation observes store latency and counts failures.
func (p *PrometheusCollector) RecordStoreOperation(operation string, duration float64, failed bool) {
	p.ensureRegistered()
	p.storeLatency.WithLabelValues(operation).Observe(duration)
	if failed {
		p.storeFailures.WithLabelValues(operation).Inc()
	}
}

// RecordHeartbeat counts a heartbeat publish.
func (p *PrometheusCollector) RecordHeartbeat(_ string, success bool) {
	p.ensureRegistered()
	result := "success"
	if !success {
		result = "failure"
	}
	p.heartbeats.WithLabelValues(result).Inc()
}

// RecordPresenceExpired counts operators marked offline.
func (p *PrometheusCollector) RecordPresenceExpired(count int) {
	p.ensureRegistered()
	p.presenceExpired.Add(float64(count))
}

// RecordLeadershipChange updates the leadership gauge and counter.
func (p *PrometheusCollector) RecordLeadershipChange(isLeader bool) {
	p.ensureRegistered()
	p.leadershipChanges.Inc()
	if isLeader {
		p.isLeader.Set(1)
	} else {
		p.isLeader.Set(0)
	}
}
