package metrics

import "github.com/arloliu/chatroute/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	eng, _ := chatroute.NewEngine(&cfg, st, chatroute.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RegistryMetrics implementation

// RecordLoadAdjustment discards the load adjustment metric.
func (n *NopMetrics) RecordLoadAdjustment(_ /* delta */ int, _ /* result */ string) {}

// RecordCASRetry discards the CAS retry metric.
func (n *NopMetrics) RecordCASRetry(_ /* bucket */ string) {}

// SetAssignableOperators discards the assignable operator gauge.
func (n *NopMetrics) SetAssignableOperators(_ /* count */ int) {}

// QueueMetrics implementation

// RecordRequestCreated discards the request creation metric.
func (n *NopMetrics) RecordRequestCreated() {}

// SetPendingRequests discards the pending request gauge.
func (n *NopMetrics) SetPendingRequests(_ /* count */ int) {}

// RecordRequestResolved discards the request resolution metric.
func (n *NopMetrics) RecordRequestResolved(_ /* status */, _ /* reason */ string) {}

// LifecycleMetrics implementation

// RecordClaim discards the claim metric.
func (n *NopMetrics) RecordClaim(_ /* result */ string, _ /* duration */ float64) {}

// RecordAutoAssign discards the auto-assign metric.
func (n *NopMetrics) RecordAutoAssign(_ /* result */ string) {}

// RecordChatEnded discards the chat ended metric.
func (n *NopMetrics) RecordChatEnded(_ /* by */ string) {}

// FanoutMetrics implementation

// RecordSnapshotCoalesced discards the coalescing metric.
func (n *NopMetrics) RecordSnapshotCoalesced(_ /* feed */ string) {}

// SetSubscribers discards the subscriber gauge.
func (n *NopMetrics) SetSubscribers(_ /* feed */ string, _ /* count */ int) {}

// StoreMetrics implementation

// RecordStoreOperation discards the store latency metric.
func (n *NopMetrics) RecordStoreOperation(_ /* operation */ string, _ /* duration */ float64, _ /* failed */ bool) {
}

// PresenceMetrics implementation

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ /* operatorID */ string, _ /* success */ bool) {}

// RecordPresenceExpired discards the presence expiry metric.
func (n *NopMetrics) RecordPresenceExpired(_ /* count */ int) {}

// RecordLeadershipChange discards the leadership change metric.
func (n *NopMetrics) RecordLeadershipChange(_ /* isLeader */ bool) {}
