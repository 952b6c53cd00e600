package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from request paths and background goroutines and must be
// thread-safe.
//
// This interface composes smaller, component-focused interfaces.
type MetricsCollector interface {
	RegistryMetrics
	QueueMetrics
	LifecycleMetrics
	FanoutMetrics
	StoreMetrics
	PresenceMetrics
}

// RegistryMetrics defines metrics for the operator registry.
type RegistryMetrics interface {
	// RecordLoadAdjustment records an adjustLoad or reservation outcome.
	//
	// Parameters:
	//   - delta: Requested change (+1 claim, -1 end)
	//   - result: "ok", "clamped", "rejected" or "error"
	RecordLoadAdjustment(delta int, result string)

	// RecordCASRetry records a compare-and-swap retry on the named bucket.
	RecordCASRetry(bucket string)

	// SetAssignableOperators sets the number of assignable operators in the last snapshot.
	SetAssignableOperators(count int)
}

// QueueMetrics defines metrics for the request queue.
type QueueMetrics interface {
	// RecordRequestCreated records a new waiting request.
	RecordRequestCreated()

	// SetPendingRequests sets the size of the last pending snapshot (gauge metric).
	SetPendingRequests(count int)

	// RecordRequestResolved records a transition out of waiting.
	//
	// Parameters:
	//   - status: "assigned" or "rejected"
	//   - reason: reject reason, empty for assigned
	RecordRequestResolved(status string, reason string)
}

// LifecycleMetrics defines metrics for the assignment lifecycle.
type LifecycleMetrics interface {
	// RecordClaim records a claim outcome.
	//
	// Parameters:
	//   - result: "success", "already_handled", "capacity_exceeded",
	//     "operator_unavailable", "not_found" or "error"
	//   - duration: Time taken in seconds
	RecordClaim(result string, duration float64)

	// RecordAutoAssign records an autoAssign outcome ("assigned", "none", "error").
	RecordAutoAssign(result string)

	// RecordChatEnded records a completed assignment and who ended it.
	RecordChatEnded(by string)
}

// FanoutMetrics defines metrics for subscription fan-out.
type FanoutMetrics interface {
	// RecordSnapshotCoalesced records a snapshot replaced before the consumer read it.
	RecordSnapshotCoalesced(feed string)

	// SetSubscribers sets the number of live subscribers on a feed.
	SetSubscribers(feed string, count int)
}

// StoreMetrics defines metrics for state store access.
type StoreMetrics interface {
	// RecordStoreOperation records store operation latency.
	//
	// Parameters:
	//   - operation: Operation type ("get", "put", "create", "update", "delete", "keys")
	//   - duration: Time taken in seconds
	//   - failed: true if the operation returned an unexpected error
	RecordStoreOperation(operation string, duration float64, failed bool)
}

// PresenceMetrics defines metrics for operator presence and leadership.
type PresenceMetrics interface {
	// RecordHeartbeat records a presence heartbeat publish.
	RecordHeartbeat(operatorID string, success bool)

	// RecordPresenceExpired records operators marked offline by the presence monitor.
	RecordPresenceExpired(count int)

	// RecordLeadershipChange records a leadership transition of this instance.
	RecordLeadershipChange(isLeader bool)
}
