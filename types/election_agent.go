package types

import "context"

// ElectionAgent handles leader election for background coordination.
//
// Exactly one engine instance is the leader. The leader is responsible for:
//   - Expiring waiting requests past their TTL
//   - Dispatching waiting requests when auto-dispatch is enabled
//   - Marking operators offline when their presence heartbeat lapses
//   - Reconciling operator load counters
//
// Implementations can use the shared state store (built-in) or an external
// coordination service.
type ElectionAgent interface {
	// RequestLeadership attempts to acquire leadership.
	//
	// If already leader, should extend the lease.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - instanceID: The engine instance requesting leadership
	//   - leaseDuration: Lease duration in seconds
	//
	// Returns:
	//   - bool: true if leadership acquired/held, false otherwise
	//   - error: Election error (nil on success)
	RequestLeadership(ctx context.Context, instanceID string, leaseDuration int64) (bool, error)

	// RenewLeadership renews the current leadership lease.
	//
	// Returns:
	//   - error: Renewal error (nil on success, indicates leadership lost)
	RenewLeadership(ctx context.Context) error

	// ReleaseLeadership voluntarily releases leadership.
	ReleaseLeadership(ctx context.Context) error

	// IsLeader checks if this instance is currently the leader.
	IsLeader(ctx context.Context) (bool, error)
}
