package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/chatroute/types"
)

// Common errors for election operations.
var (
	ErrNotLeader       = errors.New("not the leader")
	ErrLeadershipLost  = errors.New("leadership was lost")
	ErrInvalidDuration = errors.New("invalid lease duration")
)

// Lease is the value stored under the leader key.
type Lease struct {
	InstanceID string    `json:"instanceId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	RenewedAt  time.Time `json:"renewedAt"`
}

// KVElection implements leader election on a types.KeyValue bucket.
//
// All fields are protected by mu for thread-safe concurrent access.
type KVElection struct {
	kv  types.KeyValue
	key string
	now func() time.Time

	mu         sync.RWMutex
	instanceID string
	acquiredAt time.Time
	revision   uint64
	isLeader   bool
}

// Compile-time assertion that KVElection implements ElectionAgent.
var _ types.ElectionAgent = (*KVElection)(nil)

// NewKV creates a store-backed election agent.
//
// The bucket should be configured with a short TTL (e.g., 10-30s) so a crashed
// leader's lease expires.
//
// Parameters:
//   - kv: Election bucket
//   - key: Key name for the leadership claim (e.g., "leader")
//
// Returns:
//   - *KVElection: New election agent instance
func NewKV(kv types.KeyValue, key string) *KVElection {
	return &KVElection{kv: kv, key: key, now: time.Now}
}

// RequestLeadership attempts to acquire or maintain leadership.
//
// A current leader renews. Otherwise the lease key is created atomically. A
// lease still held under the same instance ID (a restart before the old lease
// expired) is taken over with a revision-checked update.
//
// Parameters:
//   - ctx: Context for timeout
//   - instanceID: The instance requesting leadership
//   - leaseDuration: Lease duration in seconds (the bucket TTL enforces it)
//
// Returns:
//   - bool: true if leadership acquired/held, false otherwise
//   - error: Election error or context cancellation
func (e *KVElection) RequestLeadership(ctx context.Context, instanceID string, leaseDuration int64) (bool, error) {
	if leaseDuration <= 0 {
		return false, ErrInvalidDuration
	}

	isLeader, current, _ := e.getLeaderState()
	if isLeader && current == instanceID {
		err := e.RenewLeadership(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrLeadershipLost) {
			return false, err
		}
	}

	now := e.now().UTC()
	value, err := json.Marshal(Lease{InstanceID: instanceID, AcquiredAt: now, RenewedAt: now})
	if err != nil {
		return false, err
	}

	revision, err := e.kv.Create(ctx, e.key, value)
	if errors.Is(err, types.ErrKeyExists) {
		return e.takeOver(ctx, instanceID, value, now)
	}
	if err != nil {
		return false, fmt.Errorf("failed to create leader key: %w", err)
	}

	e.setLeaderState(true, instanceID, now, revision)

	return true, nil
}

func (e *KVElection) takeOver(ctx context.Context, instanceID string, value []byte, now time.Time) (bool, error) {
	entry, err := e.kv.Get(ctx, e.key)
	if errors.Is(err, types.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get leader key: %w", err)
	}

	var holder Lease
	if err := json.Unmarshal(entry.Value, &holder); err != nil || holder.InstanceID != instanceID {
		return false, nil
	}

	revision, err := e.kv.Update(ctx, e.key, value, entry.Revision)
	if errors.Is(err, types.ErrRevisionMismatch) || errors.Is(err, types.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to take over leader key: %w", err)
	}

	e.setLeaderState(true, instanceID, now, revision)

	return true, nil
}

// RenewLeadership renews the current leadership lease.
//
// Uses Update with revision check to ensure we still hold the lease.
//
// Returns:
//   - error: ErrNotLeader if not the leader, ErrLeadershipLost if lost, nil on success
func (e *KVElection) RenewLeadership(ctx context.Context) error {
	isLeader, instanceID, revision := e.getLeaderState()
	if !isLeader {
		return ErrNotLeader
	}

	e.mu.RLock()
	acquiredAt := e.acquiredAt
	e.mu.RUnlock()

	value, err := json.Marshal(Lease{InstanceID: instanceID, AcquiredAt: acquiredAt, RenewedAt: e.now().UTC()})
	if err != nil {
		return err
	}

	newRevision, err := e.kv.Update(ctx, e.key, value, revision)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrRevisionMismatch), errors.Is(err, types.ErrKeyNotFound):
		e.clearLeadership()
		return fmt.Errorf("%w: %w", ErrLeadershipLost, err)
	default:
		// The lease may still be ours; the next renewal decides.
		return fmt.Errorf("failed to renew leader key: %w", err)
	}

	e.mu.Lock()
	e.revision = newRevision
	e.mu.Unlock()

	return nil
}

// ReleaseLeadership voluntarily releases leadership.
//
// Deletes the leader key, if it still carries our revision, to allow immediate
// failover to another instance.
//
// Returns:
//   - error: ErrNotLeader if not the leader, or a store error
func (e *KVElection) ReleaseLeadership(ctx context.Context) error {
	isLeader, _, revision := e.getLeaderState()
	if !isLeader {
		return ErrNotLeader
	}
	e.setLeaderState(false, "", time.Time{}, 0)

	entry, err := e.kv.Get(ctx, e.key)
	if errors.Is(err, types.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get leader key: %w", err)
	}
	if entry.Revision != revision {
		return nil
	}

	if err := e.kv.Delete(ctx, e.key); err != nil {
		return fmt.Errorf("failed to delete leader key: %w", err)
	}

	return nil
}

// IsLeader checks if this instance is currently the leader.
//
// Verifies leadership by checking that the key still carries our revision.
func (e *KVElection) IsLeader(ctx context.Context) (bool, error) {
	isLeader, _, revision := e.getLeaderState()
	if !isLeader {
		return false, nil
	}

	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			e.clearLeadership()
			return false, nil
		}

		return false, fmt.Errorf("failed to get leader key: %w", err)
	}

	if entry.Revision != revision {
		e.clearLeadership()
		return false, nil
	}

	return true, nil
}

// Leader returns the lease currently stored, whoever holds it.
//
// Returns:
//   - Lease: The current lease
//   - error: types.ErrKeyNotFound when nobody leads
func (e *KVElection) Leader(ctx context.Context) (Lease, error) {
	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		return Lease{}, err
	}

	var lease Lease
	if err := json.Unmarshal(entry.Value, &lease); err != nil {
		return Lease{}, fmt.Errorf("decode leader key: %w", err)
	}

	return lease, nil
}

// InstanceID returns this instance's ID while it leads, empty otherwise.
func (e *KVElection) InstanceID() string {
	isLeader, id, _ := e.getLeaderState()
	if !isLeader {
		return ""
	}

	return id
}

func (e *KVElection) getLeaderState() (isLeader bool, instanceID string, revision uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.isLeader, e.instanceID, e.revision
}

func (e *KVElection) setLeaderState(isLeader bool, instanceID string, acquiredAt time.Time, revision uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.isLeader = isLeader
	e.instanceID = instanceID
	e.acquiredAt = acquiredAt
	e.revision = revision
}

func (e *KVElection) clearLeadership() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.isLeader = false
}
