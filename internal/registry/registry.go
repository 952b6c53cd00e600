// Package registry maintains operator status records in the shared store.
//
// The registry owns the operator-reported fields (Name, IsOnline, IsAvailable,
// MaxChats). ActiveChats is changed only through AdjustLoad and Reserve, which
// use compare-and-swap so status reports never clobber a concurrent load change.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/keylock"
	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/types"
)

// KeyPrefix prefixes every operator record key.
const KeyPrefix = "op"

// FeedOperators names the operator roster feed.
const FeedOperators = "operators"

// Config holds registry configuration.
//
// Required fields must be set before calling New. Optional fields are
// defaulted when zero-valued.
type Config struct {
	// Required dependencies
	KV types.KeyValue // Operators bucket

	// Optional configuration (with defaults)
	DefaultMaxChats int // MaxChats for operators created without one (default: 3)
	CASMaxRetries   int // Conflict retries per write (default: 16)

	// Optional dependencies
	Hub     *fanout.Hub            // Required for WatchOperators
	Clock   func() time.Time       // Time source (default: time.Now)
	Metrics types.MetricsCollector // Metrics collector (default: no-op)
	Logger  types.Logger           // Logger (default: no-op)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.KV == nil {
		return errors.New("the KV is required")
	}
	if c.DefaultMaxChats < 0 {
		return errors.New("the DefaultMaxChats must not be negative")
	}

	return nil
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.DefaultMaxChats == 0 {
		c.DefaultMaxChats = 3
	}
	if c.CASMaxRetries == 0 {
		c.CASMaxRetries = 16
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

// Registry reads and writes operator records.
type Registry struct {
	cfg   Config
	locks *keylock.Striped
}

// New creates a registry.
//
// Parameters:
//   - cfg: Registry configuration
//
// Returns:
//   - *Registry: The registry
//   - error: Configuration error
func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	cfg.SetDefaults()

	return &Registry{cfg: cfg, locks: keylock.New(keylock.DefaultStripes)}, nil
}

// KV returns the operators bucket.
func (r *Registry) KV() types.KeyValue {
	return r.cfg.KV
}

// Get returns the current record of an operator.
//
// Returns:
//   - types.OperatorStatus: The record
//   - error: types.ErrNotFound when the operator was never registered
func (r *Registry) Get(ctx context.Context, operatorID string) (types.OperatorStatus, error) {
	op, _, err := kvjson.Load[types.OperatorStatus](ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID))
	if errors.Is(err, types.ErrKeyNotFound) {
		return types.OperatorStatus{}, fmt.Errorf("operator %s: %w", operatorID, types.ErrNotFound)
	}

	return op, err
}

// SetStatus upserts the operator-owned fields of a record and refreshes LastSeen.
//
// The first report for an operator creates the record with RegisteredAt set and
// MaxChats defaulted when not positive. ActiveChats is always preserved.
//
// Parameters:
//   - ctx: Context for cancellation
//   - operatorID: Operator identifier
//   - update: Fields to change (nil fields keep their value)
//
// Returns:
//   - types.OperatorStatus: The committed record
//   - error: types.ErrInvalidArgument, a store error, or types.ErrConflict
func (r *Registry) SetStatus(ctx context.Context, operatorID string, update types.StatusUpdate) (types.OperatorStatus, error) {
	if operatorID == "" {
		return types.OperatorStatus{}, fmt.Errorf("operator id is empty: %w", types.ErrInvalidArgument)
	}
	if update.MaxChats != nil && *update.MaxChats < 0 {
		return types.OperatorStatus{}, fmt.Errorf("maxChats %d is negative: %w", *update.MaxChats, types.ErrInvalidArgument)
	}

	now := r.cfg.Clock()
	op, _, err := kvjson.Mutate(ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID), r.cfg.CASMaxRetries, r.onRetry,
		func(cur types.OperatorStatus, exists bool) (types.OperatorStatus, error) {
			if !exists {
				cur = types.OperatorStatus{ID: operatorID, RegisteredAt: now}
			}
			applyUpdate(&cur, update)
			if cur.MaxChats <= 0 {
				cur.MaxChats = r.cfg.DefaultMaxChats
			}
			cur.LastSeen = now

			return cur, nil
		})
	if err != nil {
		return types.OperatorStatus{}, fmt.Errorf("set status of %s: %w", operatorID, err)
	}

	r.cfg.Logger.Debug("operator status updated",
		"operator", operatorID, "online", op.IsOnline, "available", op.IsAvailable, "maxChats", op.MaxChats)

	return op, nil
}

func applyUpdate(op *types.OperatorStatus, update types.StatusUpdate) {
	if update.Name != nil {
		op.Name = *update.Name
	}
	if update.IsOnline != nil {
		op.IsOnline = *update.IsOnline
	}
	if update.IsAvailable != nil {
		op.IsAvailable = *update.IsAvailable
	}
	if update.MaxChats != nil {
		op.MaxChats = *update.MaxChats
	}
}

// AdjustLoad adds delta to an operator's ActiveChats, clamping at zero.
//
// Writes are serialized per operator in-process and by revision across
// processes. A clamp is logged since it means a release without a matching
// reservation.
//
// Returns:
//   - types.OperatorStatus: The committed record
//   - error: types.ErrNotFound, a store error, or types.ErrConflict
func (r *Registry) AdjustLoad(ctx context.Context, operatorID string, delta int) (types.OperatorStatus, error) {
	unlock := r.locks.Lock(operatorID)
	defer unlock()

	clamped := false
	op, _, err := kvjson.Mutate(ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID), r.cfg.CASMaxRetries, r.onRetry,
		func(cur types.OperatorStatus, exists bool) (types.OperatorStatus, error) {
			if !exists {
				return cur, types.ErrNotFound
			}
			cur.ActiveChats += delta
			clamped = cur.ActiveChats < 0
			if clamped {
				cur.ActiveChats = 0
			}

			return cur, nil
		})
	if err != nil {
		r.cfg.Metrics.RecordLoadAdjustment(delta, resultLabel(err))
		return types.OperatorStatus{}, fmt.Errorf("adjust load of %s by %d: %w", operatorID, delta, err)
	}

	result := "ok"
	if clamped {
		result = "clamped"
		r.cfg.Logger.Warn("operator load clamped at zero", "operator", operatorID, "delta", delta)
	}
	r.cfg.Metrics.RecordLoadAdjustment(delta, result)

	return op, nil
}

// Reserve increments an operator's ActiveChats only if the operator is
// assignable at commit time.
//
// Returns:
//   - types.OperatorStatus: The committed record
//   - error: types.ErrNotFound, types.ErrOperatorUnavailable,
//     types.ErrCapacityExceeded, a store error, or types.ErrConflict
func (r *Registry) Reserve(ctx context.Context, operatorID string) (types.OperatorStatus, error) {
	unlock := r.locks.Lock(operatorID)
	defer unlock()

	op, _, err := kvjson.Mutate(ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID), r.cfg.CASMaxRetries, r.onRetry,
		func(cur types.OperatorStatus, exists bool) (types.OperatorStatus, error) {
			if err := checkAssignable(cur, exists); err != nil {
				return cur, err
			}
			cur.ActiveChats++

			return cur, nil
		})
	r.cfg.Metrics.RecordLoadAdjustment(1, resultLabel(err))
	if err != nil {
		return types.OperatorStatus{}, fmt.Errorf("reserve %s: %w", operatorID, err)
	}

	return op, nil
}

// CheckAssignable reads an operator and reports why it cannot take a chat.
//
// Returns nil when the operator is assignable right now. The answer may be
// stale by the time a caller acts on it; Reserve re-checks at commit.
func (r *Registry) CheckAssignable(ctx context.Context, operatorID string) (types.OperatorStatus, error) {
	op, _, err := kvjson.Load[types.OperatorStatus](ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID))
	exists := err == nil
	if err != nil && !errors.Is(err, types.ErrKeyNotFound) {
		return op, err
	}
	if err := checkAssignable(op, exists); err != nil {
		return op, fmt.Errorf("operator %s: %w", operatorID, err)
	}

	return op, nil
}

func checkAssignable(op types.OperatorStatus, exists bool) error {
	switch {
	case !exists:
		return types.ErrNotFound
	case !op.IsOnline || !op.IsAvailable:
		return types.ErrOperatorUnavailable
	case op.ActiveChats >= op.MaxChats:
		return types.ErrCapacityExceeded
	default:
		return nil
	}
}

// SetLoad replaces ActiveChats with an externally computed value, but only
// while the stored value still equals expected.
//
// Used by reconciliation. A concurrent claim or release changes the stored
// value, so a stale repair is dropped instead of overwriting it.
//
// Returns:
//   - bool: true when the record was rewritten
//   - error: types.ErrNotFound, a store error, or types.ErrConflict
func (r *Registry) SetLoad(ctx context.Context, operatorID string, expected, activeChats int) (bool, error) {
	if activeChats < 0 {
		return false, fmt.Errorf("load %d is negative: %w", activeChats, types.ErrInvalidArgument)
	}

	unlock := r.locks.Lock(operatorID)
	defer unlock()

	_, _, err := kvjson.Mutate(ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID), r.cfg.CASMaxRetries, r.onRetry,
		func(cur types.OperatorStatus, exists bool) (types.OperatorStatus, error) {
			if !exists {
				return cur, types.ErrNotFound
			}
			if cur.ActiveChats != expected || cur.ActiveChats == activeChats {
				return cur, kvjson.ErrAbort
			}
			cur.ActiveChats = activeChats

			return cur, nil
		})
	if errors.Is(err, kvjson.ErrAbort) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set load of %s: %w", operatorID, err)
	}

	return true, nil
}

// MarkOffline clears IsOnline for an operator last seen before staleBefore.
//
// A status report or presence start after staleBefore refreshes LastSeen, so
// it wins over a concurrent expiry. LastSeen is left untouched.
//
// Returns:
//   - bool: true when the operator was taken offline
//   - error: A store error, or types.ErrConflict
func (r *Registry) MarkOffline(ctx context.Context, operatorID string, staleBefore time.Time) (bool, error) {
	_, _, err := kvjson.Mutate(ctx, r.cfg.KV, kvjson.Key(KeyPrefix, operatorID), r.cfg.CASMaxRetries, r.onRetry,
		func(cur types.OperatorStatus, exists bool) (types.OperatorStatus, error) {
			if !exists || !cur.IsOnline || !cur.LastSeen.Before(staleBefore) {
				return cur, kvjson.ErrAbort
			}
			cur.IsOnline = false

			return cur, nil
		})
	if errors.Is(err, kvjson.ErrAbort) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark %s offline: %w", operatorID, err)
	}

	r.cfg.Logger.Info("operator presence expired", "operator", operatorID)

	return true, nil
}

// Snapshot returns all operator records ordered by RegisteredAt, then ID.
//
// Transient store failures are retried with jittered backoff.
func (r *Registry) Snapshot(ctx context.Context) ([]types.OperatorStatus, error) {
	var ops []types.OperatorStatus
	err := kvjson.Retry(ctx, kvjson.DefaultReadRetry, func() error {
		var err error
		ops, err = kvjson.LoadAll[types.OperatorStatus](ctx, r.cfg.KV, KeyPrefix)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("operator snapshot: %w", err)
	}

	SortOperators(ops)

	assignable := 0
	for i := range ops {
		if ops[i].IsAssignable() {
			assignable++
		}
	}
	r.cfg.Metrics.SetAssignableOperators(assignable)

	return ops, nil
}

// WatchOperators streams the operator roster in snapshot order.
//
// The first value is the current roster; a new one follows every change.
// Intermediate rosters a slow reader missed are dropped.
func (r *Registry) WatchOperators(ctx context.Context) (*fanout.Subscription[[]types.OperatorStatus], error) {
	if r.cfg.Hub == nil {
		return nil, errors.New("registry has no fanout hub")
	}

	bucket := r.cfg.KV.Name()
	feed := fanout.Feed{Name: FeedOperators, Buckets: []string{bucket}}

	return fanout.Subscribe(ctx, r.cfg.Hub, feed, func(v fanout.View) []types.OperatorStatus {
		return ProjectOperators(v, bucket)
	})
}

// ProjectOperators computes the ordered roster from a hub view.
func ProjectOperators(v fanout.View, bucket string) []types.OperatorStatus {
	ops := fanout.Values[types.OperatorStatus](v, bucket)
	SortOperators(ops)

	return ops
}

// SortOperators orders operators by RegisteredAt, then ID.
func SortOperators(ops []types.OperatorStatus) {
	slices.SortFunc(ops, func(a, b types.OperatorStatus) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

func (r *Registry) onRetry() {
	r.cfg.Metrics.RecordCASRetry(r.cfg.KV.Name())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, types.ErrOperatorUnavailable):
		return "unavailable"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// FormatLoad renders ActiveChats/MaxChats for logs.
func FormatLoad(op types.OperatorStatus) string {
	return strconv.Itoa(op.ActiveChats) + "/" + strconv.Itoa(op.MaxChats)
}
