package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/types"
)

const debounceDelay = 100 * time.Millisecond

// Roster is the registry view the monitor needs.
type Roster interface {
	Snapshot(ctx context.Context) ([]types.OperatorStatus, error)
	MarkOffline(ctx context.Context, operatorID string, staleBefore time.Time) (bool, error)
}

// Monitor marks operators offline when their presence lapses.
//
// It provides hybrid monitoring:
//   - Watcher (primary): a deleted heartbeat key triggers a sweep within ~100ms
//   - Polling (fallback): a sweep every TTL/2
type Monitor struct {
	kv     types.KeyValue
	roster Roster
	ttl    time.Duration
	now    func() time.Time

	metrics types.MetricsCollector
	logger  types.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a presence monitor.
//
// Parameters:
//   - kv: Presence bucket
//   - roster: Operator registry
//   - ttl: Heartbeat TTL; an operator is stale once LastSeen is older than this
//   - logger: Logger for monitoring events (nil for no-op)
//
// Returns:
//   - *Monitor: A new presence monitor
func NewMonitor(kv types.KeyValue, roster Roster, ttl time.Duration, logger types.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Monitor{
		kv:      kv,
		roster:  roster,
		ttl:     ttl,
		now:     time.Now,
		metrics: metrics.NewNop(),
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetMetrics sets the metrics collector. Must be called before Start.
func (m *Monitor) SetMetrics(mc types.MetricsCollector) {
	if mc != nil {
		m.metrics = mc
	}
}

// SetClock sets the time source LastSeen is compared against. Must be called
// before Start and should match the registry's clock.
func (m *Monitor) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Start begins monitoring in a background goroutine.
//
// Returns:
//   - error: ErrAlreadyStarted, or ErrStopped once stopped
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}

	m.started = true
	go m.run(ctx)

	return nil
}

// Stop stops the monitor and waits for its goroutine to exit.
//
// Safe to call more than once.
//
// Returns:
//   - error: ErrNotStarted if Stop is called before Start
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	return nil
}

// Sweep marks every stale online operator offline.
//
// An operator is stale when no heartbeat key exists for any of its sessions
// and its LastSeen is older than the TTL.
//
// Returns:
//   - []string: Operators taken offline
//   - error: Store error listing keys or reading the roster
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeat keys: %w", err)
	}

	live := make(map[string]bool, len(keys))
	for _, key := range keys {
		if op, ok := operatorKey(key); ok {
			live[op] = true
		}
	}

	ops, err := m.roster.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	staleBefore := m.now().Add(-m.ttl)
	var expired []string
	for _, op := range ops {
		if !op.IsOnline || live[kvjson.Key(KeyPrefix, op.ID)] || !op.LastSeen.Before(staleBefore) {
			continue
		}

		changed, err := m.roster.MarkOffline(ctx, op.ID, staleBefore)
		if err != nil {
			m.logger.Warn("failed to expire operator presence", "operator", op.ID, "error", err)
			continue
		}
		if changed {
			expired = append(expired, op.ID)
		}
	}

	if len(expired) > 0 {
		m.metrics.RecordPresenceExpired(len(expired))
		m.logger.Info("operators marked offline", "count", len(expired), "operators", expired)
	}

	return expired, nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	var updates <-chan *types.Entry
	watcher, err := m.kv.Watch(ctx)
	if err != nil {
		m.logger.Warn("failed to start presence watcher, falling back to polling only", "error", err)
	} else {
		defer func() {
			if err := watcher.Stop(); err != nil {
				m.logger.Warn("failed to stop presence watcher", "error", err)
			}
		}()
		updates = watcher.Updates()
	}

	ticker := time.NewTicker(max(m.ttl/2, debounceDelay))
	defer ticker.Stop()

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	pending := false

	schedule := func() {
		if !pending {
			pending = true
			debounce.Reset(debounceDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return

		case <-ticker.C:
			m.sweep(ctx, "poll")

		case entry, ok := <-updates:
			if !ok {
				m.logger.Warn("presence watcher closed, polling only")
				updates = nil

				continue
			}
			// nil marks the end of the replay; sweep once the initial state is known.
			if entry == nil || entry.Op == types.EntryDelete {
				schedule()
			}

		case <-debounce.C:
			pending = false
			m.sweep(ctx, "watch")
		}
	}
}

func (m *Monitor) sweep(ctx context.Context, trigger string) {
	if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("presence sweep failed", "trigger", trigger, "error", err)
	}
}
