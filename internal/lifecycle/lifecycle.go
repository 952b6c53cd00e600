// Package lifecycle implements the per-customer chat state machine: request,
// claim, decline, end and the maintenance passes that keep it consistent.
//
// Every transition commits with compare-and-swap against the shared store.
// Three records take part in a claim: the customer record (one live
// assignment per customer), the operator record (capacity) and the request
// (waiting exactly once). Each commits only if its precondition still holds,
// and a failed later step releases the earlier ones.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/chatroute/handoff"
	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/hooks"
	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/internal/registry"
	"github.com/arloliu/chatroute/journal"
	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/strategy"
	"github.com/arloliu/chatroute/types"
)

// AssignmentKeyPrefix prefixes every assignment record key.
const AssignmentKeyPrefix = "asg"

// Feed names.
const (
	FeedOperatorAssignments = "operator_assignments"
	FeedCustomer            = "customer"
)

// AssignmentKey returns the store key of an assignment.
func AssignmentKey(assignmentID string) string {
	return kvjson.Key(AssignmentKeyPrefix, assignmentID)
}

// Config holds lifecycle manager configuration.
type Config struct {
	// Required dependencies
	Registry    *registry.Registry
	Queue       *queue.Queue
	Assignments types.KeyValue // Assignments bucket
	Customers   types.KeyValue // Customers bucket, shared with the queue

	// Optional configuration (with defaults)
	CASMaxRetries int // Conflict retries per transition (default: 16)

	// Optional dependencies
	Strategy    types.SelectionStrategy  // Auto-assign selection (default: least-loaded)
	Handoff     types.TransportHandoff   // Transport boundary (default: no-op)
	Notifier    types.NotificationSender // Customer/operator notifications (default: no-op)
	Journal     types.Journal            // Audit journal (default: no-op)
	Hooks       *types.Hooks             // Callbacks (default: no-op)
	HookContext context.Context          // Context passed to hooks (default: context.Background())
	Hub         *fanout.Hub              // Required for the Watch* feeds
	Clock       func() time.Time         // Time source (default: time.Now)
	NewID       func() string            // Assignment ID generator (default: uuid.NewString)
	Metrics     types.MetricsCollector   // Metrics collector (default: no-op)
	Logger      types.Logger             // Logger (default: no-op)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch {
	case c.Registry == nil:
		return errors.New("the Registry is required")
	case c.Queue == nil:
		return errors.New("the Queue is required")
	case c.Assignments == nil:
		return errors.New("the Assignments bucket is required")
	case c.Customers == nil:
		return errors.New("the Customers bucket is required")
	case c.CASMaxRetries < 0:
		return errors.New("the CASMaxRetries must not be negative")
	}

	return nil
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.CASMaxRetries == 0 {
		c.CASMaxRetries = 16
	}
	if c.Strategy == nil {
		c.Strategy = strategy.NewLeastLoaded()
	}
	if c.Handoff == nil {
		c.Handoff = handoff.Nop{}
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	if c.Journal == nil {
		c.Journal = journal.Nop{}
	}
	c.Hooks = hooks.Fill(c.Hooks)
	if c.HookContext == nil {
		c.HookContext = context.Background()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

// Manager drives assignment lifecycles.
//
// Manager is safe for concurrent use, and any number of managers in different
// processes may share one store.
type Manager struct {
	cfg Config

	// Reconcile state: drift seen on the previous pass, confirmed on the next.
	mu           sync.Mutex
	loadSuspects map[string]loadDrift
	slotSuspects map[string]string

	hookWG sync.WaitGroup
}

// New creates a lifecycle manager.
//
// Parameters:
//   - cfg: Manager configuration
//
// Returns:
//   - *Manager: The manager
//   - error: Configuration error
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lifecycle config: %w", err)
	}
	cfg.SetDefaults()

	return &Manager{
		cfg:          cfg,
		loadSuspects: make(map[string]loadDrift),
		slotSuspects: make(map[string]string),
	}, nil
}

// WaitHooks blocks until every hook started so far has returned.
func (m *Manager) WaitHooks() {
	m.hookWG.Wait()
}

// GetAssignment returns an assignment by ID.
//
// Returns:
//   - types.ChatAssignment: The assignment
//   - uint64: Its revision
//   - error: types.ErrNotFound when missing
func (m *Manager) GetAssignment(ctx context.Context, assignmentID string) (types.ChatAssignment, uint64, error) {
	a, rev, err := kvjson.Load[types.ChatAssignment](ctx, m.cfg.Assignments, AssignmentKey(assignmentID))
	if errors.Is(err, types.ErrKeyNotFound) {
		return a, 0, fmt.Errorf("assignment %s: %w", assignmentID, types.ErrNotFound)
	}

	return a, rev, err
}

// customer loads a customer record. A missing record is returned as the zero
// record with revision 0 and exists=false.
func (m *Manager) customer(ctx context.Context, customerID string) (types.CustomerRecord, uint64, bool, error) {
	rec, rev, err := kvjson.Load[types.CustomerRecord](ctx, m.cfg.Customers, queue.CustomerKey(customerID))
	if errors.Is(err, types.ErrKeyNotFound) {
		return types.CustomerRecord{CustomerID: customerID}, 0, false, nil
	}
	if err != nil {
		return rec, 0, false, fmt.Errorf("customer %s: %w", customerID, err)
	}

	return rec, rev, true, nil
}

// liveAssignment returns the live assignment the record points to.
//
// found is false when the slot is empty, when the assignment is not written
// yet (a claim is in flight) or when it already completed.
func (m *Manager) liveAssignment(ctx context.Context, rec types.CustomerRecord) (types.ChatAssignment, bool, error) {
	if rec.ActiveAssignmentID == "" {
		return types.ChatAssignment{}, false, nil
	}

	a, _, err := m.GetAssignment(ctx, rec.ActiveAssignmentID)
	if errors.Is(err, types.ErrNotFound) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}

	return a, a.Status.IsLive(), nil
}

// releaseSlot clears the customer's live assignment if it still equals assignmentID.
func (m *Manager) releaseSlot(ctx context.Context, customerID, assignmentID string) error {
	_, _, err := kvjson.Mutate(ctx, m.cfg.Customers, queue.CustomerKey(customerID), m.cfg.CASMaxRetries, m.onCustomerRetry,
		func(cur types.CustomerRecord, exists bool) (types.CustomerRecord, error) {
			if !exists || cur.ActiveAssignmentID != assignmentID {
				return cur, kvjson.ErrAbort
			}
			cur.ActiveAssignmentID = ""

			return cur, nil
		})
	if err != nil && !errors.Is(err, kvjson.ErrAbort) {
		return fmt.Errorf("release customer %s: %w", customerID, err)
	}

	return nil
}

func (m *Manager) onCustomerRetry() {
	m.cfg.Metrics.RecordCASRetry(m.cfg.Customers.Name())
}

func (m *Manager) onAssignmentRetry() {
	m.cfg.Metrics.RecordCASRetry(m.cfg.Assignments.Name())
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock().UTC()
}

// record appends a journal event. Failures are logged: the transition is
// already committed.
func (m *Manager) record(ctx context.Context, ev types.JournalEvent) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if err := m.cfg.Journal.Append(ctx, ev); err != nil {
		m.reportError(ctx, "journal append failed", err, "type", ev.Type, "customer", ev.CustomerID)
	}
}

func (m *Manager) handoff(ctx context.Context, kind types.HandoffKind, a types.ChatAssignment) {
	ev := types.HandoffEvent{
		Kind:         kind,
		AssignmentID: a.ID,
		CustomerID:   a.CustomerID,
		OperatorID:   a.OperatorID,
		At:           m.now(),
	}
	if err := m.cfg.Handoff.Handoff(ctx, ev); err != nil {
		m.reportError(ctx, "transport handoff failed", err, "kind", kind, "assignment", a.ID)
	}
}

func (m *Manager) notify(ctx context.Context, t notify.Template) {
	n := notify.Render(t, m.now())
	if err := m.cfg.Notifier.Send(ctx, n); err != nil {
		m.reportError(ctx, "notification failed", err, "kind", n.Kind, "recipient", n.Recipient)
	}
}

// fire runs a hook in the background with the hook context.
func (m *Manager) fire(name string, fn func(ctx context.Context) error) {
	m.hookWG.Go(func() {
		if err := fn(m.cfg.HookContext); err != nil {
			m.cfg.Logger.Error("hook error", "hook", name, "error", err)
		}
	})
}

// reportError logs a failure of a side effect and forwards it to OnError.
func (m *Manager) reportError(_ context.Context, msg string, err error, kv ...any) {
	m.cfg.Logger.Warn(msg, append(kv, "error", err)...)
	m.fire("OnError", func(ctx context.Context) error {
		return m.cfg.Hooks.OnError(ctx, fmt.Errorf("%s: %w", msg, err))
	})
}
