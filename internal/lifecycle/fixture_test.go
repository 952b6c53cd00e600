package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/internal/registry"
	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/store"
	chattest "github.com/arloliu/chatroute/testing"
	"github.com/arloliu/chatroute/types"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type handoffRecorder struct {
	mu     sync.Mutex
	events []types.HandoffEvent
}

func (h *handoffRecorder) Handoff(_ context.Context, ev types.HandoffEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)

	return nil
}

func (h *handoffRecorder) kinds() []types.HandoffKind {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.HandoffKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}

	return out
}

type journalRecorder struct {
	mu     sync.Mutex
	events []types.JournalEvent
}

func (j *journalRecorder) Append(_ context.Context, ev types.JournalEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)

	return nil
}

func (j *journalRecorder) History(_ context.Context, customerID string, _ int) ([]types.JournalEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []types.JournalEvent
	for _, ev := range j.events {
		if ev.CustomerID == customerID {
			out = append(out, ev)
		}
	}

	return out, nil
}

func (j *journalRecorder) eventTypes() []types.JournalEventType {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]types.JournalEventType, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Type)
	}

	return out
}

// failingKV fails the next Update calls, and the next Create calls, with failErr.
type failingKV struct {
	types.KeyValue
	failures       atomic.Int32
	createFailures atomic.Int32
	failErr        error
}

func (f *failingKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if f.createFailures.Add(-1) >= 0 {
		return 0, f.failErr
	}

	return f.KeyValue.Create(ctx, key, value)
}

func (f *failingKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, f.failErr
	}

	return f.KeyValue.Update(ctx, key, value, revision)
}

type fixture struct {
	m         *Manager
	reg       *registry.Registry
	q         *queue.Queue
	hub       *fanout.Hub
	clock     *manualClock
	handoffs  *handoffRecorder
	notes     *notify.Recorder
	journal   *journalRecorder
	assigned  chan types.ChatAssignment
	ended     chan types.ChatAssignment
	expired   chan types.ChatRequest
	requests  types.KeyValue
	customers types.KeyValue
	asg       types.KeyValue
	operators types.KeyValue
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	withHub     bool
	requests    func(types.KeyValue) types.KeyValue
	assignments func(types.KeyValue) types.KeyValue
}

func withHub() fixtureOption {
	return func(c *fixtureConfig) { c.withHub = true }
}

func withRequestsKV(wrap func(types.KeyValue) types.KeyValue) fixtureOption {
	return func(c *fixtureConfig) { c.requests = wrap }
}

func withAssignmentsKV(wrap func(types.KeyValue) types.KeyValue) fixtureOption {
	return func(c *fixtureConfig) { c.assignments = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	var fc fixtureConfig
	for _, opt := range opts {
		opt(&fc)
	}

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	bucket := func(name string) types.KeyValue {
		kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: name})
		require.NoError(t, err)

		return kv
	}

	f := &fixture{
		clock:     &manualClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
		handoffs:  &handoffRecorder{},
		notes:     &notify.Recorder{},
		journal:   &journalRecorder{},
		assigned:  make(chan types.ChatAssignment, 64),
		ended:     make(chan types.ChatAssignment, 64),
		expired:   make(chan types.ChatRequest, 64),
		requests:  bucket("requests"),
		customers: bucket("customers"),
		asg:       bucket("assignments"),
		operators: bucket("operators"),
	}

	if fc.withHub {
		hub, err := fanout.NewHub(fanout.Config{Sources: []fanout.Source{
			{KV: f.requests, Decode: fanout.JSON[types.ChatRequest]()},
			{KV: f.customers, Decode: fanout.JSON[types.CustomerRecord]()},
			{KV: f.asg, Decode: fanout.JSON[types.ChatAssignment]()},
			{KV: f.operators, Decode: fanout.JSON[types.OperatorStatus]()},
		}})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		require.NoError(t, hub.Start(ctx))
		t.Cleanup(hub.Stop)
		f.hub = hub
	}

	requests := f.requests
	if fc.requests != nil {
		requests = fc.requests(requests)
	}
	assignments := f.asg
	if fc.assignments != nil {
		assignments = fc.assignments(assignments)
	}

	logger := chattest.NewTestLogger(t)
	var err error
	f.reg, err = registry.New(registry.Config{KV: f.operators, Clock: f.clock.Now, Hub: f.hub, Logger: logger})
	require.NoError(t, err)
	f.q, err = queue.New(queue.Config{Requests: requests, Customers: f.customers, Clock: f.clock.Now, Hub: f.hub, Logger: logger})
	require.NoError(t, err)

	f.m, err = New(Config{
		Registry:    f.reg,
		Queue:       f.q,
		Assignments: assignments,
		Customers:   f.customers,
		Handoff:     f.handoffs,
		Notifier:    f.notes,
		Journal:     f.journal,
		Hub:         f.hub,
		Clock:       f.clock.Now,
		Logger:      logger,
		Hooks: &types.Hooks{
			OnAssigned: func(_ context.Context, a types.ChatAssignment) error {
				f.assigned <- a
				return nil
			},
			OnEnded: func(_ context.Context, a types.ChatAssignment) error {
				f.ended <- a
				return nil
			},
			OnRequestExpired: func(_ context.Context, r types.ChatRequest) error {
				f.expired <- r
				return nil
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(f.m.WaitHooks)

	return f
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) operator(t *testing.T, id string, active, maxChats int) {
	t.Helper()
	_, err := f.reg.SetStatus(t.Context(), id, types.StatusUpdate{
		Name: ptr("Operator " + id), IsOnline: ptr(true), IsAvailable: ptr(true), MaxChats: ptr(maxChats),
	})
	require.NoError(t, err)
	if active > 0 {
		_, err = f.reg.AdjustLoad(t.Context(), id, active)
		require.NoError(t, err)
	}
}

func (f *fixture) load(t *testing.T, id string) int {
	t.Helper()
	op, err := f.reg.Get(t.Context(), id)
	require.NoError(t, err)

	return op.ActiveChats
}

func (f *fixture) request(t *testing.T, customerID string) types.ChatRequest {
	t.Helper()
	req, err := f.m.RequestChat(t.Context(), customerID, "Customer "+customerID, "hello")
	require.NoError(t, err)

	return req
}

func (f *fixture) customerRecord(t *testing.T, customerID string) types.CustomerRecord {
	t.Helper()
	rec, _, _, err := f.m.customer(t.Context(), customerID)
	require.NoError(t, err)

	return rec
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}
