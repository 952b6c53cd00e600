package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/internal/lifecycle"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/internal/registry"
	"github.com/arloliu/chatroute/store"
	chattest "github.com/arloliu/chatroute/testing"
	"github.com/arloliu/chatroute/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLifecycle struct {
	expires    atomic.Int32
	reconciles atomic.Int32
	assigns    atomic.Int32
}

func (f *fakeLifecycle) ExpireWaiting(context.Context, time.Duration) ([]types.ChatRequest, error) {
	f.expires.Add(1)
	return nil, nil
}

func (f *fakeLifecycle) AutoAssign(context.Context, string) (*types.ChatAssignment, error) {
	f.assigns.Add(1)
	return nil, nil
}

func (f *fakeLifecycle) Reconcile(context.Context) (lifecycle.ReconcileResult, error) {
	f.reconciles.Add(1)
	return lifecycle.ReconcileResult{}, nil
}

type fakeQueue struct {
	calls   atomic.Int32
	pending []types.ChatRequest
}

func (q *fakeQueue) Pending(context.Context) ([]types.ChatRequest, error) {
	q.calls.Add(1)
	return q.pending, nil
}

type stack struct {
	clock *clock
	reg   *registry.Registry
	m     *lifecycle.Manager
	q     *queue.Queue
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	bucket := func(name string) types.KeyValue {
		kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: name})
		require.NoError(t, err)

		return kv
	}
	requests, customers := bucket("requests"), bucket("customers")

	s := &stack{clock: &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}}
	logger := chattest.NewTestLogger(t)

	var err error
	s.reg, err = registry.New(registry.Config{KV: bucket("operators"), Clock: s.clock.Now, Logger: logger})
	require.NoError(t, err)
	s.q, err = queue.New(queue.Config{Requests: requests, Customers: customers, Clock: s.clock.Now, Logger: logger})
	require.NoError(t, err)
	s.m, err = lifecycle.New(lifecycle.Config{
		Registry:    s.reg,
		Queue:       s.q,
		Assignments: bucket("assignments"),
		Customers:   customers,
		Clock:       s.clock.Now,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(s.m.WaitHooks)

	return s
}

func (s *stack) operator(t *testing.T, id string, maxChats int) {
	t.Helper()
	online, available := true, true
	_, err := s.reg.SetStatus(t.Context(), id, types.StatusUpdate{
		IsOnline: &online, IsAvailable: &available, MaxChats: &maxChats,
	})
	require.NoError(t, err)
}

func (s *stack) status(t *testing.T, customerID string) types.RequestStatus {
	t.Helper()
	view, err := s.m.CustomerView(t.Context(), customerID)
	require.NoError(t, err)
	require.NotNil(t, view.Request)

	return view.Request.Status
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Lifecycle: &fakeLifecycle{}})
	require.Error(t, err)

	_, err = New(Config{Lifecycle: &fakeLifecycle{}, Queue: &fakeQueue{}, RequestTTL: -time.Second})
	require.Error(t, err)
}

func TestRunOnce_DispatchesOldestFirst(t *testing.T) {
	s := newStack(t)
	s.operator(t, "op1", 1)
	s.operator(t, "op2", 1)

	for _, c := range []string{"c1", "c2", "c3"} {
		_, err := s.m.RequestChat(t.Context(), c, c, "hi")
		require.NoError(t, err)
		s.clock.Advance(time.Second)
	}

	d, err := New(Config{Lifecycle: s.m, Queue: s.q, AutoDispatch: true, Clock: s.clock.Now})
	require.NoError(t, err)

	res, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, res.Assigned)
	require.Zero(t, res.Expired)
	require.True(t, res.Reconciled)

	require.Equal(t, types.RequestAssigned, s.status(t, "c1"))
	require.Equal(t, types.RequestAssigned, s.status(t, "c2"))
	require.Equal(t, types.RequestWaiting, s.status(t, "c3"))

	res, err = d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, res.Assigned)
}

func TestRunOnce_ExpiresStaleRequests(t *testing.T) {
	s := newStack(t)
	_, err := s.m.RequestChat(t.Context(), "old", "Old", "hi")
	require.NoError(t, err)
	s.clock.Advance(9 * time.Minute)
	_, err = s.m.RequestChat(t.Context(), "new", "New", "hi")
	require.NoError(t, err)
	s.clock.Advance(2 * time.Minute)

	d, err := New(Config{Lifecycle: s.m, Queue: s.q, RequestTTL: 10 * time.Minute, Clock: s.clock.Now})
	require.NoError(t, err)

	res, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.Equal(t, types.RequestRejected, s.status(t, "old"))
	require.Equal(t, types.RequestWaiting, s.status(t, "new"))
}

func TestRunOnce_ReconcileInterval(t *testing.T) {
	c := &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	lc := &fakeLifecycle{}
	d, err := New(Config{Lifecycle: lc, Queue: &fakeQueue{}, ReconcileInterval: 30 * time.Second, Clock: c.Now})
	require.NoError(t, err)

	for range 3 {
		_, err := d.RunOnce(t.Context())
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), lc.reconciles.Load())
	require.Zero(t, lc.expires.Load(), "zero TTL disables expiry")

	c.Advance(30 * time.Second)
	res, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.True(t, res.Reconciled)
	require.Equal(t, int32(2), lc.reconciles.Load())
}

func TestRunOnce_StopsWhenNobodyCanTakeAChat(t *testing.T) {
	lc := &fakeLifecycle{}
	q := &fakeQueue{pending: []types.ChatRequest{
		{ID: "r1", CustomerID: "c1", Status: types.RequestWaiting},
		{ID: "r2", CustomerID: "c2", Status: types.RequestWaiting},
	}}
	d, err := New(Config{Lifecycle: lc, Queue: q, AutoDispatch: true})
	require.NoError(t, err)

	res, err := d.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, res.Assigned)
	require.Equal(t, int32(1), lc.assigns.Load())
}

func TestDispatcher_NotifyTriggersPass(t *testing.T) {
	q := &fakeQueue{}
	d, err := New(Config{Lifecycle: &fakeLifecycle{}, Queue: q, AutoDispatch: true, Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, d.Start(t.Context()))
	t.Cleanup(func() { _ = d.Stop() })

	require.Eventually(t, func() bool { return q.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.Notify()
	d.Notify()
	require.Eventually(t, func() bool { return q.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d, err := New(Config{Lifecycle: &fakeLifecycle{}, Queue: &fakeQueue{}, Interval: time.Hour})
	require.NoError(t, err)

	require.ErrorIs(t, d.Stop(), ErrNotStarted)
	require.NoError(t, d.Start(t.Context()))
	require.ErrorIs(t, d.Start(t.Context()), ErrAlreadyStarted)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.ErrorIs(t, d.Start(t.Context()), ErrStopped)
}
