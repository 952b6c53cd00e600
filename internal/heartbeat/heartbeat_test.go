package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/registry"
	"github.com/arloliu/chatroute/store"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type env struct {
	presence types.KeyValue
	reg      *registry.Registry
	clock    *clock
}

func setup(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	ops, err := st.Bucket(t.Context(), types.BucketConfig{Name: "operators"})
	require.NoError(t, err)
	presence, err := st.Bucket(t.Context(), types.BucketConfig{Name: "presence"})
	require.NoError(t, err)

	c := &clock{now: time.Now()}
	reg, err := registry.New(registry.Config{KV: ops, Clock: c.Now})
	require.NoError(t, err)

	return &env{presence: presence, reg: reg, clock: c}
}

func (e *env) onlineAt(t *testing.T, id string, at time.Time) {
	t.Helper()
	e.clock.Set(at)
	_, err := e.reg.SetStatus(t.Context(), id, types.Online(true))
	require.NoError(t, err)
	e.clock.Set(time.Now())
}

func (e *env) isOnline(t *testing.T, id string) bool {
	t.Helper()
	op, err := e.reg.Get(t.Context(), id)
	require.NoError(t, err)

	return op.IsOnline
}

func TestKey(t *testing.T) {
	require.Equal(t, "op.alice.tab-1", Key("alice", "tab-1"))
	require.Equal(t, "op.a=2Eb.s=2F1", Key("a.b", "s/1"))

	op, ok := operatorKey(Key("a.b", "s/1"))
	require.True(t, ok)
	require.Equal(t, kvjson.Key(KeyPrefix, "a.b"), op)

	_, ok = operatorKey("other.key")
	require.False(t, ok)
	_, ok = operatorKey("op")
	require.False(t, ok)
}

func TestPublisher_Start(t *testing.T) {
	t.Run("publishes and marks operator online", func(t *testing.T) {
		e := setup(t)
		p := New(e.presence, e.reg, "alice", "tab-1", time.Second)

		require.NoError(t, p.Start(t.Context()))
		require.True(t, p.IsStarted())
		require.True(t, e.isOnline(t, "alice"))

		beat, _, err := kvjson.Load[Beat](t.Context(), e.presence, p.Key())
		require.NoError(t, err)
		require.Equal(t, "alice", beat.OperatorID)
		require.Equal(t, "tab-1", beat.Session)

		require.NoError(t, p.Stop())
		_, err = e.presence.Get(t.Context(), p.Key())
		require.ErrorIs(t, err, types.ErrKeyNotFound)
		require.True(t, e.isOnline(t, "alice"), "stop leaves expiry to the monitor")
	})

	t.Run("lifecycle errors", func(t *testing.T) {
		e := setup(t)

		require.ErrorIs(t, New(e.presence, e.reg, "", "s", time.Second).Start(t.Context()), ErrNoOperatorID)

		p := New(e.presence, e.reg, "alice", "s", time.Second)
		require.ErrorIs(t, p.Stop(), ErrNotStarted)
		require.NoError(t, p.Start(t.Context()))
		require.ErrorIs(t, p.Start(t.Context()), ErrAlreadyStarted)
		require.NoError(t, p.Stop())
		require.ErrorIs(t, p.Stop(), ErrNotStarted)
		require.ErrorIs(t, p.Start(t.Context()), ErrStopped)
	})

	t.Run("refreshes the key every interval", func(t *testing.T) {
		e := setup(t)
		p := New(e.presence, e.reg, "alice", "s", 20*time.Millisecond)
		require.NoError(t, p.Start(t.Context()))
		t.Cleanup(func() { _ = p.Stop() })

		first, err := e.presence.Get(t.Context(), p.Key())
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			cur, err := e.presence.Get(t.Context(), p.Key())
			return err == nil && cur.Revision > first.Revision
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestMonitor_Sweep(t *testing.T) {
	ttl := 5 * time.Second
	e := setup(t)
	stale := time.Now().Add(-time.Minute)

	e.onlineAt(t, "gone", stale)
	e.onlineAt(t, "connected", stale)
	e.onlineAt(t, "fresh", time.Now())
	_, err := e.reg.SetStatus(t.Context(), "offline", types.Online(false))
	require.NoError(t, err)

	_, err = kvjson.Put(t.Context(), e.presence, Key("connected", "s1"), Beat{OperatorID: "connected"})
	require.NoError(t, err)

	m := NewMonitor(e.presence, e.reg, ttl, nil)
	expired, err := m.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"gone"}, expired)

	require.False(t, e.isOnline(t, "gone"))
	require.True(t, e.isOnline(t, "connected"))
	require.True(t, e.isOnline(t, "fresh"))

	expired, err = m.Sweep(t.Context())
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestMonitor_ExpiresAfterSessionEnds(t *testing.T) {
	ttl := 200 * time.Millisecond
	e := setup(t)

	p := New(e.presence, e.reg, "alice", "tab", time.Hour)
	require.NoError(t, p.Start(t.Context()))

	m := NewMonitor(e.presence, e.reg, ttl, nil)
	require.NoError(t, m.Start(t.Context()))
	t.Cleanup(func() { _ = m.Stop() })

	time.Sleep(2 * ttl)
	require.True(t, e.isOnline(t, "alice"), "a live session keeps the operator online")

	require.NoError(t, p.Stop())
	require.Eventually(t, func() bool {
		op, err := e.reg.Get(t.Context(), "alice")
		return err == nil && !op.IsOnline
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMonitor_Lifecycle(t *testing.T) {
	e := setup(t)
	m := NewMonitor(e.presence, e.reg, time.Second, nil)

	require.ErrorIs(t, m.Stop(), ErrNotStarted)
	require.NoError(t, m.Start(t.Context()))
	require.ErrorIs(t, m.Start(t.Context()), ErrAlreadyStarted)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	require.ErrorIs(t, m.Start(t.Context()), ErrStopped)
}
