package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/store"
	"github.com/arloliu/chatroute/types"
)

func ptr[T any](v T) *T { return &v }

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: "operators"})
	require.NoError(t, err)

	reg, err := New(Config{KV: kv, DefaultMaxChats: 3})
	require.NoError(t, err)

	return reg
}

func online(t *testing.T, reg *Registry, id string, maxChats int) {
	t.Helper()
	_, err := reg.SetStatus(t.Context(), id, types.StatusUpdate{
		IsOnline: ptr(true), IsAvailable: ptr(true), MaxChats: ptr(maxChats),
	})
	require.NoError(t, err)
}

func TestNew_RequiresKV(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestSetStatus(t *testing.T) {
	t.Run("creates with defaults", func(t *testing.T) {
		reg := newRegistry(t)
		op, err := reg.SetStatus(t.Context(), "alice", types.StatusUpdate{Name: ptr("Alice")})
		require.NoError(t, err)

		require.Equal(t, "alice", op.ID)
		require.Equal(t, "Alice", op.Name)
		require.Equal(t, 3, op.MaxChats)
		require.False(t, op.IsOnline)
		require.False(t, op.RegisteredAt.IsZero())
		require.False(t, op.LastSeen.IsZero())
	})

	t.Run("partial update keeps other fields", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 5)

		op, err := reg.SetStatus(t.Context(), "alice", types.StatusUpdate{IsAvailable: ptr(false)})
		require.NoError(t, err)
		require.True(t, op.IsOnline)
		require.False(t, op.IsAvailable)
		require.Equal(t, 5, op.MaxChats)
	})

	t.Run("preserves active chats", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 5)
		_, err := reg.AdjustLoad(t.Context(), "alice", 2)
		require.NoError(t, err)

		op, err := reg.SetStatus(t.Context(), "alice", types.Online(false))
		require.NoError(t, err)
		require.Equal(t, 2, op.ActiveChats)
	})

	t.Run("rejects negative max chats", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.SetStatus(t.Context(), "alice", types.StatusUpdate{MaxChats: ptr(-1)})
		require.ErrorIs(t, err, types.ErrInvalidArgument)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.SetStatus(t.Context(), "", types.Online(true))
		require.ErrorIs(t, err, types.ErrInvalidArgument)
	})

	t.Run("registered at survives updates", func(t *testing.T) {
		reg := newRegistry(t)
		first, err := reg.SetStatus(t.Context(), "alice", types.Online(true))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		second, err := reg.SetStatus(t.Context(), "alice", types.Online(false))
		require.NoError(t, err)

		require.True(t, first.RegisteredAt.Equal(second.RegisteredAt))
		require.True(t, second.LastSeen.After(first.LastSeen))
	})
}

func TestAdjustLoad(t *testing.T) {
	t.Run("missing operator", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.AdjustLoad(t.Context(), "ghost", 1)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("clamps at zero", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 2)

		op, err := reg.AdjustLoad(t.Context(), "alice", -1)
		require.NoError(t, err)
		require.Equal(t, 0, op.ActiveChats)
	})

	t.Run("concurrent adjustments are conserved", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 100)

		var wg sync.WaitGroup
		for range 30 {
			wg.Go(func() {
				_, err := reg.AdjustLoad(t.Context(), "alice", 1)
				require.NoError(t, err)
			})
		}
		for range 10 {
			wg.Go(func() {
				_, err := reg.SetStatus(t.Context(), "alice", types.Online(true))
				require.NoError(t, err)
			})
		}
		wg.Wait()

		op, err := reg.Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, 30, op.ActiveChats)
	})
}

func TestReserve(t *testing.T) {
	t.Run("respects capacity under concurrency", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 2)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			full int
		)
		for range 10 {
			wg.Go(func() {
				_, err := reg.Reserve(t.Context(), "alice")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				default:
					require.ErrorIs(t, err, types.ErrCapacityExceeded)
					full++
				}
			})
		}
		wg.Wait()

		require.Equal(t, 2, wins)
		require.Equal(t, 8, full)

		op, err := reg.Get(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, 2, op.ActiveChats)
	})

	t.Run("unavailable operator", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 2)
		_, err := reg.SetStatus(t.Context(), "alice", types.StatusUpdate{IsAvailable: ptr(false)})
		require.NoError(t, err)

		_, err = reg.Reserve(t.Context(), "alice")
		require.ErrorIs(t, err, types.ErrOperatorUnavailable)
	})

	t.Run("missing operator", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.Reserve(t.Context(), "ghost")
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestCheckAssignable(t *testing.T) {
	reg := newRegistry(t)
	online(t, reg, "alice", 1)

	_, err := reg.CheckAssignable(t.Context(), "alice")
	require.NoError(t, err)

	_, err = reg.Reserve(t.Context(), "alice")
	require.NoError(t, err)
	_, err = reg.CheckAssignable(t.Context(), "alice")
	require.ErrorIs(t, err, types.ErrCapacityExceeded)

	_, err = reg.CheckAssignable(t.Context(), "ghost")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestSetLoad(t *testing.T) {
	reg := newRegistry(t)
	online(t, reg, "alice", 5)
	_, err := reg.AdjustLoad(t.Context(), "alice", 3)
	require.NoError(t, err)

	applied, err := reg.SetLoad(t.Context(), "alice", 3, 1)
	require.NoError(t, err)
	require.True(t, applied)

	// Already at the target.
	applied, err = reg.SetLoad(t.Context(), "alice", 1, 1)
	require.NoError(t, err)
	require.False(t, applied)

	// Stale expectation leaves the record alone.
	applied, err = reg.SetLoad(t.Context(), "alice", 3, 0)
	require.NoError(t, err)
	require.False(t, applied)

	op, err := reg.Get(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, op.ActiveChats)

	_, err = reg.SetLoad(t.Context(), "ghost", 0, 1)
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = reg.SetLoad(t.Context(), "alice", 1, -1)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestSnapshot_Order(t *testing.T) {
	reg := newRegistry(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Write records directly to control RegisteredAt.
	records := []types.OperatorStatus{
		{ID: "c", RegisteredAt: base, MaxChats: 1},
		{ID: "a", RegisteredAt: base.Add(time.Second), MaxChats: 1},
		{ID: "b", RegisteredAt: base, MaxChats: 1},
	}
	for _, rec := range records {
		_, err := kvjson.Put(t.Context(), reg.KV(), kvjson.Key(KeyPrefix, rec.ID), rec)
		require.NoError(t, err)
	}

	ops, err := reg.Snapshot(t.Context())
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, "b", ops[0].ID)
	require.Equal(t, "c", ops[1].ID)
	require.Equal(t, "a", ops[2].ID)
}

func TestFormatLoad(t *testing.T) {
	require.Equal(t, "1/5", FormatLoad(types.OperatorStatus{ActiveChats: 1, MaxChats: 5}))
}

func TestWatchOperators(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: "operators"})
	require.NoError(t, err)

	hub, err := fanout.NewHub(fanout.Config{Sources: []fanout.Source{
		{KV: kv, Decode: fanout.JSON[types.OperatorStatus]()},
	}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Start(ctx))
	t.Cleanup(hub.Stop)

	reg, err := New(Config{KV: kv, Hub: hub})
	require.NoError(t, err)

	sub, err := reg.WatchOperators(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	next := func() []types.OperatorStatus {
		select {
		case ops := <-sub.C():
			return ops
		case <-time.After(5 * time.Second):
			t.Fatal("no roster")
			return nil
		}
	}
	require.Empty(t, next())

	online(t, reg, "alice", 2)
	for {
		ops := next()
		if len(ops) == 1 {
			require.Equal(t, "alice", ops[0].ID)
			require.True(t, ops[0].IsAssignable())
			break
		}
	}

	noHub, err := New(Config{KV: kv})
	require.NoError(t, err)
	_, err = noHub.WatchOperators(t.Context())
	require.Error(t, err)
}

func TestMarkOffline(t *testing.T) {
	t.Run("stale operator goes offline", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 2)
		_, err := reg.AdjustLoad(t.Context(), "alice", 1)
		require.NoError(t, err)

		changed, err := reg.MarkOffline(t.Context(), "alice", time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.True(t, changed)

		op, err := reg.Get(t.Context(), "alice")
		require.NoError(t, err)
		require.False(t, op.IsOnline)
		require.True(t, op.IsAvailable)
		require.Equal(t, 1, op.ActiveChats)
	})

	t.Run("fresh operator stays online", func(t *testing.T) {
		reg := newRegistry(t)
		online(t, reg, "alice", 2)

		changed, err := reg.MarkOffline(t.Context(), "alice", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.False(t, changed)

		op, err := reg.Get(t.Context(), "alice")
		require.NoError(t, err)
		require.True(t, op.IsOnline)
	})

	t.Run("offline or unknown operator is a no-op", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.SetStatus(t.Context(), "bob", types.Online(false))
		require.NoError(t, err)

		changed, err := reg.MarkOffline(t.Context(), "bob", time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.False(t, changed)

		changed, err = reg.MarkOffline(t.Context(), "nobody", time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.False(t, changed)
	})
}
