package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/types"
)

var bucketSeq atomic.Int64

func uniqueBucket(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, bucketSeq.Add(1))
}

// runContract exercises the behavior every StateStore backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) types.StateStore) {
	t.Helper()

	open := func(t *testing.T, ttl time.Duration) types.KeyValue {
		t.Helper()
		st := newStore(t)
		kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: uniqueBucket("contract"), TTL: ttl})
		require.NoError(t, err)

		return kv
	}

	t.Run("get missing key", func(t *testing.T) {
		kv := open(t, 0)
		_, err := kv.Get(t.Context(), "missing")
		require.ErrorIs(t, err, types.ErrKeyNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		rev1, err := kv.Put(ctx, "op.a", []byte(`{"id":"a"}`))
		require.NoError(t, err)
		rev2, err := kv.Put(ctx, "op.a", []byte(`{"id":"a","v":2}`))
		require.NoError(t, err)
		require.Greater(t, rev2, rev1)

		entry, err := kv.Get(ctx, "op.a")
		require.NoError(t, err)
		require.Equal(t, "op.a", entry.Key)
		require.Equal(t, rev2, entry.Revision)
		require.JSONEq(t, `{"id":"a","v":2}`, string(entry.Value))
	})

	t.Run("create is exclusive", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		_, err := kv.Create(ctx, "k", []byte("1"))
		require.NoError(t, err)
		_, err = kv.Create(ctx, "k", []byte("2"))
		require.ErrorIs(t, err, types.ErrKeyExists)
	})

	t.Run("update compares revision", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		rev, err := kv.Create(ctx, "k", []byte("1"))
		require.NoError(t, err)

		next, err := kv.Update(ctx, "k", []byte("2"), rev)
		require.NoError(t, err)
		require.Greater(t, next, rev)

		_, err = kv.Update(ctx, "k", []byte("3"), rev)
		require.ErrorIs(t, err, types.ErrRevisionMismatch)

		entry, err := kv.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "2", string(entry.Value))
	})

	t.Run("update with zero revision creates", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		_, err := kv.Update(ctx, "k", []byte("1"), 0)
		require.NoError(t, err)
		_, err = kv.Update(ctx, "k", []byte("2"), 0)
		require.ErrorIs(t, err, types.ErrRevisionMismatch)
	})

	t.Run("delete", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		require.NoError(t, kv.Delete(ctx, "never-written"))

		_, err := kv.Put(ctx, "k", []byte("1"))
		require.NoError(t, err)
		require.NoError(t, kv.Delete(ctx, "k"))

		_, err = kv.Get(ctx, "k")
		require.ErrorIs(t, err, types.ErrKeyNotFound)

		_, err = kv.Create(ctx, "k", []byte("again"))
		require.NoError(t, err)
	})

	t.Run("keys", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		keys, err := kv.Keys(ctx)
		require.NoError(t, err)
		require.NotNil(t, keys)
		require.Empty(t, keys)

		for _, k := range []string{"a", "b", "c"} {
			_, err := kv.Put(ctx, k, []byte(k))
			require.NoError(t, err)
		}
		require.NoError(t, kv.Delete(ctx, "b"))

		keys, err = kv.Keys(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"a", "c"}, keys)
	})

	t.Run("concurrent compare-and-swap has one winner", func(t *testing.T) {
		kv := open(t, 0)
		ctx := t.Context()

		rev, err := kv.Create(ctx, "load", []byte("0"))
		require.NoError(t, err)

		const writers = 10
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := range writers {
			wg.Go(func() {
				_, err := kv.Update(ctx, "load", fmt.Appendf(nil, "%d", i), rev)
				if err == nil {
					wins.Add(1)
				}
			})
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
	})

	t.Run("watch replays then streams", func(t *testing.T) {
		kv := open(t, 0)
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		defer cancel()

		_, err := kv.Put(ctx, "a", []byte("1"))
		require.NoError(t, err)

		w, err := kv.Watch(ctx)
		require.NoError(t, err)
		defer func() { _ = w.Stop() }()

		next := func() *types.Entry {
			select {
			case e, ok := <-w.Updates():
				require.True(t, ok, "watcher closed early")
				return e
			case <-ctx.Done():
				t.Fatal("timed out waiting for watch entry")
				return nil
			}
		}

		first := next()
		require.NotNil(t, first)
		require.Equal(t, "a", first.Key)
		require.Equal(t, types.EntryPut, first.Op)
		require.Nil(t, next(), "replay must end with a nil marker")

		_, err = kv.Put(ctx, "b", []byte("2"))
		require.NoError(t, err)
		put := next()
		require.Equal(t, "b", put.Key)
		require.Equal(t, "2", string(put.Value))

		require.NoError(t, kv.Delete(ctx, "a"))
		del := next()
		require.Equal(t, "a", del.Key)
		require.Equal(t, types.EntryDelete, del.Op)
	})

	t.Run("stopped watcher closes its channel", func(t *testing.T) {
		kv := open(t, 0)

		w, err := kv.Watch(t.Context())
		require.NoError(t, err)
		require.NoError(t, w.Stop())

		require.Eventually(t, func() bool {
			select {
			case _, ok := <-w.Updates():
				return !ok
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("ttl expires keys", func(t *testing.T) {
		kv := open(t, time.Second)
		ctx := t.Context()

		_, err := kv.Put(ctx, "op.a", []byte("hb"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := kv.Get(ctx, "op.a")
			return err != nil
		}, 10*time.Second, 100*time.Millisecond)
	})
}
