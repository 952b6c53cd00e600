package kvjson

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/store"
	"github.com/arloliu/chatroute/types"
)

type counter struct {
	N int `json:"n"`
}

func newBucket(t *testing.T) types.KeyValue {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: "kvjson"})
	require.NoError(t, err)

	return kv
}

func TestKey(t *testing.T) {
	require.Equal(t, "op.alice", Key("op", "alice"))
	require.Equal(t, "op.a-b_c9", Key("op", "a-b_c9"))
	require.Equal(t, "op.alice=40example=2Ecom", Key("op", "alice@example.com"))
	require.Equal(t, "op.=3D", Key("op", "="))
	require.NotEqual(t, Key("op", "a.b"), Key("op", "a=2Eb"))
}

func TestLoadAndCreate(t *testing.T) {
	kv := newBucket(t)
	ctx := t.Context()

	_, _, err := Load[counter](ctx, kv, "c.x")
	require.ErrorIs(t, err, types.ErrKeyNotFound)

	rev, err := Create(ctx, kv, "c.x", counter{N: 3})
	require.NoError(t, err)

	v, gotRev, err := Load[counter](ctx, kv, "c.x")
	require.NoError(t, err)
	require.Equal(t, 3, v.N)
	require.Equal(t, rev, gotRev)
}

func TestMutate_ConcurrentIncrements(t *testing.T) {
	kv := newBucket(t)
	ctx := t.Context()

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			_, _, err := Mutate(ctx, kv, "c.load", 100, nil, func(cur counter, _ bool) (counter, error) {
				cur.N++
				return cur, nil
			})
			require.NoError(t, err)
		})
	}
	wg.Wait()

	v, _, err := Load[counter](ctx, kv, "c.load")
	require.NoError(t, err)
	require.Equal(t, workers, v.N)
}

func TestMutate_Abort(t *testing.T) {
	kv := newBucket(t)
	ctx := t.Context()

	_, err := Create(ctx, kv, "c.x", counter{N: 1})
	require.NoError(t, err)

	cur, _, err := Mutate(ctx, kv, "c.x", 3, nil, func(cur counter, _ bool) (counter, error) {
		return cur, ErrAbort
	})
	require.ErrorIs(t, err, ErrAbort)
	require.Equal(t, 1, cur.N)
}

// conflictingKV fails every Update with a revision mismatch.
type conflictingKV struct {
	types.KeyValue
}

func (c conflictingKV) Update(context.Context, string, []byte, uint64) (uint64, error) {
	return 0, types.ErrRevisionMismatch
}

func TestMutate_ExhaustsRetries(t *testing.T) {
	kv := newBucket(t)
	ctx := t.Context()
	_, err := Create(ctx, kv, "c.x", counter{})
	require.NoError(t, err)

	var retries atomic.Int32
	_, _, err = Mutate(ctx, conflictingKV{kv}, "c.x", 2, func() { retries.Add(1) }, func(cur counter, _ bool) (counter, error) {
		cur.N++
		return cur, nil
	})
	require.ErrorIs(t, err, types.ErrConflict)
	require.Equal(t, int32(3), retries.Load())
}

func TestLoadAll(t *testing.T) {
	kv := newBucket(t)
	ctx := t.Context()

	_, err := Put(ctx, kv, Key("c", "a"), counter{N: 1})
	require.NoError(t, err)
	_, err = Put(ctx, kv, Key("c", "b"), counter{N: 2})
	require.NoError(t, err)
	_, err = Put(ctx, kv, Key("other", "z"), counter{N: 9})
	require.NoError(t, err)

	all, err := LoadAll[counter](ctx, kv, "c")
	require.NoError(t, err)
	require.ElementsMatch(t, []counter{{N: 1}, {N: 2}}, all)
}

func TestRetry(t *testing.T) {
	cfg := ReadRetry{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("transient then success", func(t *testing.T) {
		var calls int
		err := Retry(t.Context(), cfg, func() error {
			calls++
			if calls < 3 {
				return types.ErrStoreUnavailable
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("non-transient stops immediately", func(t *testing.T) {
		var calls int
		boom := errors.New("boom")
		err := Retry(t.Context(), cfg, func() error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, calls)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		var calls int
		err := Retry(t.Context(), cfg, func() error {
			calls++
			return types.ErrStoreUnavailable
		})
		require.ErrorIs(t, err, types.ErrStoreUnavailable)
		require.Equal(t, 4, calls)
	})
}
