package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/types"
)

func newMemoryStore(t *testing.T) types.StateStore {
	t.Helper()
	st := NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func TestMemory_Contract(t *testing.T) {
	runContract(t, newMemoryStore)
}

func TestMemory_BucketReuse(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	a, err := st.Bucket(t.Context(), types.BucketConfig{Name: "ops"})
	require.NoError(t, err)
	b, err := st.Bucket(t.Context(), types.BucketConfig{Name: "ops"})
	require.NoError(t, err)

	_, err = a.Put(t.Context(), "k", []byte("v"))
	require.NoError(t, err)
	entry, err := b.Get(t.Context(), "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(entry.Value))
}

func TestMemory_EmptyBucketName(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	_, err := st.Bucket(t.Context(), types.BucketConfig{})
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestMemory_ClosedStore(t *testing.T) {
	st := NewMemory()
	kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: "ops"})
	require.NoError(t, err)

	w, err := kv.Watch(t.Context())
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err = kv.Get(t.Context(), "k")
	require.ErrorIs(t, err, types.ErrStoreUnavailable)
	_, err = st.Bucket(t.Context(), types.BucketConfig{Name: "other"})
	require.ErrorIs(t, err, types.ErrStoreUnavailable)

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-w.Updates():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestMemory_ExpiryNotifiesWatchers(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: "presence", TTL: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	w, err := kv.Watch(ctx)
	require.NoError(t, err)
	defer w.Stop()
	require.Nil(t, <-w.Updates())

	_, err = kv.Put(ctx, "op.a", []byte("hb"))
	require.NoError(t, err)
	require.Equal(t, types.EntryPut, (<-w.Updates()).Op)

	select {
	case e := <-w.Updates():
		require.Equal(t, "op.a", e.Key)
		require.Equal(t, types.EntryDelete, e.Op)
	case <-ctx.Done():
		t.Fatal("expiry was not delivered")
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	st := NewMemory()
	defer st.Close()

	kv, err := st.Bucket(t.Context(), types.BucketConfig{Name: "ops"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err = kv.Put(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, context.Canceled)
}
