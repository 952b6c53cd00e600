package kvutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	chattest "github.com/arloliu/chatroute/testing"
	"github.com/arloliu/chatroute/types"
)

func TestKeyValueConfig(t *testing.T) {
	cfg := KeyValueConfig(types.BucketConfig{Name: "presence", TTL: 3 * time.Second, Description: "presence keys"})

	require.Equal(t, "presence", cfg.Bucket)
	require.Equal(t, 3*time.Second, cfg.TTL)
	require.Equal(t, "presence keys", cfg.Description)
	require.Equal(t, uint8(1), cfg.History)
}

func TestEnsureKVBucketWithRetry_Concurrent(t *testing.T) {
	_, nc := chattest.StartEmbeddedNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	const instances = 8
	cfg := KeyValueConfig(types.BucketConfig{Name: "chat-operators"})

	var wg sync.WaitGroup
	errs := make(chan error, instances)
	for range instances {
		wg.Go(func() {
			kv, err := EnsureKVBucketWithRetry(ctx, js, cfg, 5)
			if err != nil {
				errs <- err
				return
			}
			if kv.Bucket() != cfg.Bucket {
				errs <- err
			}
		})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	require.NoError(t, err)

	_, err = kv.Put(ctx, "op.a", []byte("{}"))
	require.NoError(t, err)
}

func TestEnsureKVBucketWithRetry_CancelledContext(t *testing.T) {
	_, nc := chattest.StartEmbeddedNATS(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = EnsureKVBucketWithRetry(ctx, js, KeyValueConfig(types.BucketConfig{Name: "never"}), 3)
	require.Error(t, err)
}
