// Package kvutil opens JetStream KeyValue buckets for the NATS state store.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/chatroute/types"
)

// DefaultOpenRetries is the attempt budget used when callers pass zero.
const DefaultOpenRetries = 3

// KeyValueConfig converts a backend-neutral bucket description into a
// JetStream KV configuration keeping a single revision per key.
func KeyValueConfig(cfg types.BucketConfig) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{
		Bucket:      cfg.Name,
		Description: cfg.Description,
		TTL:         cfg.TTL,
		History:     1,
	}
}

// EnsureKVBucketWithRetry creates or opens a KV bucket, retrying transient failures.
//
// Several engine instances start concurrently against the same cluster, so
// creation races are expected: ErrBucketExists falls back to opening the bucket.
// Attempts back off exponentially from 10ms.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (DefaultOpenRetries when <= 0)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: The last error once all attempts are exhausted
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultOpenRetries
	}

	var lastErr error
	for attempt := range maxRetries {
		kv, err := openOrCreate(ctx, js, config)
		if err == nil {
			return kv, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("open bucket %s: %w", config.Bucket, ctx.Err())
		}
		if attempt == maxRetries-1 {
			break
		}

		backoff := time.Duration(10<<attempt) * time.Millisecond //nolint:gosec // attempt is bounded by maxRetries
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("open bucket %s after %d attempts: %w", config.Bucket, maxRetries, lastErr)
}

func openOrCreate(ctx context.Context, js jetstream.JetStream, config jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.CreateKeyValue(ctx, config)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketExists) {
		return nil, err
	}

	kv, err = js.KeyValue(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists but failed to open: %w", err)
	}

	return kv, nil
}
