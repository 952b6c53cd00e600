package store

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/chatroute/types"
)

// Instrument wraps a store so every bucket operation reports its latency.
//
// Expected outcomes (missing key, existing key, stale revision) are not counted
// as failures.
func Instrument(st types.StateStore, metrics types.MetricsCollector) types.StateStore {
	if metrics == nil {
		return st
	}

	return &instrumentedStore{StateStore: st, metrics: metrics}
}

type instrumentedStore struct {
	types.StateStore
	metrics types.MetricsCollector
}

func (s *instrumentedStore) Bucket(ctx context.Context, cfg types.BucketConfig) (types.KeyValue, error) {
	kv, err := s.StateStore.Bucket(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &instrumentedBucket{KeyValue: kv, metrics: s.metrics}, nil
}

type instrumentedBucket struct {
	types.KeyValue
	metrics types.MetricsCollector
}

func (b *instrumentedBucket) observe(op string, start time.Time, err error) {
	failed := err != nil &&
		!errors.Is(err, types.ErrKeyNotFound) &&
		!errors.Is(err, types.ErrKeyExists) &&
		!errors.Is(err, types.ErrRevisionMismatch)
	b.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), failed)
}

func (b *instrumentedBucket) Get(ctx context.Context, key string) (types.Entry, error) {
	start := time.Now()
	e, err := b.KeyValue.Get(ctx, key)
	b.observe("get", start, err)

	return e, err
}

func (b *instrumentedBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	start := time.Now()
	rev, err := b.KeyValue.Put(ctx, key, value)
	b.observe("put", start, err)

	return rev, err
}

func (b *instrumentedBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	start := time.Now()
	rev, err := b.KeyValue.Create(ctx, key, value)
	b.observe("create", start, err)

	return rev, err
}

func (b *instrumentedBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	start := time.Now()
	rev, err := b.KeyValue.Update(ctx, key, value, revision)
	b.observe("update", start, err)
	if errors.Is(err, types.ErrRevisionMismatch) {
		b.metrics.RecordCASRetry(b.Name())
	}

	return rev, err
}

func (b *instrumentedBucket) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := b.KeyValue.Delete(ctx, key)
	b.observe("delete", start, err)

	return err
}

func (b *instrumentedBucket) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := b.KeyValue.Keys(ctx)
	b.observe("keys", start, err)

	return keys, err
}
