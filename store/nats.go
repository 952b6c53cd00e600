package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/chatroute/internal/kvutil"
	"github.com/arloliu/chatroute/internal/natsutil"
	"github.com/arloliu/chatroute/types"
)

// NATS is a StateStore backed by JetStream KeyValue buckets.
//
// Each logical bucket maps to one KV bucket holding a single revision per key.
// The connection is owned by the caller and is not closed by Close.
type NATS struct {
	js          jetstream.JetStream
	openRetries int

	mu      sync.Mutex
	buckets map[string]*natsBucket
}

var _ types.StateStore = (*NATS)(nil)

// NewNATS creates a JetStream-backed store on an existing connection.
//
// Parameters:
//   - nc: Connected NATS client with JetStream enabled on the server
//
// Returns:
//   - *NATS: The store
//   - error: Failure to create the JetStream context
func NewNATS(nc *nats.Conn) (*NATS, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is nil: %w", types.ErrInvalidArgument)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATS{
		js:          js,
		openRetries: kvutil.DefaultOpenRetries,
		buckets:     make(map[string]*natsBucket),
	}, nil
}

// Bucket creates or opens the KV bucket described by cfg.
func (s *NATS) Bucket(ctx context.Context, cfg types.BucketConfig) (types.KeyValue, error) {
	if cfg.Name == "" {
		return nil, types.ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[cfg.Name]; ok {
		return b, nil
	}

	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, s.js, kvutil.KeyValueConfig(cfg), s.openRetries)
	if err != nil {
		return nil, natsutil.MapKVError("open bucket", err)
	}

	b := &natsBucket{name: cfg.Name, kv: kv}
	s.buckets[cfg.Name] = b

	return b, nil
}

// Close forgets opened bucket handles. The NATS connection stays open.
func (s *NATS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.buckets)

	return nil
}

type natsBucket struct {
	name string
	kv   jetstream.KeyValue
}

var _ types.KeyValue = (*natsBucket)(nil)

func (b *natsBucket) Name() string { return b.name }

func (b *natsBucket) Get(ctx context.Context, key string) (types.Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return types.Entry{}, natsutil.MapKVError("get "+key, err)
	}

	return toEntry(entry), nil
}

func (b *natsBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, natsutil.MapKVError("put "+key, err)
	}

	return rev, nil
}

func (b *natsBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		return 0, natsutil.MapKVError("create "+key, err)
	}

	return rev, nil
}

func (b *natsBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if revision == 0 {
		rev, err := b.Create(ctx, key, value)
		if errors.Is(err, types.ErrKeyExists) {
			return 0, types.ErrRevisionMismatch
		}

		return rev, err
	}

	rev, err := b.kv.Update(ctx, key, value, revision)
	if err != nil {
		mapped := natsutil.MapKVError("update "+key, err)
		if errors.Is(mapped, types.ErrKeyNotFound) || errors.Is(mapped, types.ErrKeyExists) {
			return 0, types.ErrRevisionMismatch
		}

		return 0, mapped
	}

	return rev, nil
}

func (b *natsBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if err == nil || errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}

	return natsutil.MapKVError("delete "+key, err)
}

func (b *natsBucket) Keys(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return []string{}, nil
		}

		return nil, natsutil.MapKVError("list keys", err)
	}

	keys := make([]string, 0)
	for key := range lister.Keys() {
		keys = append(keys, key)
	}

	return keys, nil
}

func (b *natsBucket) Watch(ctx context.Context) (types.Watcher, error) {
	kw, err := b.kv.WatchAll(ctx)
	if err != nil {
		return nil, natsutil.MapKVError("watch", err)
	}

	w := &natsWatcher{kw: kw, out: make(chan *types.Entry, 64), stop: make(chan struct{})}
	go w.forward(ctx)

	return w, nil
}

type natsWatcher struct {
	kw   jetstream.KeyWatcher
	out  chan *types.Entry
	stop chan struct{}
	once sync.Once
}

func (w *natsWatcher) Updates() <-chan *types.Entry { return w.out }

func (w *natsWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.kw.Stop()
	})

	return err
}

func (w *natsWatcher) forward(ctx context.Context) {
	defer close(w.out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case kve, ok := <-w.kw.Updates():
			if !ok {
				return
			}

			var entry *types.Entry
			if kve != nil {
				e := toEntry(kve)
				entry = &e
			}

			select {
			case w.out <- entry:
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			}
		}
	}
}

func toEntry(kve jetstream.KeyValueEntry) types.Entry {
	op := types.EntryPut
	if kve.Operation() == jetstream.KeyValueDelete || kve.Operation() == jetstream.KeyValuePurge {
		op = types.EntryDelete
	}

	return types.Entry{Key: kve.Key(), Value: kve.Value(), Revision: kve.Revision(), Op: op}
}
