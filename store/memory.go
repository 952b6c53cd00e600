package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/chatroute/types"
)

// Memory is an in-process StateStore.
//
// Buckets live only as long as the Memory value. Keys with a bucket TTL are
// removed by a janitor goroutine, which emits delete entries to watchers.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ types.StateStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]*memoryBucket),
		done:    make(chan struct{}),
	}
}

// Bucket returns the named bucket, creating it on first use.
//
// A second call with the same name returns the existing bucket and ignores cfg.TTL.
func (m *Memory) Bucket(_ context.Context, cfg types.BucketConfig) (types.KeyValue, error) {
	if cfg.Name == "" {
		return nil, types.ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.ErrStoreUnavailable
	}
	if b, ok := m.buckets[cfg.Name]; ok {
		return b, nil
	}

	b := &memoryBucket{
		name:     cfg.Name,
		ttl:      cfg.TTL,
		items:    make(map[string]memoryItem),
		watchers: make(map[*memoryWatcher]struct{}),
		done:     m.done,
	}
	m.buckets[cfg.Name] = b

	if cfg.TTL > 0 {
		m.wg.Go(func() { b.janitor(janitorInterval(cfg.TTL)) })
	}

	return b, nil
}

// Close stops janitors and all watchers. Later operations fail with ErrStoreUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	buckets := make([]*memoryBucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, b := range buckets {
		b.stopWatchers()
	}

	return nil
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}

	return interval
}

type memoryItem struct {
	value    []byte
	revision uint64
	expires  time.Time
}

type memoryBucket struct {
	name string
	ttl  time.Duration
	done <-chan struct{}

	mu       sync.Mutex
	revision uint64
	items    map[string]memoryItem
	watchers map[*memoryWatcher]struct{}
}

var _ types.KeyValue = (*memoryBucket)(nil)

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Get(ctx context.Context, key string) (types.Entry, error) {
	if err := b.check(ctx); err != nil {
		return types.Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.live(key)
	if !ok {
		return types.Entry{}, types.ErrKeyNotFound
	}

	return types.Entry{Key: key, Value: slices.Clone(item.value), Revision: item.revision, Op: types.EntryPut}, nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := b.check(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.write(key, value), nil
}

func (b *memoryBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := b.check(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live(key); ok {
		return 0, types.ErrKeyExists
	}

	return b.write(key, value), nil
}

// Update with revision 0 succeeds only when the key is absent.
func (b *memoryBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := b.check(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.live(key)
	switch {
	case !ok && revision != 0:
		return 0, types.ErrRevisionMismatch
	case ok && item.revision != revision:
		return 0, types.ErrRevisionMismatch
	}

	return b.write(key, value), nil
}

func (b *memoryBucket) Delete(ctx context.Context, key string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live(key); ok {
		b.remove(key)
	}

	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.items))
	for key := range b.items {
		if _, ok := b.live(key); ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	return keys, nil
}

func (b *memoryBucket) Watch(ctx context.Context) (types.Watcher, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	w := &memoryWatcher{
		out:    make(chan *types.Entry),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		bucket: b,
	}

	b.mu.Lock()
	keys := make([]string, 0, len(b.items))
	for key := range b.items {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if item, ok := b.live(key); ok {
			w.enqueue(&types.Entry{Key: key, Value: slices.Clone(item.value), Revision: item.revision, Op: types.EntryPut})
		}
	}
	w.enqueue(nil)
	b.watchers[w] = struct{}{}
	b.mu.Unlock()

	go w.pump(ctx, b.done)

	return w, nil
}

func (b *memoryBucket) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return types.ErrStoreUnavailable
	default:
		return nil
	}
}

// live returns the item when present and not expired. Caller holds b.mu.
func (b *memoryBucket) live(key string) (memoryItem, bool) {
	item, ok := b.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expires.IsZero() && !time.Now().Before(item.expires) {
		return memoryItem{}, false
	}

	return item, true
}

// write stores value under the next revision and notifies watchers. Caller holds b.mu.
func (b *memoryBucket) write(key string, value []byte) uint64 {
	b.revision++
	item := memoryItem{value: slices.Clone(value), revision: b.revision}
	if b.ttl > 0 {
		item.expires = time.Now().Add(b.ttl)
	}
	b.items[key] = item

	b.notify(&types.Entry{Key: key, Value: slices.Clone(value), Revision: item.revision, Op: types.EntryPut})

	return item.revision
}

// remove deletes key and notifies watchers. Caller holds b.mu.
func (b *memoryBucket) remove(key string) {
	delete(b.items, key)
	b.revision++
	b.notify(&types.Entry{Key: key, Revision: b.revision, Op: types.EntryDelete})
}

func (b *memoryBucket) notify(entry *types.Entry) {
	for w := range b.watchers {
		e := *entry
		w.enqueue(&e)
	}
}

func (b *memoryBucket) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.expire()
		}
	}
}

func (b *memoryBucket) expire() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, item := range b.items {
		if !item.expires.IsZero() && !now.Before(item.expires) {
			b.remove(key)
		}
	}
}

func (b *memoryBucket) stopWatchers() {
	b.mu.Lock()
	watchers := make([]*memoryWatcher, 0, len(b.watchers))
	for w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		_ = w.Stop()
	}
}

func (b *memoryBucket) unregister(w *memoryWatcher) {
	b.mu.Lock()
	delete(b.watchers, w)
	b.mu.Unlock()
}

// memoryWatcher queues entries without bound so writers never block on a slow reader.
type memoryWatcher struct {
	bucket *memoryBucket
	out    chan *types.Entry
	signal chan struct{}
	stop   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []*types.Entry
}

var _ types.Watcher = (*memoryWatcher)(nil)

func (w *memoryWatcher) Updates() <-chan *types.Entry { return w.out }

func (w *memoryWatcher) Stop() error {
	w.once.Do(func() { close(w.stop) })
	return nil
}

func (w *memoryWatcher) enqueue(entry *types.Entry) {
	w.mu.Lock()
	w.pending = append(w.pending, entry)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) pump(ctx context.Context, done <-chan struct{}) {
	defer close(w.out)
	defer w.bucket.unregister(w)

	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()

		for _, entry := range batch {
			select {
			case w.out <- entry:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}

		select {
		case <-w.signal:
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}
