package types

import (
	"context"
	"time"
)

// EntryOp is the kind of change carried by a watched Entry.
type EntryOp uint8

// Entry operations.
const (
	EntryPut EntryOp = iota
	EntryDelete
)

// String returns the operation name.
func (op EntryOp) String() string {
	if op == EntryDelete {
		return "delete"
	}

	return "put"
}

// Entry is a single key-value record with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Op       EntryOp
}

// BucketConfig describes a logical record collection.
type BucketConfig struct {
	// Name is the bucket name.
	Name string

	// TTL expires keys this long after their last write (0 = never).
	TTL time.Duration

	// Description is informational.
	Description string
}

// StateStore opens buckets on the shared state store.
//
// The engine depends on the store for all persistence. Implementations:
//   - NATS JetStream KV (store.NewNATS)
//   - Redis (store.NewRedis)
//   - in-memory (store.NewMemory), for tests and single-node development
type StateStore interface {
	// Bucket creates the bucket if needed and returns a handle to it.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - cfg: Bucket name and TTL
	//
	// Returns:
	//   - KeyValue: Handle for the bucket
	//   - error: ErrStoreUnavailable on connectivity failures
	Bucket(ctx context.Context, cfg BucketConfig) (KeyValue, error)

	// Close releases resources owned by the store (not the underlying connection
	// when it was supplied by the caller).
	Close() error
}

// KeyValue is a watchable key-value bucket with compare-and-swap writes.
//
// Revisions increase monotonically within a bucket. Update is the compare-and-swap
// primitive: it commits only if the key's current revision equals the given one.
type KeyValue interface {
	// Name returns the bucket name.
	Name() string

	// Get returns the current entry, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Create writes only if the key does not exist, otherwise ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes only if the current revision equals revision, otherwise ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys. An empty bucket yields an empty slice.
	Keys(ctx context.Context) ([]string, error)

	// Watch streams every entry of the bucket.
	//
	// The watcher first replays all live entries, then sends a single nil entry to mark
	// the end of the replay, then streams live puts and deletes until stopped or until
	// ctx is done.
	Watch(ctx context.Context) (Watcher, error)
}

// Watcher delivers bucket changes.
type Watcher interface {
	// Updates returns the change channel. It is closed when the watcher stops.
	Updates() <-chan *Entry

	// Stop ends the watch.
	Stop() error
}
