// Package kvjson stores JSON records in a types.KeyValue bucket.
//
// It provides typed loads, a compare-and-swap mutate loop, key escaping for
// backend-safe key names, and jittered retries for read paths.
package kvjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/chatroute/types"
)

// ErrAbort can be returned by a mutate function to stop without writing.
//
// Mutate returns the current value and revision alongside it.
var ErrAbort = errors.New("mutation aborted")

// Key builds a record key from a prefix and an opaque ID.
//
// Characters outside [A-Za-z0-9_-] are escaped as "=XX" so any ID yields a
// key every backend accepts. The mapping is injective.
func Key(prefix, id string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(id))
	b.WriteString(prefix)
	b.WriteByte('.')
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isPlain(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02X", c)
	}

	return b.String()
}

func isPlain(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

// Load reads and decodes the record stored at key.
//
// Returns types.ErrKeyNotFound unchanged so callers can map it to their own
// not-found error.
func Load[T any](ctx context.Context, kv types.KeyValue, key string) (T, uint64, error) {
	var v T

	entry, err := kv.Get(ctx, key)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s/%s: %w", kv.Name(), key, err)
	}

	return v, entry.Revision, nil
}

// Decode unmarshals a watched or listed entry value.
func Decode[T any](entry *types.Entry) (T, error) {
	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", entry.Key, err)
	}

	return v, nil
}

// Create encodes v and writes it only if key is absent.
func Create(ctx context.Context, kv types.KeyValue, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}

	return kv.Create(ctx, key, data)
}

// Put encodes v and writes it unconditionally.
func Put(ctx context.Context, kv types.KeyValue, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}

	return kv.Put(ctx, key, data)
}

// Update encodes v and writes it only if the stored revision equals revision.
func Update(ctx context.Context, kv types.KeyValue, key string, v any, revision uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}

	return kv.Update(ctx, key, data, revision)
}

// Mutate applies fn to the record at key and commits it with compare-and-swap.
//
// fn receives the current value and whether it exists, and returns the value to
// write. On a revision conflict the record is re-read and fn runs again, at most
// maxRetries+1 times in total. fn may return ErrAbort to stop without writing,
// or any other error to fail the mutation; both are returned as-is with the
// current value.
//
// Parameters:
//   - ctx: Context for cancellation
//   - kv: Bucket holding the record
//   - key: Record key
//   - maxRetries: Conflict retries before types.ErrConflict
//   - onRetry: Called after each conflict (may be nil)
//   - fn: Pure transformation of the current value
//
// Returns:
//   - T: The committed value (or the current value when fn failed)
//   - uint64: Revision of the returned value
//   - error: fn's error, a store error, or types.ErrConflict
func Mutate[T any](
	ctx context.Context,
	kv types.KeyValue,
	key string,
	maxRetries int,
	onRetry func(),
	fn func(cur T, exists bool) (T, error),
) (T, uint64, error) {
	var zero T

	for attempt := 0; attempt <= maxRetries; attempt++ {
		cur, rev, err := Load[T](ctx, kv, key)
		exists := err == nil
		if err != nil && !errors.Is(err, types.ErrKeyNotFound) {
			return zero, 0, err
		}

		next, err := fn(cur, exists)
		if err != nil {
			return cur, rev, err
		}

		var newRev uint64
		if exists {
			newRev, err = Update(ctx, kv, key, next, rev)
		} else {
			newRev, err = Create(ctx, kv, key, next)
		}

		switch {
		case err == nil:
			return next, newRev, nil
		case errors.Is(err, types.ErrRevisionMismatch), errors.Is(err, types.ErrKeyExists):
			if onRetry != nil {
				onRetry()
			}

			continue
		default:
			return zero, 0, err
		}
	}

	return zero, 0, fmt.Errorf("%s/%s after %d attempts: %w", kv.Name(), key, maxRetries+1, types.ErrConflict)
}

// LoadAll decodes every record in the bucket whose key starts with prefix+".".
//
// Keys that vanish between listing and reading are skipped.
func LoadAll[T any](ctx context.Context, kv types.KeyValue, prefix string) ([]T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix+".") {
			continue
		}

		v, _, err := Load[T](ctx, kv, key)
		if errors.Is(err, types.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}

	return out, nil
}
