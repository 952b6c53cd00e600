package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arloliu/chatroute/types"
)

// DefaultRedisPrefix namespaces every key written by the Redis store.
const DefaultRedisPrefix = "chatroute"

// Each record is a hash {v: value, r: revision}. Every write bumps the bucket's
// revision counter and publishes "op\nrev\nkey\nvalue" on the bucket channel
// inside the same script, so subscribers observe writes in revision order.
//
// KEYS: record, revision counter, channel. ARGV: key, value, ttl ms[, expected revision].
var (
	redisPutScript = redis.NewScript(`
local r = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'r', r)
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
redis.call('PUBLISH', KEYS[3], 'put\n' .. r .. '\n' .. ARGV[1] .. '\n' .. ARGV[2])
return r
`)

	redisCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
local r = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'r', r)
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
redis.call('PUBLISH', KEYS[3], 'put\n' .. r .. '\n' .. ARGV[1] .. '\n' .. ARGV[2])
return r
`)

	redisUpdateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'r')
if cur then
  if cur ~= ARGV[4] then return -1 end
elseif ARGV[4] ~= '0' then
  return -1
end
local r = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'r', r)
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
redis.call('PUBLISH', KEYS[3], 'put\n' .. r .. '\n' .. ARGV[1] .. '\n' .. ARGV[2])
return r
`)

	redisDeleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then return 0 end
local r = redis.call('INCR', KEYS[2])
redis.call('PUBLISH', KEYS[3], 'delete\n' .. r .. '\n' .. ARGV[1] .. '\n')
return r
`)
)

// Redis is a StateStore backed by a Redis server or cluster client.
//
// Key expiry is applied per write with PEXPIRE. Redis does not publish a change
// when a key expires, so TTL buckets must be polled as well as watched.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ types.StateStore = (*Redis)(nil)

// NewRedis creates a Redis-backed store.
//
// Parameters:
//   - client: Connected go-redis client (owned by the caller)
//   - prefix: Key namespace (DefaultRedisPrefix if empty)
func NewRedis(client redis.UniversalClient, prefix string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil: %w", types.ErrInvalidArgument)
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// Bucket returns a handle for the named bucket after checking connectivity.
func (s *Redis) Bucket(ctx context.Context, cfg types.BucketConfig) (types.KeyValue, error) {
	if cfg.Name == "" {
		return nil, types.ErrInvalidArgument
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, mapRedisError("ping", err)
	}

	base := s.prefix + ":" + cfg.Name

	return &redisBucket{
		client:     s.client,
		name:       cfg.Name,
		ttl:        cfg.TTL,
		recordBase: base + ":k:",
		revKey:     base + ":rev",
		channel:    base + ":events",
	}, nil
}

// Close is a no-op. The client is owned by the caller.
func (s *Redis) Close() error {
	return nil
}

type redisBucket struct {
	client     redis.UniversalClient
	name       string
	ttl        time.Duration
	recordBase string
	revKey     string
	channel    string
}

var _ types.KeyValue = (*redisBucket)(nil)

func (b *redisBucket) Name() string { return b.name }

func (b *redisBucket) Get(ctx context.Context, key string) (types.Entry, error) {
	vals, err := b.client.HMGet(ctx, b.recordBase+key, "v", "r").Result()
	if err != nil {
		return types.Entry{}, mapRedisError("get "+key, err)
	}

	value, okV := vals[0].(string)
	revStr, okR := vals[1].(string)
	if !okV || !okR {
		return types.Entry{}, types.ErrKeyNotFound
	}

	rev, err := strconv.ParseUint(revStr, 10, 64)
	if err != nil {
		return types.Entry{}, fmt.Errorf("get %s: corrupt revision %q: %w", key, revStr, err)
	}

	return types.Entry{Key: key, Value: []byte(value), Revision: rev, Op: types.EntryPut}, nil
}

func (b *redisBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return b.run(ctx, "put "+key, redisPutScript, key, value)
}

func (b *redisBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.run(ctx, "create "+key, redisCreateScript, key, value)
	if err == nil && rev == 0 {
		return 0, types.ErrKeyExists
	}

	return rev, err
}

func (b *redisBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := b.run(ctx, "update "+key, redisUpdateScript, key, value, strconv.FormatUint(revision, 10))
	if err == nil && rev == 0 {
		return 0, types.ErrRevisionMismatch
	}

	return rev, err
}

func (b *redisBucket) Delete(ctx context.Context, key string) error {
	err := redisDeleteScript.Run(ctx, b.client, b.keys(key), key).Err()
	if err != nil {
		return mapRedisError("delete "+key, err)
	}

	return nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	iter := b.client.Scan(ctx, 0, b.recordBase+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.recordBase))
	}
	if err := iter.Err(); err != nil {
		return nil, mapRedisError("list keys", err)
	}

	return keys, nil
}

// Watch subscribes before replaying so no write between the two is lost.
// Published changes already covered by the replay are dropped by revision.
func (b *redisBucket) Watch(ctx context.Context) (types.Watcher, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, mapRedisError("subscribe", err)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	replay := make([]*types.Entry, 0, len(keys))
	seen := make(map[string]uint64, len(keys))
	for _, key := range keys {
		entry, err := b.Get(ctx, key)
		if errors.Is(err, types.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		replay = append(replay, &entry)
		seen[key] = entry.Revision
	}

	w := &redisWatcher{ps: ps, out: make(chan *types.Entry, 64), stop: make(chan struct{})}
	go w.forward(ctx, replay, seen)

	return w, nil
}

func (b *redisBucket) keys(key string) []string {
	return []string{b.recordBase + key, b.revKey, b.channel}
}

func (b *redisBucket) run(ctx context.Context, op string, script *redis.Script, key string, value []byte, extra ...string) (uint64, error) {
	args := []any{key, value, b.ttl.Milliseconds()}
	for _, e := range extra {
		args = append(args, e)
	}

	rev, err := script.Run(ctx, b.client, b.keys(key), args...).Int64()
	if err != nil {
		return 0, mapRedisError(op, err)
	}
	if rev < 0 {
		return 0, nil
	}

	return uint64(rev), nil
}

type redisWatcher struct {
	ps   *redis.PubSub
	out  chan *types.Entry
	stop chan struct{}
	once sync.Once
}

func (w *redisWatcher) Updates() <-chan *types.Entry { return w.out }

func (w *redisWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.ps.Close()
	})

	return err
}

func (w *redisWatcher) forward(ctx context.Context, replay []*types.Entry, seen map[string]uint64) {
	defer close(w.out)

	send := func(entry *types.Entry) bool {
		select {
		case w.out <- entry:
			return true
		case <-ctx.Done():
			return false
		case <-w.stop:
			return false
		}
	}

	for _, entry := range replay {
		if !send(entry) {
			return
		}
	}
	if !send(nil) {
		return
	}

	msgs := w.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			entry, err := parseRedisChange(msg.Payload)
			if err != nil {
				continue
			}
			if rev, ok := seen[entry.Key]; ok {
				if entry.Revision <= rev {
					continue
				}
				delete(seen, entry.Key)
			}
			if !send(entry) {
				return
			}
		}
	}
}

func parseRedisChange(payload string) (*types.Entry, error) {
	parts := strings.SplitN(payload, "\n", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed change payload")
	}

	rev, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed change revision: %w", err)
	}

	entry := &types.Entry{Key: parts[2], Revision: rev, Op: types.EntryPut}
	switch parts[0] {
	case "put":
		entry.Value = []byte(parts[3])
	case "delete":
		entry.Op = types.EntryDelete
	default:
		return nil, fmt.Errorf("unknown change op %q", parts[0])
	}

	return entry, nil
}

func mapRedisError(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return types.ErrKeyNotFound
	}

	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%s: %w: %w", op, types.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
