// Package fanout mirrors store buckets in memory and streams projections of
// them to subscribers.
//
// A Hub keeps one watch per bucket and a single goroutine that owns the mirror.
// After every batch of changes each affected subscriber recomputes its
// projection and offers the result on a buffer-1 channel, replacing any value
// the subscriber has not read yet. Slow subscribers therefore see fewer, newer
// snapshots and never block the hub.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/types"
)

// ErrHubStopped is returned when subscribing to a stopped hub.
var ErrHubStopped = errors.New("fanout hub stopped")

// Decoder turns a stored value into the record kept in the mirror.
type Decoder func(value []byte) (any, error)

// JSON returns a Decoder that unmarshals values into T.
func JSON[T any]() Decoder {
	return func(value []byte) (any, error) {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}

		return v, nil
	}
}

// Source is a bucket mirrored by the hub.
type Source struct {
	KV     types.KeyValue
	Decode Decoder
}

// Config holds hub configuration.
type Config struct {
	// Required
	Sources []Source

	// Optional configuration (with defaults)
	RestartBackoff time.Duration // Delay before re-opening a failed watch (default: 500ms)

	// Optional dependencies
	Metrics types.MetricsCollector // Metrics collector (default: no-op)
	Logger  types.Logger           // Logger (default: no-op)
}

// Hub owns the mirror of its sources and the set of subscribers.
type Hub struct {
	cfg     Config
	sources map[string]Source

	// mirror is owned by the run goroutine.
	mirror map[string]map[string]any

	subs   *xsync.Map[uint64, subscriber]
	nextID atomic.Uint64

	events   chan event
	subReqs  chan subscriber
	ready    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type subscriber interface {
	id() uint64
	feedName() string
	dependsOn(bucket string) bool
	refresh(v View)
	close()
	isClosed() bool
}

// event is one watched entry. A nil entry ends a bucket replay.
type event struct {
	bucket string
	gen    uint64
	entry  *types.Entry
	reset  bool
}

// NewHub creates a hub over the given sources.
func NewHub(cfg Config) (*Hub, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = 500 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	sources := make(map[string]Source, len(cfg.Sources))
	mirror := make(map[string]map[string]any, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if src.KV == nil || src.Decode == nil {
			return nil, errors.New("source requires KV and Decode")
		}
		sources[src.KV.Name()] = src
		mirror[src.KV.Name()] = make(map[string]any)
	}

	return &Hub{
		cfg:     cfg,
		sources: sources,
		mirror:  mirror,
		subs:    xsync.NewMap[uint64, subscriber](),
		events:  make(chan event, 256),
		subReqs: make(chan subscriber),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start opens the bucket watches and blocks until every bucket has been replayed.
//
// Parameters:
//   - ctx: Bounds the initial replay only; the hub runs until Stop
//
// Returns:
//   - error: Watch failure or ctx expiry before the mirror was ready
func (h *Hub) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	for name := range h.sources {
		h.wg.Go(func() { h.watchLoop(runCtx, name) })
	}
	h.wg.Go(func() { h.run(runCtx) })

	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		h.Stop()
		return fmt.Errorf("fanout hub not ready: %w", ctx.Err())
	}
}

// Stop ends all watches and closes every subscription channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		close(h.done)

		h.subs.Range(func(id uint64, s subscriber) bool {
			s.close()
			h.subs.Delete(id)

			return true
		})
	})
}

// Ready is closed once the initial replay of every bucket completed.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// watchLoop keeps a watch open on one bucket, restarting it after failures.
// Every (re)start begins a new generation whose replay replaces the mirror.
func (h *Hub) watchLoop(ctx context.Context, bucket string) {
	src := h.sources[bucket]
	var gen uint64

	for ctx.Err() == nil {
		gen++
		w, err := src.KV.Watch(ctx)
		if err != nil {
			h.cfg.Logger.Warn("bucket watch failed", "bucket", bucket, "error", err)
			if !sleepCtx(ctx, h.cfg.RestartBackoff) {
				return
			}

			continue
		}

		if !h.emit(ctx, event{bucket: bucket, gen: gen, reset: true}) {
			_ = w.Stop()
			return
		}

		for entry := range w.Updates() {
			if !h.emit(ctx, event{bucket: bucket, gen: gen, entry: entry}) {
				_ = w.Stop()
				return
			}
		}
		_ = w.Stop()

		if ctx.Err() == nil {
			h.cfg.Logger.Warn("bucket watch closed, restarting", "bucket", bucket)
			if !sleepCtx(ctx, h.cfg.RestartBackoff) {
				return
			}
		}
	}
}

func (h *Hub) emit(ctx context.Context, ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

type bucketState struct {
	gen       uint64
	replaying bool
	staging   map[string]any
}

func (h *Hub) run(ctx context.Context) {
	states := make(map[string]*bucketState, len(h.sources))
	for name := range h.sources {
		states[name] = &bucketState{replaying: true}
	}

	var (
		pending []subscriber
		dirty   = make(map[string]bool)
		isReady bool
	)

	apply := func(ev event) {
		st := states[ev.bucket]
		switch {
		case ev.reset:
			st.gen = ev.gen
			st.replaying = true
			st.staging = make(map[string]any)
		case ev.gen != st.gen:
			// Stale event from a previous generation.
		case ev.entry == nil:
			if st.replaying {
				h.mirror[ev.bucket] = st.staging
				st.staging = nil
				st.replaying = false
				dirty[ev.bucket] = true
			}
		default:
			target := h.mirror[ev.bucket]
			if st.replaying {
				target = st.staging
			} else {
				dirty[ev.bucket] = true
			}
			h.applyEntry(ev.bucket, target, ev.entry)
		}
	}

	allReplayed := func() bool {
		for _, st := range states {
			if st.replaying {
				return false
			}
		}

		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.subReqs:
			if !isReady {
				pending = append(pending, s)
				continue
			}
			h.register(s)

		case ev := <-h.events:
			apply(ev)
			// Drain whatever is already queued so a burst yields one refresh.
		drain:
			for {
				select {
				case ev := <-h.events:
					apply(ev)
				default:
					break drain
				}
			}

			if !isReady {
				if !allReplayed() {
					continue
				}
				isReady = true
				close(h.ready)
				for _, s := range pending {
					h.register(s)
				}
				pending = nil
				clear(dirty)

				continue
			}

			if len(dirty) > 0 {
				h.refreshAll(dirty)
				clear(dirty)
			}
		}
	}
}

func (h *Hub) applyEntry(bucket string, target map[string]any, entry *types.Entry) {
	if entry.Op == types.EntryDelete {
		delete(target, entry.Key)
		return
	}

	v, err := h.sources[bucket].Decode(entry.Value)
	if err != nil {
		h.cfg.Logger.Warn("skipping undecodable entry", "bucket", bucket, "key", entry.Key, "error", err)
		return
	}
	target[entry.Key] = v
}

func (h *Hub) register(s subscriber) {
	h.subs.Store(s.id(), s)
	if s.isClosed() {
		h.subs.Delete(s.id())
		return
	}
	s.refresh(View{mirror: h.mirror})
	h.recordSubscribers(s.feedName())
}

func (h *Hub) refreshAll(dirty map[string]bool) {
	view := View{mirror: h.mirror}
	h.subs.Range(func(_ uint64, s subscriber) bool {
		for bucket := range dirty {
			if s.dependsOn(bucket) {
				s.refresh(view)
				break
			}
		}

		return true
	})
}

func (h *Hub) unregister(s subscriber) {
	h.subs.Delete(s.id())
	s.close()
	h.recordSubscribers(s.feedName())
}

func (h *Hub) recordSubscribers(feed string) {
	count := 0
	h.subs.Range(func(_ uint64, s subscriber) bool {
		if s.feedName() == feed {
			count++
		}

		return true
	})
	h.cfg.Metrics.SetSubscribers(feed, count)
}

// View is a read-only view of the mirror passed to projections.
//
// Projections run on the hub goroutine and must not retain the maps.
type View struct {
	mirror map[string]map[string]any
}

// Bucket returns the decoded records of one bucket keyed by store key.
func (v View) Bucket(name string) map[string]any {
	return v.mirror[name]
}

// Values returns every record of a bucket that decodes to T, in key order.
func Values[T any](v View, bucket string) []T {
	records := v.mirror[bucket]
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		if t, ok := records[k].(T); ok {
			out = append(out, t)
		}
	}

	return out
}

// Lookup returns the record stored under key when it decodes to T.
func Lookup[T any](v View, bucket, key string) (T, bool) {
	t, ok := v.mirror[bucket][key].(T)
	return t, ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
