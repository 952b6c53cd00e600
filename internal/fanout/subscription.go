package fanout

import (
	"context"
	"slices"
	"sync"
)

// Feed describes a subscription.
type Feed struct {
	// Name labels metrics and logs (for example "pending").
	Name string

	// Buckets lists the buckets the projection reads. Changes to other
	// buckets do not trigger a refresh. Empty means every bucket.
	Buckets []string
}

// Subscription streams projections of the hub mirror.
//
// C delivers the current snapshot first, then a fresh snapshot after changes.
// Only the newest undelivered snapshot is kept.
type Subscription[T any] struct {
	subID   uint64
	feed    Feed
	project func(View) T
	hub     *Hub
	ch      chan T

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// Subscribe registers a projection on the hub.
//
// The subscription ends when ctx is done or Close is called; C is closed then.
//
// Parameters:
//   - ctx: Subscription lifetime
//   - hub: Started hub
//   - feed: Feed name and bucket dependencies
//   - project: Pure function computing the snapshot from the mirror
//
// Returns:
//   - *Subscription[T]: The subscription
//   - error: ErrHubStopped, or ctx error while waiting for registration
func Subscribe[T any](ctx context.Context, hub *Hub, feed Feed, project func(View) T) (*Subscription[T], error) {
	s := &Subscription[T]{
		subID:   hub.nextID.Add(1),
		feed:    feed,
		project: project,
		hub:     hub,
		ch:      make(chan T, 1),
	}

	select {
	case hub.subReqs <- s:
	case <-hub.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// A subscriber queued before the hub was ready never reaches h.subs, so
	// Stop cannot close it.
	go func() {
		select {
		case <-ctx.Done():
		case <-hub.done:
		}
		s.Close()
	}()

	return s, nil
}

// C returns the snapshot channel.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close ends the subscription and closes C. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() { s.hub.unregister(s) })
}

func (s *Subscription[T]) id() uint64       { return s.subID }
func (s *Subscription[T]) feedName() string { return s.feed.Name }

func (s *Subscription[T]) dependsOn(bucket string) bool {
	return len(s.feed.Buckets) == 0 || slices.Contains(s.feed.Buckets, bucket)
}

func (s *Subscription[T]) refresh(v View) {
	s.offer(s.project(v))
}

// offer replaces any undelivered snapshot with v without blocking.
func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- v:
			return
		default:
		}

		select {
		case <-s.ch:
			s.hub.cfg.Metrics.RecordSnapshotCoalesced(s.feed.Name)
		default:
		}
	}
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
