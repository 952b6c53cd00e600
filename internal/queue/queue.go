// Package queue stores chat requests and projects the pending queue.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/types"
)

// Key prefixes of request and customer records.
const (
	RequestKeyPrefix  = "req"
	CustomerKeyPrefix = "cust"
)

// FeedPending names the pending-requests feed.
const FeedPending = "pending"

// RequestKey returns the store key of a request.
func RequestKey(requestID string) string {
	return kvjson.Key(RequestKeyPrefix, requestID)
}

// CustomerKey returns the store key of a customer record.
func CustomerKey(customerID string) string {
	return kvjson.Key(CustomerKeyPrefix, customerID)
}

// Config holds queue configuration.
type Config struct {
	// Required dependencies
	Requests  types.KeyValue // Requests bucket
	Customers types.KeyValue // Customers bucket (read for supersession)

	// Optional configuration (with defaults)
	CASMaxRetries int // Conflict retries for MarkTerminal (default: 16)

	// Optional dependencies
	Hub     *fanout.Hub            // Required for WatchPending
	Clock   func() time.Time       // Time source (default: time.Now)
	NewID   func() string          // Request ID generator (default: uuid.NewString)
	Metrics types.MetricsCollector // Metrics collector (default: no-op)
	Logger  types.Logger           // Logger (default: no-op)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Requests == nil {
		return errors.New("the Requests bucket is required")
	}
	if c.Customers == nil {
		return errors.New("the Customers bucket is required")
	}

	return nil
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.CASMaxRetries == 0 {
		c.CASMaxRetries = 16
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

// Queue reads and writes chat requests.
type Queue struct {
	cfg Config
}

// New creates a queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	cfg.SetDefaults()

	return &Queue{cfg: cfg}, nil
}

// Requests returns the requests bucket.
func (q *Queue) Requests() types.KeyValue {
	return q.cfg.Requests
}

// Enqueue stores a new waiting request.
//
// Parameters:
//   - ctx: Context for cancellation
//   - customerID: Requesting customer (required)
//   - customerName: Display name
//   - message: Opening message
//
// Returns:
//   - types.ChatRequest: The stored request
//   - error: types.ErrInvalidArgument or a store error
func (q *Queue) Enqueue(ctx context.Context, customerID, customerName, message string) (types.ChatRequest, error) {
	req, err := q.Prepare(customerID, customerName, message)
	if err != nil {
		return req, err
	}

	return q.Insert(ctx, req)
}

// Prepare builds a waiting request with a fresh ID without storing it.
//
// Callers that must publish the ID elsewhere before the request becomes
// visible use Prepare followed by Insert.
func (q *Queue) Prepare(customerID, customerName, message string) (types.ChatRequest, error) {
	if customerID == "" {
		return types.ChatRequest{}, fmt.Errorf("customer id is empty: %w", types.ErrInvalidArgument)
	}

	return types.ChatRequest{
		ID:           q.cfg.NewID(),
		CustomerID:   customerID,
		CustomerName: customerName,
		Message:      message,
		Status:       types.RequestWaiting,
		CreatedAt:    q.cfg.Clock().UTC(),
	}, nil
}

// Insert stores a prepared request. The ID must not exist yet.
func (q *Queue) Insert(ctx context.Context, req types.ChatRequest) (types.ChatRequest, error) {
	if req.ID == "" || !req.IsWaiting() {
		return req, fmt.Errorf("request must be a fresh waiting request: %w", types.ErrInvalidArgument)
	}
	if _, err := kvjson.Create(ctx, q.cfg.Requests, RequestKey(req.ID), req); err != nil {
		return types.ChatRequest{}, fmt.Errorf("enqueue request for %s: %w", req.CustomerID, err)
	}

	q.cfg.Metrics.RecordRequestCreated()
	q.cfg.Logger.Debug("request enqueued", "request", req.ID, "customer", req.CustomerID)

	return req, nil
}

// Get returns a request.
//
// Returns:
//   - types.ChatRequest: The request
//   - uint64: Its revision
//   - error: types.ErrNotFound when missing
func (q *Queue) Get(ctx context.Context, requestID string) (types.ChatRequest, uint64, error) {
	req, rev, err := kvjson.Load[types.ChatRequest](ctx, q.cfg.Requests, RequestKey(requestID))
	if errors.Is(err, types.ErrKeyNotFound) {
		return req, 0, fmt.Errorf("request %s: %w", requestID, types.ErrNotFound)
	}

	return req, rev, err
}

// MarkTerminal moves a waiting request to assigned or rejected.
//
// Parameters:
//   - ctx: Context for cancellation
//   - requestID: Request to resolve
//   - status: types.RequestAssigned or types.RequestRejected
//   - operatorID: Assigned operator (assigned only)
//   - reason: Reject reason (rejected only)
//
// Returns:
//   - types.ChatRequest: The resolved request
//   - error: types.ErrNotFound, types.ErrAlreadyHandled when no longer waiting,
//     types.ErrInvalidArgument for a non-terminal status, or a store error
func (q *Queue) MarkTerminal(
	ctx context.Context,
	requestID string,
	status types.RequestStatus,
	operatorID string,
	reason types.RejectReason,
) (types.ChatRequest, error) {
	if !status.IsTerminal() {
		return types.ChatRequest{}, fmt.Errorf("status %q is not terminal: %w", status, types.ErrInvalidArgument)
	}

	now := q.cfg.Clock().UTC()
	req, _, err := kvjson.Mutate(ctx, q.cfg.Requests, RequestKey(requestID), q.cfg.CASMaxRetries, q.onRetry,
		func(cur types.ChatRequest, exists bool) (types.ChatRequest, error) {
			return resolve(cur, exists, status, operatorID, reason, now)
		})
	if err != nil {
		return req, fmt.Errorf("resolve request %s: %w", requestID, err)
	}

	q.cfg.Metrics.RecordRequestResolved(string(status), string(reason))

	return req, nil
}

// MarkTerminalAt is MarkTerminal with a compare-and-swap against a revision
// the caller already read. It does not retry: a changed record means another
// writer resolved the request first.
func (q *Queue) MarkTerminalAt(
	ctx context.Context,
	req types.ChatRequest,
	revision uint64,
	status types.RequestStatus,
	operatorID string,
	reason types.RejectReason,
) (types.ChatRequest, error) {
	next, err := resolve(req, true, status, operatorID, reason, q.cfg.Clock().UTC())
	if err != nil {
		return req, err
	}

	if _, err := kvjson.Update(ctx, q.cfg.Requests, RequestKey(req.ID), next, revision); err != nil {
		if errors.Is(err, types.ErrRevisionMismatch) {
			return req, fmt.Errorf("request %s: %w", req.ID, types.ErrAlreadyHandled)
		}

		return req, fmt.Errorf("resolve request %s: %w", req.ID, err)
	}

	q.cfg.Metrics.RecordRequestResolved(string(status), string(reason))

	return next, nil
}

func resolve(
	cur types.ChatRequest,
	exists bool,
	status types.RequestStatus,
	operatorID string,
	reason types.RejectReason,
	now time.Time,
) (types.ChatRequest, error) {
	if !exists {
		return cur, types.ErrNotFound
	}
	if !cur.IsWaiting() {
		return cur, types.ErrAlreadyHandled
	}

	cur.Status = status
	cur.ResolvedAt = &now
	if status == types.RequestAssigned {
		cur.AssignedOperatorID = operatorID
		cur.AssignedAt = &now
	} else {
		cur.RejectReason = reason
	}

	return cur, nil
}

// Pending returns the current pending queue.
//
// Only waiting requests that are their customer's latest request are included,
// newest first. Transient store failures are retried with jittered backoff.
func (q *Queue) Pending(ctx context.Context) ([]types.ChatRequest, error) {
	var (
		requests  []types.ChatRequest
		customers []types.CustomerRecord
	)
	err := kvjson.Retry(ctx, kvjson.DefaultReadRetry, func() error {
		var err error
		if requests, err = kvjson.LoadAll[types.ChatRequest](ctx, q.cfg.Requests, RequestKeyPrefix); err != nil {
			return err
		}
		customers, err = kvjson.LoadAll[types.CustomerRecord](ctx, q.cfg.Customers, CustomerKeyPrefix)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pending snapshot: %w", err)
	}

	latest := make(map[string]string, len(customers))
	for _, c := range customers {
		latest[c.CustomerID] = c.LatestRequestID
	}

	pending := filterPending(requests, func(customerID string) string { return latest[customerID] })
	q.cfg.Metrics.SetPendingRequests(len(pending))

	return pending, nil
}

// Waiting returns every waiting request, superseded ones included, oldest first.
func (q *Queue) Waiting(ctx context.Context) ([]types.ChatRequest, error) {
	var requests []types.ChatRequest
	err := kvjson.Retry(ctx, kvjson.DefaultReadRetry, func() error {
		var err error
		requests, err = kvjson.LoadAll[types.ChatRequest](ctx, q.cfg.Requests, RequestKeyPrefix)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("waiting snapshot: %w", err)
	}

	waiting := slices.DeleteFunc(requests, func(r types.ChatRequest) bool { return !r.IsWaiting() })
	slices.SortFunc(waiting, func(a, b types.ChatRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return waiting, nil
}

// WatchPending streams the pending queue.
//
// The first snapshot is the current queue; a new one follows every request or
// customer change. Snapshots a slow reader missed are dropped in favor of the
// newest one.
func (q *Queue) WatchPending(ctx context.Context) (*fanout.Subscription[[]types.ChatRequest], error) {
	if q.cfg.Hub == nil {
		return nil, errors.New("queue has no fanout hub")
	}

	requests, customers := q.cfg.Requests.Name(), q.cfg.Customers.Name()
	feed := fanout.Feed{Name: FeedPending, Buckets: []string{requests, customers}}

	return fanout.Subscribe(ctx, q.cfg.Hub, feed, func(v fanout.View) []types.ChatRequest {
		pending := ProjectPending(v, requests, customers)
		q.cfg.Metrics.SetPendingRequests(len(pending))

		return pending
	})
}

// ProjectPending computes the pending queue from a hub view.
func ProjectPending(v fanout.View, requestsBucket, customersBucket string) []types.ChatRequest {
	requests := fanout.Values[types.ChatRequest](v, requestsBucket)

	return filterPending(requests, func(customerID string) string {
		rec, _ := fanout.Lookup[types.CustomerRecord](v, customersBucket, CustomerKey(customerID))
		return rec.LatestRequestID
	})
}

// filterPending keeps waiting requests that are their customer's latest,
// ordered by CreatedAt descending, then ID ascending.
func filterPending(requests []types.ChatRequest, latestOf func(customerID string) string) []types.ChatRequest {
	pending := make([]types.ChatRequest, 0)
	for _, r := range requests {
		if r.IsWaiting() && latestOf(r.CustomerID) == r.ID {
			pending = append(pending, r)
		}
	}

	SortNewestFirst(pending)

	return pending
}

// SortNewestFirst orders requests by CreatedAt descending, then ID ascending.
func SortNewestFirst(requests []types.ChatRequest) {
	slices.SortFunc(requests, func(a, b types.ChatRequest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

func (q *Queue) onRetry() {
	q.cfg.Metrics.RecordCASRetry(q.cfg.Requests.Name())
}
