// Package dispatcher runs the leader's periodic routing work.
//
// Each pass expires waiting requests older than the request TTL, optionally
// auto-assigns the pending queue oldest first, and periodically reconciles
// operator load counters. Passes run on a ticker and, debounced, whenever
// Notify reports a registry or queue change.
package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/chatroute/internal/lifecycle"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/types"
)

const debounceDelay = 100 * time.Millisecond

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrStopped        = errors.New("dispatcher already stopped")
)

// Lifecycle is the subset of the lifecycle manager a dispatcher drives.
type Lifecycle interface {
	ExpireWaiting(ctx context.Context, olderThan time.Duration) ([]types.ChatRequest, error)
	AutoAssign(ctx context.Context, customerID string) (*types.ChatAssignment, error)
	Reconcile(ctx context.Context) (lifecycle.ReconcileResult, error)
}

// PendingSource lists the pending queue.
type PendingSource interface {
	Pending(ctx context.Context) ([]types.ChatRequest, error)
}

// Config holds dispatcher configuration.
type Config struct {
	// Required dependencies
	Lifecycle Lifecycle
	Queue     PendingSource

	// Optional configuration (with defaults)
	RequestTTL        time.Duration // Waiting requests older than this expire (0 = never)
	AutoDispatch      bool          // Auto-assign the pending queue on every pass
	Interval          time.Duration // Pass interval (default: 5s)
	ReconcileInterval time.Duration // Minimum time between reconcile passes (default: 30s)

	// Optional dependencies
	Clock  func() time.Time // Time source (default: time.Now)
	Logger types.Logger     // Logger (default: no-op)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Lifecycle == nil {
		return errors.New("the Lifecycle is required")
	}
	if c.Queue == nil {
		return errors.New("the Queue is required")
	}
	if c.RequestTTL < 0 {
		return errors.New("the RequestTTL must not be negative")
	}

	return nil
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

// Result summarizes one pass.
type Result struct {
	Expired    int
	Assigned   int
	Reconciled bool
	Repaired   lifecycle.ReconcileResult
}

// Dispatcher runs passes in the background while started.
type Dispatcher struct {
	cfg     Config
	trigger chan struct{}

	passMu        sync.Mutex
	lastReconcile time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	cfg.SetDefaults()

	return &Dispatcher{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Notify schedules a pass soon. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Start runs passes in a background goroutine until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}

	d.started = true
	go d.run(ctx)

	return nil
}

// Stop ends the background loop and waits for the running pass to finish.
//
// Safe to call more than once.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh

	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	pending := false

	d.pass(ctx, "start")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pass(ctx, "tick")
		case <-d.trigger:
			if !pending {
				pending = true
				debounce.Reset(debounceDelay)
			}
		case <-debounce.C:
			pending = false
			d.pass(ctx, "change")
		}
	}
}

func (d *Dispatcher) pass(ctx context.Context, trigger string) {
	res, err := d.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		d.cfg.Logger.Error("dispatch pass failed", "trigger", trigger, "error", err)
		return
	}
	if res.Expired > 0 || res.Assigned > 0 {
		d.cfg.Logger.Info("dispatch pass", "trigger", trigger, "expired", res.Expired, "assigned", res.Assigned)
	}
}

// RunOnce performs a single pass synchronously.
//
// Expiry and dispatch failures stop the pass; a failed reconcile is logged and
// retried on a later pass.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	var res Result

	if d.cfg.RequestTTL > 0 {
		expired, err := d.cfg.Lifecycle.ExpireWaiting(ctx, d.cfg.RequestTTL)
		if err != nil {
			return res, fmt.Errorf("expire waiting: %w", err)
		}
		res.Expired = len(expired)
	}

	if d.cfg.AutoDispatch {
		assigned, err := d.dispatch(ctx)
		res.Assigned = assigned
		if err != nil {
			return res, err
		}
	}

	now := d.cfg.Clock()
	if now.Sub(d.lastReconcile) >= d.cfg.ReconcileInterval {
		d.lastReconcile = now
		repaired, err := d.cfg.Lifecycle.Reconcile(ctx)
		if err != nil {
			d.cfg.Logger.Warn("reconcile failed", "error", err)
		} else {
			res.Reconciled = true
			res.Repaired = repaired
		}
	}

	return res, nil
}

// dispatch auto-assigns the pending queue, oldest request first.
//
// Selection does not depend on the customer, so the first request nobody can
// take ends the pass.
func (d *Dispatcher) dispatch(ctx context.Context) (int, error) {
	pending, err := d.cfg.Queue.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending snapshot: %w", err)
	}

	slices.SortFunc(pending, func(a, b types.ChatRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	assigned := 0
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}

		a, err := d.cfg.Lifecycle.AutoAssign(ctx, req.CustomerID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			continue
		case err != nil:
			d.cfg.Logger.Warn("auto-assign failed", "customer", req.CustomerID, "request", req.ID, "error", err)
			continue
		case a == nil:
			return assigned, nil
		}

		if a.RequestID == req.ID {
			assigned++
		}
	}

	return assigned, nil
}
