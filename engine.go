package chatroute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/chatroute/internal/dispatcher"
	"github.com/arloliu/chatroute/internal/election"
	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/heartbeat"
	"github.com/arloliu/chatroute/internal/hooks"
	"github.com/arloliu/chatroute/internal/lifecycle"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/internal/registry"
	"github.com/arloliu/chatroute/store"
	"github.com/arloliu/chatroute/strategy"
	"github.com/arloliu/chatroute/types"
)

const electionKey = "leader"

// Engine routes customer chat requests to operators.
//
// Engine is the main entry point of the chatroute library. It handles:
//   - Operator status and load in the shared store
//   - The pending request queue and its real-time feeds
//   - Atomic claims, automatic assignment and chat completion
//   - Operator presence through dashboard heartbeats
//   - Leader election for expiry, dispatch and reconciliation
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - Any number of engines in different processes may share one store
//
// Lifecycle:
//   - Create with NewEngine()
//   - Call Start() to open the buckets and join the election
//   - Call Stop() for graceful shutdown
type Engine struct {
	cfg   Config
	store types.StateStore

	// Optional dependencies
	strategy      SelectionStrategy
	electionAgent ElectionAgent
	handoff       TransportHandoff
	notifier      NotificationSender
	journal       Journal
	hooks         *Hooks
	metrics       MetricsCollector
	logger        Logger
	clock         func() time.Time

	// Components, built by Start and immutable afterwards
	presenceKV types.KeyValue
	hub        *fanout.Hub
	registry   *registry.Registry
	queue      *queue.Queue
	lifecycle  *lifecycle.Manager

	// Leader-only loops
	isLeader   atomic.Bool
	leaderMu   sync.Mutex
	monitor    *heartbeat.Monitor
	dispatcher *dispatcher.Dispatcher

	sessions *xsync.Map[string, *heartbeat.Publisher]

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	hookWG  sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewEngine creates a new Engine instance.
//
// The configuration is copied, defaulted and validated. No store access
// happens until Start.
//
// Parameters:
//   - cfg: Engine configuration
//   - st: Shared state store (store.NewNATS, store.NewRedis or store.NewMemory)
//   - opts: Optional dependencies (logger, metrics, hooks, strategy, handoff, ...)
//
// Returns:
//   - *Engine: Initialized engine instance
//   - error: ErrInvalidConfig or ErrStoreRequired
//
// Example:
//
//	cfg := chatroute.DefaultConfig()
//	st, _ := store.NewNATS(nc)
//	eng, err := chatroute.NewEngine(&cfg, st, chatroute.WithLogger(logger))
func NewEngine(cfg *Config, st StateStore, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if st == nil {
		return nil, ErrStoreRequired
	}

	c := *cfg
	SetDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}

	e := &Engine{
		cfg:           c,
		store:         st,
		strategy:      options.strategy,
		electionAgent: options.electionAgent,
		handoff:       options.handoff,
		notifier:      options.notifier,
		journal:       options.journal,
		hooks:         hooks.Fill(options.hooks),
		metrics:       options.metrics,
		logger:        options.logger,
		clock:         options.clock,
		sessions:      xsync.NewMap[string, *heartbeat.Publisher](),
	}

	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.strategy == nil {
		s, err := strategy.ByName(c.Strategy)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		e.strategy = s
	}
	if e.cfg.InstanceID == "" {
		e.cfg.InstanceID = uuid.NewString()
	}

	e.cfg.ValidateWithWarnings(e.logger)

	return e, nil
}

// Start opens the buckets, builds the components and joins the leader election.
//
// It blocks until the real-time feeds have replayed the current state.
//
// Parameters:
//   - ctx: Bounds startup only; the engine runs until Stop
//
// Returns:
//   - error: ErrAlreadyStarted, or a store error
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	st := store.Instrument(e.store, e.metrics)
	open := func(name string, ttl time.Duration) (types.KeyValue, error) {
		kv, err := st.Bucket(ctx, types.BucketConfig{Name: name, TTL: ttl})
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
		}

		return kv, nil
	}

	b := e.cfg.Buckets
	operatorsKV, err := open(b.Operators, 0)
	if err != nil {
		return err
	}
	requestsKV, err := open(b.Requests, 0)
	if err != nil {
		return err
	}
	assignmentsKV, err := open(b.Assignments, 0)
	if err != nil {
		return err
	}
	customersKV, err := open(b.Customers, 0)
	if err != nil {
		return err
	}
	presenceKV, err := open(b.Presence, e.cfg.Presence.HeartbeatTTL)
	if err != nil {
		return err
	}

	if e.electionAgent == nil {
		electionKV, err := open(b.Election, e.cfg.Election.LeaseTTL)
		if err != nil {
			return err
		}
		e.electionAgent = election.NewKV(electionKV, electionKey)
	}

	hub, err := fanout.NewHub(fanout.Config{
		Sources: []fanout.Source{
			{KV: operatorsKV, Decode: fanout.JSON[types.OperatorStatus]()},
			{KV: requestsKV, Decode: fanout.JSON[types.ChatRequest]()},
			{KV: assignmentsKV, Decode: fanout.JSON[types.ChatAssignment]()},
			{KV: customersKV, Decode: fanout.JSON[types.CustomerRecord]()},
		},
		Metrics: e.metrics,
		Logger:  e.logger,
	})
	if err != nil {
		return err
	}
	if err := hub.Start(ctx); err != nil {
		return err
	}

	reg, err := registry.New(registry.Config{
		KV:              operatorsKV,
		DefaultMaxChats: e.cfg.DefaultMaxChats,
		CASMaxRetries:   e.cfg.CASMaxRetries,
		Hub:             hub,
		Clock:           e.clock,
		Metrics:         e.metrics,
		Logger:          e.logger,
	})
	if err != nil {
		hub.Stop()
		return err
	}

	q, err := queue.New(queue.Config{
		Requests:      requestsKV,
		Customers:     customersKV,
		CASMaxRetries: e.cfg.CASMaxRetries,
		Hub:           hub,
		Clock:         e.clock,
		Metrics:       e.metrics,
		Logger:        e.logger,
	})
	if err != nil {
		hub.Stop()
		return err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	lc, err := lifecycle.New(lifecycle.Config{
		Registry:      reg,
		Queue:         q,
		Assignments:   assignmentsKV,
		Customers:     customersKV,
		CASMaxRetries: e.cfg.CASMaxRetries,
		Strategy:      e.strategy,
		Handoff:       e.handoff,
		Notifier:      e.notifier,
		Journal:       e.journal,
		Hooks:         e.hooks,
		HookContext:   e.ctx,
		Hub:           hub,
		Clock:         e.clock,
		Metrics:       e.metrics,
		Logger:        e.logger,
	})
	if err != nil {
		e.cancel()
		hub.Stop()
		return err
	}

	e.presenceKV = presenceKV
	e.hub = hub
	e.registry = reg
	e.queue = q
	e.lifecycle = lc
	e.started = true

	e.wg.Go(e.monitorLeadership)
	e.wg.Go(e.forwardChanges)

	e.logger.Info("engine started", "instance", e.cfg.InstanceID)

	return nil
}

// Stop leaves the election, ends every presence session and stops the feeds.
//
// Shutdown is bounded by ctx and Config.ShutdownTimeout. Subsequent calls
// return ErrNotStarted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.stopped = true
	e.cancel()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error

	// Step 1: Background loops
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		shutdownErr = fmt.Errorf("background loops did not stop: %w", ctx.Err())
	}

	// Step 2: Leader loops and the lease
	e.stopLeaderLoops()
	if e.isLeader.Swap(false) {
		e.announceLeadership(false)
		if err := e.electionAgent.ReleaseLeadership(ctx); err != nil && !errors.Is(err, election.ErrNotLeader) {
			e.logger.Error("failed to release leadership", "error", err)
			if shutdownErr == nil {
				shutdownErr = fmt.Errorf("leadership release failed: %w", err)
			}
		}
	}

	// Step 3: Presence sessions
	e.sessions.Range(func(key string, p *heartbeat.Publisher) bool {
		if err := p.Stop(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
			e.logger.Warn("failed to stop presence session", "operator", p.OperatorID(), "error", err)
		}
		e.sessions.Delete(key)

		return true
	})

	// Step 4: Hooks and feeds
	e.lifecycle.WaitHooks()
	e.hookWG.Wait()
	e.hub.Stop()

	e.logger.Info("engine stopped", "instance", e.cfg.InstanceID)

	return shutdownErr
}

// check returns ErrNotStarted unless the engine is running.
func (e *Engine) check() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started || e.stopped {
		return ErrNotStarted
	}

	return nil
}

// Ready reports whether the engine is started and not yet stopped.
func (e *Engine) Ready() bool {
	return e.check() == nil
}

// InstanceID returns the identity this engine uses in the election.
func (e *Engine) InstanceID() string {
	return e.cfg.InstanceID
}

// IsLeader reports whether this engine currently runs the leader loops.
func (e *Engine) IsLeader() bool {
	return e.isLeader.Load()
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) monitorLeadership() {
	ticker := time.NewTicker(e.cfg.Election.LeaseTTL / 3)
	defer ticker.Stop()

	leaseDuration := int64(e.cfg.Election.LeaseTTL / time.Second)

	e.electionTick(leaseDuration)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.electionTick(leaseDuration)
		}
	}
}

func (e *Engine) electionTick(leaseDuration int64) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.OperationTimeout)
	defer cancel()

	if e.isLeader.Load() {
		if err := e.electionAgent.RenewLeadership(ctx); err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.reportError("failed to renew leadership", err)
			e.setLeader(false)
		}

		return
	}

	isLeader, err := e.electionAgent.RequestLeadership(ctx, e.cfg.InstanceID, leaseDuration)
	if err != nil {
		if e.ctx.Err() == nil {
			e.reportError("failed to request leadership", fmt.Errorf("%w: %w", ErrElectionFailed, err))
		}

		return
	}
	if isLeader {
		e.setLeader(true)
	}
}

func (e *Engine) setLeader(isLeader bool) {
	if e.isLeader.Swap(isLeader) == isLeader {
		return
	}

	if isLeader {
		e.logger.Info("became leader", "instance", e.cfg.InstanceID)
		e.startLeaderLoops()
	} else {
		e.logger.Info("lost leadership", "instance", e.cfg.InstanceID)
		e.stopLeaderLoops()
	}

	e.announceLeadership(isLeader)
}

func (e *Engine) announceLeadership(isLeader bool) {
	e.metrics.RecordLeadershipChange(isLeader)
	e.hookWG.Go(func() {
		if err := e.hooks.OnLeadershipChanged(e.ctx, isLeader); err != nil {
			e.logger.Warn("OnLeadershipChanged hook failed", "error", err)
		}
	})
}

func (e *Engine) startLeaderLoops() {
	e.leaderMu.Lock()
	defer e.leaderMu.Unlock()

	if e.monitor != nil || e.dispatcher != nil {
		return
	}

	mon := heartbeat.NewMonitor(e.presenceKV, e.registry, e.cfg.Presence.HeartbeatTTL, e.logger)
	mon.SetMetrics(e.metrics)
	mon.SetClock(e.clock)
	if err := mon.Start(e.ctx); err != nil {
		e.reportError("failed to start presence monitor", err)
	} else {
		e.monitor = mon
	}

	d, err := dispatcher.New(dispatcher.Config{
		Lifecycle:         e.lifecycle,
		Queue:             e.queue,
		RequestTTL:        e.cfg.RequestTTL,
		AutoDispatch:      e.cfg.Dispatch.Enabled,
		Interval:          e.cfg.Dispatch.Interval,
		ReconcileInterval: e.cfg.Dispatch.ReconcileInterval,
		Logger:            e.logger,
	})
	if err == nil {
		err = d.Start(e.ctx)
	}
	if err != nil {
		e.reportError("failed to start dispatcher", err)
		return
	}
	e.dispatcher = d
}

func (e *Engine) stopLeaderLoops() {
	e.leaderMu.Lock()
	defer e.leaderMu.Unlock()

	if e.monitor != nil {
		if err := e.monitor.Stop(); err != nil {
			e.logger.Warn("failed to stop presence monitor", "error", err)
		}
		e.monitor = nil
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.Stop(); err != nil {
			e.logger.Warn("failed to stop dispatcher", "error", err)
		}
		e.dispatcher = nil
	}
}

// forwardChanges wakes the leader's dispatcher on queue and roster changes.
func (e *Engine) forwardChanges() {
	pending, err := e.queue.WatchPending(e.ctx)
	if err != nil {
		e.reportError("failed to watch pending queue", err)
		return
	}
	defer pending.Close()

	roster, err := e.registry.WatchOperators(e.ctx)
	if err != nil {
		e.reportError("failed to watch operators", err)
		return
	}
	defer roster.Close()

	pc, rc := pending.C(), roster.C()
	for pc != nil || rc != nil {
		select {
		case <-e.ctx.Done():
			return
		case _, ok := <-pc:
			if !ok {
				pc = nil
				continue
			}
		case _, ok := <-rc:
			if !ok {
				rc = nil
				continue
			}
		}

		e.leaderMu.Lock()
		if e.dispatcher != nil {
			e.dispatcher.Notify()
		}
		e.leaderMu.Unlock()
	}
}

func (e *Engine) reportError(msg string, err error) {
	e.logger.Error(msg, "error", err)
	e.hookWG.Go(func() {
		if hookErr := e.hooks.OnError(e.ctx, fmt.Errorf("%s: %w", msg, err)); hookErr != nil {
			e.logger.Warn("OnError hook failed", "error", hookErr)
		}
	})
}
