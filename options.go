package chatroute

import "time"

// Option configures an Engine with optional dependencies.
type Option func(*engineOptions)

// engineOptions holds optional Engine configuration.
type engineOptions struct {
	electionAgent ElectionAgent
	hooks         *Hooks
	metrics       MetricsCollector
	logger        Logger
	strategy      SelectionStrategy
	handoff       TransportHandoff
	notifier      NotificationSender
	journal       Journal
	clock         func() time.Time
}

// WithElectionAgent sets a custom election agent.
//
// By default the engine elects a leader through a lease key in the election bucket.
func WithElectionAgent(agent ElectionAgent) Option {
	return func(o *engineOptions) {
		o.electionAgent = agent
	}
}

// WithHooks sets lifecycle event hooks.
//
// Hooks run asynchronously and receive the engine's lifecycle context.
//
// Example:
//
//	hooks := &chatroute.Hooks{
//	    OnAssigned: func(ctx context.Context, a chatroute.ChatAssignment) error {
//	        return crm.OpenTicket(ctx, a.CustomerID, a.OperatorID)
//	    },
//	}
//	eng, _ := chatroute.NewEngine(&cfg, st, chatroute.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *engineOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "chatroute")
//	eng, _ := chatroute.NewEngine(&cfg, st, chatroute.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *engineOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
func WithLogger(logger Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithStrategy sets the auto-assign selection strategy, overriding Config.Strategy.
func WithStrategy(s SelectionStrategy) Option {
	return func(o *engineOptions) {
		o.strategy = s
	}
}

// WithHandoff sets the message transport boundary.
//
// Example:
//
//	h, _ := handoff.NewNATS(nc, handoff.DefaultSubjectPrefix)
//	eng, _ := chatroute.NewEngine(&cfg, st, chatroute.WithHandoff(h))
func WithHandoff(h TransportHandoff) Option {
	return func(o *engineOptions) {
		o.handoff = h
	}
}

// WithNotifier sets the outbound notification sender.
func WithNotifier(n NotificationSender) Option {
	return func(o *engineOptions) {
		o.notifier = n
	}
}

// WithJournal sets the lifecycle audit journal.
func WithJournal(j Journal) Option {
	return func(o *engineOptions) {
		o.journal = j
	}
}

// WithClock sets the time source for record timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		o.clock = now
	}
}
