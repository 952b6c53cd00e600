package chatroute

import (
	"fmt"
	"time"

	"github.com/arloliu/chatroute/strategy"
)

// DispatchConfig controls the leader's dispatch loop.
type DispatchConfig struct {
	// Enabled auto-assigns the pending queue, oldest request first, on every pass.
	// When false requests wait for a manual claim or an explicit AutoAssign call.
	Enabled bool `yaml:"enabled"`

	// Interval is the time between passes. Registry and queue changes also trigger
	// a pass after a short debounce.
	//
	// Default: 5 seconds
	Interval time.Duration `yaml:"interval"`

	// ReconcileInterval is the minimum time between load reconciliation passes.
	// A drift is repaired only when two consecutive passes observe it.
	//
	// Default: 30 seconds
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
}

// PresenceConfig controls operator presence heartbeats.
type PresenceConfig struct {
	// HeartbeatInterval is how often a connected dashboard refreshes its presence key.
	//
	// Default: 5 seconds
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// HeartbeatTTL is the presence bucket TTL. An online operator with no live key
	// and a LastSeen older than this is marked offline.
	// Must be >= 2*HeartbeatInterval.
	//
	// Default: 15 seconds
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`
}

// ElectionConfig controls leader election.
type ElectionConfig struct {
	// LeaseTTL is how long a leader lease survives without renewal. The lease is
	// renewed every LeaseTTL/3.
	//
	// Default: 15 seconds
	LeaseTTL time.Duration `yaml:"leaseTtl"`
}

// BucketConfig names the state store buckets.
type BucketConfig struct {
	Operators   string `yaml:"operators"`
	Requests    string `yaml:"requests"`
	Assignments string `yaml:"assignments"`
	Customers   string `yaml:"customers"`
	Presence    string `yaml:"presence"`
	Election    string `yaml:"election"`
}

// Config is the configuration for the Engine.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// InstanceID identifies this engine in leader election.
	// Default: a random UUID chosen at NewEngine.
	InstanceID string `yaml:"instanceId"`

	// OperationTimeout bounds a single background store operation and each API request.
	// Recommended: 10 seconds.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// CASMaxRetries is the number of compare-and-swap conflict retries per write.
	// Default: 16.
	CASMaxRetries int `yaml:"casMaxRetries"`

	// DefaultMaxChats is the capacity given to operators who never reported one.
	// Default: 3.
	DefaultMaxChats int `yaml:"defaultMaxChats"`

	// RequestTTL is how long a request may wait before the leader expires it.
	// Zero disables expiry.
	// Default: 10 minutes.
	RequestTTL time.Duration `yaml:"requestTtl"`

	// AutoAssignOnRequest runs AutoAssign immediately after every RequestChat.
	AutoAssignOnRequest bool `yaml:"autoAssignOnRequest"`

	// Strategy names the built-in selection strategy ("least-loaded", "least-utilized"
	// or "customer-affinity").
	// Ignored when WithStrategy is given.
	Strategy string `yaml:"strategy"`

	// Dispatch controls the leader's dispatch loop.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Presence controls operator presence heartbeats.
	Presence PresenceConfig `yaml:"presence"`

	// Election controls leader election.
	Election ElectionConfig `yaml:"election"`

	// Buckets names the state store buckets.
	Buckets BucketConfig `yaml:"buckets"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Recommended: 10 seconds.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OperationTimeout: 10 * time.Second,
		CASMaxRetries:    16,
		DefaultMaxChats:  3,
		RequestTTL:       10 * time.Minute,
		Strategy:         strategy.NameLeastLoaded,
		Dispatch: DispatchConfig{
			Interval:          5 * time.Second,
			ReconcileInterval: 30 * time.Second,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTTL:      15 * time.Second,
		},
		Election: ElectionConfig{
			LeaseTTL: 15 * time.Second,
		},
		Buckets: BucketConfig{
			Operators:   "chatroute-operators",
			Requests:    "chatroute-requests",
			Assignments: "chatroute-assignments",
			Customers:   "chatroute-customers",
			Presence:    "chatroute-presence",
			Election:    "chatroute-election",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// RequestTTL is left alone: zero is a valid setting that disables expiry, so
// start from DefaultConfig to get the default TTL.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.CASMaxRetries == 0 {
		cfg.CASMaxRetries = defaults.CASMaxRetries
	}
	if cfg.DefaultMaxChats == 0 {
		cfg.DefaultMaxChats = defaults.DefaultMaxChats
	}
	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.Dispatch.Interval == 0 {
		cfg.Dispatch.Interval = defaults.Dispatch.Interval
	}
	if cfg.Dispatch.ReconcileInterval == 0 {
		cfg.Dispatch.ReconcileInterval = defaults.Dispatch.ReconcileInterval
	}
	if cfg.Presence.HeartbeatInterval == 0 {
		cfg.Presence.HeartbeatInterval = defaults.Presence.HeartbeatInterval
	}
	if cfg.Presence.HeartbeatTTL == 0 {
		cfg.Presence.HeartbeatTTL = 3 * cfg.Presence.HeartbeatInterval
	}
	if cfg.Election.LeaseTTL == 0 {
		cfg.Election.LeaseTTL = defaults.Election.LeaseTTL
	}
	if cfg.Buckets.Operators == "" {
		cfg.Buckets.Operators = defaults.Buckets.Operators
	}
	if cfg.Buckets.Requests == "" {
		cfg.Buckets.Requests = defaults.Buckets.Requests
	}
	if cfg.Buckets.Assignments == "" {
		cfg.Buckets.Assignments = defaults.Buckets.Assignments
	}
	if cfg.Buckets.Customers == "" {
		cfg.Buckets.Customers = defaults.Buckets.Customers
	}
	if cfg.Buckets.Presence == "" {
		cfg.Buckets.Presence = defaults.Buckets.Presence
	}
	if cfg.Buckets.Election == "" {
		cfg.Buckets.Election = defaults.Buckets.Election
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - HeartbeatTTL >= 2 * HeartbeatInterval (allow 1 missed heartbeat)
//   - LeaseTTL >= 1s (leases are renewed in whole seconds)
//   - RequestTTL >= 0, DefaultMaxChats > 0, CASMaxRetries >= 0
//   - Dispatch intervals > 0
//   - Bucket names set and distinct
//   - Strategy is a known name
//
// Returns:
//   - error: Validation error with clear explanation, nil if valid
func (cfg *Config) Validate() error {
	if cfg.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be > 0, got %v", cfg.Presence.HeartbeatInterval)
	}
	if cfg.Presence.HeartbeatTTL < 2*cfg.Presence.HeartbeatInterval {
		return fmt.Errorf(
			"HeartbeatTTL (%v) must be >= 2*HeartbeatInterval (%v) to allow one missed heartbeat",
			cfg.Presence.HeartbeatTTL, cfg.Presence.HeartbeatInterval,
		)
	}
	if cfg.Election.LeaseTTL < time.Second {
		return fmt.Errorf("LeaseTTL must be >= 1s, got %v", cfg.Election.LeaseTTL)
	}
	if cfg.RequestTTL < 0 {
		return fmt.Errorf("RequestTTL must not be negative, got %v", cfg.RequestTTL)
	}
	if cfg.DefaultMaxChats <= 0 {
		return fmt.Errorf("DefaultMaxChats must be > 0, got %d", cfg.DefaultMaxChats)
	}
	if cfg.CASMaxRetries < 0 {
		return fmt.Errorf("CASMaxRetries must not be negative, got %d", cfg.CASMaxRetries)
	}
	if cfg.Dispatch.Interval <= 0 || cfg.Dispatch.ReconcileInterval <= 0 {
		return fmt.Errorf("dispatch intervals must be > 0, got %v and %v",
			cfg.Dispatch.Interval, cfg.Dispatch.ReconcileInterval)
	}
	if cfg.OperationTimeout <= 0 {
		return fmt.Errorf("OperationTimeout must be > 0, got %v", cfg.OperationTimeout)
	}
	if _, err := strategy.ByName(cfg.Strategy); err != nil {
		return err
	}

	seen := make(map[string]string, 6)
	for field, name := range map[string]string{
		"operators":   cfg.Buckets.Operators,
		"requests":    cfg.Buckets.Requests,
		"assignments": cfg.Buckets.Assignments,
		"customers":   cfg.Buckets.Customers,
		"presence":    cfg.Buckets.Presence,
		"election":    cfg.Buckets.Election,
	} {
		if name == "" {
			return fmt.Errorf("bucket name for %s is empty", field)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("bucket %q is used for both %s and %s", name, other, field)
		}
		seen[name] = field
	}

	return nil
}

// ValidateWithWarnings logs warnings for valid but non-recommended values.
//
// This is called after Validate() in NewEngine() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.RequestTTL == 0 {
		logger.Warn("RequestTTL is zero, waiting requests never expire")
	}

	if cfg.RequestTTL > 0 && cfg.Dispatch.Interval > cfg.RequestTTL/2 {
		logger.Warn(
			"dispatch interval is long relative to RequestTTL, expiry will lag",
			"interval", cfg.Dispatch.Interval,
			"requestTTL", cfg.RequestTTL,
		)
	}

	if cfg.Presence.HeartbeatTTL < 3*cfg.Presence.HeartbeatInterval {
		logger.Warn(
			"HeartbeatTTL is below recommended 3x HeartbeatInterval",
			"heartbeatTTL", cfg.Presence.HeartbeatTTL,
			"recommended", 3*cfg.Presence.HeartbeatInterval,
		)
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Use DefaultConfig() for production deployments.
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.OperationTimeout = 2 * time.Second
	cfg.Dispatch.Interval = 100 * time.Millisecond
	cfg.Dispatch.ReconcileInterval = 200 * time.Millisecond
	cfg.Presence.HeartbeatInterval = 100 * time.Millisecond
	cfg.Presence.HeartbeatTTL = 300 * time.Millisecond
	cfg.Election.LeaseTTL = time.Second
	cfg.ShutdownTimeout = 2 * time.Second

	return cfg
}
