package chatroute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	chattest "github.com/arloliu/chatroute/testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 10*time.Second, cfg.OperationTimeout)
	require.Equal(t, 16, cfg.CASMaxRetries)
	require.Equal(t, 3, cfg.DefaultMaxChats)
	require.Equal(t, 10*time.Minute, cfg.RequestTTL)
	require.Equal(t, "least-loaded", cfg.Strategy)
	require.False(t, cfg.Dispatch.Enabled)
	require.Equal(t, 5*time.Second, cfg.Dispatch.Interval)
	require.Equal(t, 30*time.Second, cfg.Dispatch.ReconcileInterval)
	require.Equal(t, 5*time.Second, cfg.Presence.HeartbeatInterval)
	require.Equal(t, 15*time.Second, cfg.Presence.HeartbeatTTL)
	require.Equal(t, 15*time.Second, cfg.Election.LeaseTTL)
	require.Equal(t, "chatroute-operators", cfg.Buckets.Operators)
	require.Equal(t, "chatroute-election", cfg.Buckets.Election)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, cfg.Validate())
}

func TestSetDefaults(t *testing.T) {
	t.Run("applies defaults to empty config", func(t *testing.T) {
		cfg := Config{}
		SetDefaults(&cfg)

		require.Equal(t, 16, cfg.CASMaxRetries)
		require.Equal(t, 3, cfg.DefaultMaxChats)
		require.Equal(t, "least-loaded", cfg.Strategy)
		require.Equal(t, 15*time.Second, cfg.Presence.HeartbeatTTL)
		require.Equal(t, "chatroute-requests", cfg.Buckets.Requests)
		require.Zero(t, cfg.RequestTTL)
		require.NoError(t, cfg.Validate())
	})

	t.Run("derives heartbeat TTL from interval", func(t *testing.T) {
		cfg := Config{Presence: PresenceConfig{HeartbeatInterval: 2 * time.Second}}
		SetDefaults(&cfg)

		require.Equal(t, 6*time.Second, cfg.Presence.HeartbeatTTL)
	})

	t.Run("preserves custom values", func(t *testing.T) {
		cfg := Config{
			OperationTimeout: 3 * time.Second,
			CASMaxRetries:    4,
			DefaultMaxChats:  8,
			RequestTTL:       time.Minute,
			Strategy:         "least-utilized",
			Dispatch: DispatchConfig{
				Enabled:           true,
				Interval:          time.Second,
				ReconcileInterval: 10 * time.Second,
			},
			Presence: PresenceConfig{
				HeartbeatInterval: time.Second,
				HeartbeatTTL:      4 * time.Second,
			},
			Election: ElectionConfig{LeaseTTL: 5 * time.Second},
			Buckets: BucketConfig{
				Operators:   "ops",
				Requests:    "reqs",
				Assignments: "asg",
				Customers:   "cust",
				Presence:    "pres",
				Election:    "elect",
			},
			ShutdownTimeout: 20 * time.Second,
		}
		want := cfg
		SetDefaults(&cfg)

		require.Equal(t, want, cfg)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "heartbeat TTL too short",
			mutate:  func(c *Config) { c.Presence.HeartbeatTTL = c.Presence.HeartbeatInterval },
			wantErr: "HeartbeatTTL",
		},
		{
			name:    "lease below one second",
			mutate:  func(c *Config) { c.Election.LeaseTTL = 500 * time.Millisecond },
			wantErr: "LeaseTTL",
		},
		{
			name:    "negative request TTL",
			mutate:  func(c *Config) { c.RequestTTL = -time.Second },
			wantErr: "RequestTTL",
		},
		{
			name:    "zero max chats",
			mutate:  func(c *Config) { c.DefaultMaxChats = 0 },
			wantErr: "DefaultMaxChats",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Strategy = "round-robin" },
			wantErr: "round-robin",
		},
		{
			name:    "empty bucket name",
			mutate:  func(c *Config) { c.Buckets.Presence = "" },
			wantErr: "presence",
		},
		{
			name:    "shared bucket name",
			mutate:  func(c *Config) { c.Buckets.Requests = c.Buckets.Operators },
			wantErr: "used for both",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateWithWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTTL = 0
	cfg.Presence.HeartbeatTTL = 2 * cfg.Presence.HeartbeatInterval

	require.NoError(t, cfg.Validate())
	require.NotPanics(t, func() { cfg.ValidateWithWarnings(chattest.NewTestLogger(t)) })
}

func TestTestConfig(t *testing.T) {
	cfg := TestConfig()

	require.NoError(t, cfg.Validate())
	require.Less(t, cfg.Dispatch.Interval, DefaultConfig().Dispatch.Interval)
	require.Less(t, cfg.Presence.HeartbeatTTL, DefaultConfig().Presence.HeartbeatTTL)
}

func TestConfig_YAML(t *testing.T) {
	raw := `
instanceId: node-a
requestTtl: 2m
autoAssignOnRequest: true
strategy: least-utilized
dispatch:
  enabled: true
  interval: 1s
presence:
  heartbeatInterval: 2s
buckets:
  operators: support-operators
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	SetDefaults(&cfg)

	require.Equal(t, "node-a", cfg.InstanceID)
	require.Equal(t, 2*time.Minute, cfg.RequestTTL)
	require.True(t, cfg.AutoAssignOnRequest)
	require.Equal(t, "least-utilized", cfg.Strategy)
	require.True(t, cfg.Dispatch.Enabled)
	require.Equal(t, time.Second, cfg.Dispatch.Interval)
	require.Equal(t, 6*time.Second, cfg.Presence.HeartbeatTTL)
	require.Equal(t, "support-operators", cfg.Buckets.Operators)
	require.Equal(t, "chatroute-requests", cfg.Buckets.Requests)
	require.NoError(t, cfg.Validate())
}
