package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/chatroute"
	"github.com/arloliu/chatroute/internal/activity"
)

// Store backends.
const (
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Handoff and notification backends.
const (
	BackendAMQP = "amqp"
	BackendNone = "none"
)

// Config is the daemon configuration file.
type Config struct {
	Engine   chatroute.Config `yaml:"engine"`
	HTTP     HTTPConfig       `yaml:"http"`
	Log      LogConfig        `yaml:"log"`
	Store    StoreConfig      `yaml:"store"`
	Handoff  HandoffConfig    `yaml:"handoff"`
	Notify   NotifyConfig     `yaml:"notify"`
	AMQP     AMQPConfig       `yaml:"amqp"`
	Journal  JournalConfig    `yaml:"journal"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Activity ActivityConfig   `yaml:"activity"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowOrigins    []string      `yaml:"allowOrigins"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	PingInterval    time.Duration `yaml:"pingInterval"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	Mode  string `yaml:"mode"`  // "production" (JSON) or "development" (console)
	Level string `yaml:"level"` // debug, info, warn, error
}

// StoreConfig selects the shared state store.
type StoreConfig struct {
	Backend string `yaml:"backend"` // nats, redis or memory

	NATSURL      string `yaml:"natsUrl"`
	EmbeddedNATS bool   `yaml:"embeddedNats"` // run an in-process JetStream server (development)
	EmbeddedDir  string `yaml:"embeddedDir"`  // JetStream storage of the embedded server

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	RedisPrefix   string `yaml:"redisPrefix"`
}

// HandoffConfig selects where pairing events go.
type HandoffConfig struct {
	Backend       string `yaml:"backend"` // nats, amqp or none
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// NotifyConfig selects where notifications go.
type NotifyConfig struct {
	Backend string `yaml:"backend"` // amqp or none
}

// AMQPConfig is shared by the AMQP handoff and notification sender.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// JournalConfig configures the SQLite audit journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ActivityConfig configures the JetStream consumer of transport activity events.
// It needs the nats store.
type ActivityConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	Durable       string `yaml:"durable"`
}

// DefaultConfig returns the daemon defaults: an embedded NATS server and no
// outbound collaborators, suitable for local development.
func DefaultConfig() Config {
	return Config{
		Engine: chatroute.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RequestTimeout:  10 * time.Second,
			PingInterval:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Mode: "production", Level: "info"},
		Store: StoreConfig{
			Backend:      BackendNATS,
			EmbeddedNATS: true,
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "chatroute",
		},
		Handoff: HandoffConfig{Backend: BackendNone},
		Notify:  NotifyConfig{Backend: BackendNone},
		AMQP:    AMQPConfig{Exchange: "chatroute.events"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "chatroute"},
		Activity: ActivityConfig{
			Stream:        activity.DefaultStream,
			SubjectPrefix: activity.DefaultSubjectPrefix,
			Durable:       activity.DefaultDurable,
		},
	}
}

// expandEnv substitutes {{.VAR}} references with environment variables.
//
// Content that is not a valid template is returned unchanged. Missing
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}

	return buf.Bytes()
}

// LoadConfig reads path over the defaults, then applies environment overrides.
//
// An empty path uses the defaults and the environment only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	chatroute.SetDefaults(&cfg.Engine)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// applyEnv applies CHATROUTE_* overrides.
func applyEnv(cfg *Config) {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	set("CHATROUTE_INSTANCE_ID", &cfg.Engine.InstanceID)
	set("CHATROUTE_HTTP_ADDR", &cfg.HTTP.Addr)
	set("CHATROUTE_LOG_MODE", &cfg.Log.Mode)
	set("CHATROUTE_LOG_LEVEL", &cfg.Log.Level)
	set("CHATROUTE_STORE_BACKEND", &cfg.Store.Backend)
	set("CHATROUTE_NATS_URL", &cfg.Store.NATSURL)
	set("CHATROUTE_REDIS_ADDR", &cfg.Store.RedisAddr)
	set("CHATROUTE_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	set("CHATROUTE_HANDOFF_BACKEND", &cfg.Handoff.Backend)
	set("CHATROUTE_NOTIFY_BACKEND", &cfg.Notify.Backend)
	set("CHATROUTE_AMQP_URL", &cfg.AMQP.URL)
	set("CHATROUTE_JOURNAL_PATH", &cfg.Journal.Path)

	// An explicit server URL turns the embedded server off.
	if cfg.Store.NATSURL != "" {
		cfg.Store.EmbeddedNATS = false
	}
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	switch c.Store.Backend {
	case BackendNATS:
		if c.Store.NATSURL == "" && !c.Store.EmbeddedNATS {
			return errors.New("store: natsUrl is required unless embeddedNats is set")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store: redisAddr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Handoff.Backend {
	case BackendNATS:
		if c.Store.Backend != BackendNATS {
			return errors.New("handoff: the nats backend needs the nats store")
		}
	case BackendAMQP, BackendNone, "":
	default:
		return fmt.Errorf("handoff: unknown backend %q", c.Handoff.Backend)
	}

	switch c.Notify.Backend {
	case BackendAMQP, BackendNone, "":
	default:
		return fmt.Errorf("notify: unknown backend %q", c.Notify.Backend)
	}

	if c.Activity.Enabled && c.Store.Backend != BackendNATS {
		return errors.New("activity: the consumer needs the nats store")
	}

	if c.usesAMQP() && c.AMQP.URL == "" {
		return errors.New("amqp: url is required when a backend uses amqp")
	}

	return nil
}

func (c *Config) usesAMQP() bool {
	return c.Handoff.Backend == BackendAMQP || c.Notify.Backend == BackendAMQP
}
