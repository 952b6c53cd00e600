package activity

import (
	"time"

	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/types"
)

// Default configuration values for Consumer.
const (
	DefaultStream        = "CHATROUTE_ACTIVITY"
	DefaultSubjectPrefix = "chatroute.activity"
	DefaultDurable       = "chatroute-activity"
	DefaultStreamMaxAge  = time.Hour
	DefaultAckWait       = 30 * time.Second
	DefaultMaxDeliver    = 5
	DefaultBatchSize     = 16
	DefaultFetchTimeout  = 5 * time.Second
	DefaultNakBase       = 200 * time.Millisecond
	DefaultNakMultiplier = 2.0
	DefaultNakCap        = 10 * time.Second
)

// Config configures the activity consumer.
type Config struct {
	// Stream is the JetStream stream holding activity events. It is created
	// when missing and bound to SubjectPrefix.>.
	Stream string

	// SubjectPrefix is the subject prefix events are published under.
	// Events for assignment X go to <SubjectPrefix>.<X>.
	SubjectPrefix string

	// Durable is the durable consumer name shared by every instance, so
	// each event is processed once across the fleet.
	Durable string

	StreamMaxAge time.Duration // Retention of unprocessed events
	AckWait      time.Duration // Redelivery deadline of an unacked event
	MaxDeliver   int           // Delivery attempts before an event is dropped
	BatchSize    int           // Messages buffered per pull
	FetchTimeout time.Duration // Pull request expiry

	// Redelivery backoff after store failures.
	NakBase       time.Duration
	NakMultiplier float64
	NakCap        time.Duration
	// RetrySeed makes the jitter deterministic when non-zero. Tests only.
	RetrySeed int64

	Logger types.Logger
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = DefaultStreamMaxAge
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FetchTimeout < time.Second {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.NakBase <= 0 {
		c.NakBase = DefaultNakBase
	}
	if c.NakMultiplier < 1 {
		c.NakMultiplier = DefaultNakMultiplier
	}
	if c.NakCap <= 0 {
		c.NakCap = DefaultNakCap
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}
