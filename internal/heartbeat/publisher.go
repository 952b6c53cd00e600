package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/logging"
	"github.com/arloliu/chatroute/internal/metrics"
	"github.com/arloliu/chatroute/types"
)

// KeyPrefix prefixes every heartbeat key.
const KeyPrefix = "op"

// Common errors for presence components.
var (
	ErrNotStarted     = errors.New("presence component not started")
	ErrAlreadyStarted = errors.New("presence component already started")
	ErrStopped        = errors.New("presence component already stopped")
	ErrNoOperatorID   = errors.New("operator ID not set")
)

// StatusReporter writes operator status reports.
type StatusReporter interface {
	SetStatus(ctx context.Context, operatorID string, update types.StatusUpdate) (types.OperatorStatus, error)
}

// Beat is the value stored under a heartbeat key.
type Beat struct {
	OperatorID string    `json:"operatorId"`
	Session    string    `json:"session"`
	At         time.Time `json:"at"`
}

// Key returns the heartbeat key of one operator session.
func Key(operatorID, session string) string {
	// kvjson.Key("", s) yields "." followed by the escaped session.
	return kvjson.Key(KeyPrefix, operatorID) + kvjson.Key("", session)
}

// operatorKey strips the session part from a heartbeat key.
func operatorKey(key string) (string, bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= len(KeyPrefix) || !strings.HasPrefix(key, KeyPrefix+".") {
		return "", false
	}

	return key[:i], true
}

// Publisher keeps one operator session present.
//
// Start marks the operator online and writes the first heartbeat; the key is
// then refreshed every interval until Stop deletes it.
type Publisher struct {
	kv         types.KeyValue
	status     StatusReporter
	operatorID string
	session    string
	interval   time.Duration
	metrics    types.MetricsCollector
	logger     types.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker
}

// New creates a heartbeat publisher for one operator session.
//
// The presence bucket should have a TTL of about 3x the interval.
//
// Parameters:
//   - kv: Presence bucket
//   - status: Registry used to mark the operator online
//   - operatorID: Operator identifier
//   - session: Identifier of the connected dashboard
//   - interval: Heartbeat interval
//
// Returns:
//   - *Publisher: New heartbeat publisher instance
func New(kv types.KeyValue, status StatusReporter, operatorID, session string, interval time.Duration) *Publisher {
	return &Publisher{
		kv:         kv,
		status:     status,
		operatorID: operatorID,
		session:    session,
		interval:   interval,
		metrics:    metrics.NewNop(),
		logger:     logging.NewNop(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetMetrics sets the metrics collector for heartbeat events.
func (p *Publisher) SetMetrics(m types.MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m != nil {
		p.metrics = m
	}
}

// SetLogger sets the logger for publish failures.
func (p *Publisher) SetLogger(l types.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l != nil {
		p.logger = l
	}
}

// Start publishes the first heartbeat, marks the operator online and keeps
// publishing in the background until Stop.
//
// Returns:
//   - error: ErrAlreadyStarted, ErrStopped, ErrNoOperatorID, or a store error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	if p.operatorID == "" {
		return ErrNoOperatorID
	}

	if err := p.publish(ctx); err != nil {
		p.metrics.RecordHeartbeat(p.operatorID, false)
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}
	p.metrics.RecordHeartbeat(p.operatorID, true)

	if _, err := p.status.SetStatus(ctx, p.operatorID, types.Online(true)); err != nil {
		_ = p.kv.Delete(ctx, p.Key())
		return fmt.Errorf("failed to mark %s online: %w", p.operatorID, err)
	}

	p.started = true
	p.ticker = time.NewTicker(p.interval)
	go p.publishLoop()

	return nil
}

// Stop stops publishing and deletes the heartbeat key.
//
// The operator stays online until the monitor sees no session left and
// LastSeen is older than the TTL. Blocks until the publish goroutine exits.
//
// Returns:
//   - error: ErrNotStarted if not running, or the cleanup error
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.ticker.Stop()
	close(p.stopCh)
	p.started = false
	p.stopped = true
	p.mu.Unlock()

	<-p.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.kv.Delete(ctx, p.Key()); err != nil {
		return fmt.Errorf("stopped but failed to delete heartbeat: %w", err)
	}

	return nil
}

func (p *Publisher) publishLoop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.publish(ctx)
			cancel()

			p.mu.Lock()
			m, l := p.metrics, p.logger
			p.mu.Unlock()

			m.RecordHeartbeat(p.operatorID, err == nil)
			if err != nil {
				l.Warn("heartbeat publish failed", "operator", p.operatorID, "session", p.session, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	beat := Beat{OperatorID: p.operatorID, Session: p.session, At: time.Now().UTC()}
	if _, err := kvjson.Put(ctx, p.kv, p.Key(), beat); err != nil {
		return fmt.Errorf("failed to publish heartbeat for %s: %w", p.operatorID, err)
	}

	return nil
}

// Key returns this session's heartbeat key.
func (p *Publisher) Key() string {
	return Key(p.operatorID, p.session)
}

// OperatorID returns the operator this publisher keeps present.
func (p *Publisher) OperatorID() string {
	return p.operatorID
}

// IsStarted returns whether the publisher is currently running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}
