// Package activity consumes chat activity events from a JetStream stream and
// records them on the matching assignments.
//
// Chat transports publish one Event per exchanged message. Every engine
// instance binds to the same durable pull consumer, so each event is applied
// once across the fleet. Events for unknown or completed assignments are
// acknowledged and dropped; store failures are redelivered with jittered
// backoff until MaxDeliver.
package activity

import (
	"context"
	"errors"
	"fmt"
	rand "math/rand/v2"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/chatroute/types"
)

// ErrInvalidEvent is returned for events that can never be applied.
var ErrInvalidEvent = errors.New("invalid activity event")

// Recorder applies activity to an assignment. *chatroute.Engine implements it.
type Recorder interface {
	RecordActivityAt(ctx context.Context, assignmentID string, at time.Time) (types.ChatAssignment, error)
}

// Consumer pulls activity events and hands them to a Recorder.
type Consumer struct {
	js       jetstream.JetStream
	recorder Recorder
	cfg      Config
	logger   types.Logger
	rng      *rand.Rand

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	iter    jetstream.MessagesContext
	done    chan struct{}
}

// New creates a consumer. Nothing is created on the server until Start.
func New(conn *nats.Conn, recorder Recorder, cfg Config) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("NATS connection is required")
	}
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	cfg.applyDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Consumer{
		js:       js,
		recorder: recorder,
		cfg:      cfg,
		logger:   cfg.Logger,
		rng:      newRetryRNG(cfg.RetrySeed),
	}, nil
}

// Start ensures the stream and durable consumer exist and starts the pull loop.
//
// ctx bounds the setup only; the loop runs until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return types.ErrComponentAlreadyStopped
	}
	if c.started {
		return types.ErrComponentAlreadyStarted
	}

	if _, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.cfg.Stream,
		Subjects: []string{c.cfg.SubjectPrefix + ".>"},
		MaxAge:   c.cfg.StreamMaxAge,
	}); err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", c.cfg.Stream, err)
	}

	cons, err := c.getOrCreateConsumer(ctx)
	if err != nil {
		return err
	}

	iter, err := cons.Messages(
		jetstream.PullMaxMessages(c.cfg.BatchSize),
		jetstream.PullExpiry(c.cfg.FetchTimeout),
		jetstream.PullHeartbeat(c.cfg.FetchTimeout/2),
	)
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.iter = iter
	c.done = make(chan struct{})
	c.started = true

	go func() {
		defer close(c.done)
		if err := c.pullLoop(loopCtx, iter); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("activity pull loop exited with error", "error", err)
		}
	}()

	c.logger.Info("activity consumer started",
		"stream", c.cfg.Stream,
		"durable", c.cfg.Durable,
		"subject", c.cfg.SubjectPrefix+".>")

	return nil
}

// Stop ends the pull loop and waits for the in-flight event.
//
// The durable consumer stays on the server for the other instances.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()

		return types.ErrComponentNotStarted
	}
	if c.stopped {
		c.mu.Unlock()

		return types.ErrComponentAlreadyStopped
	}
	c.stopped = true
	c.cancel()
	c.iter.Stop()
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info("activity consumer stopped")

	return nil
}

// getOrCreateConsumer binds to the durable consumer, creating it on first use.
// Instances racing to create it converge on the same consumer.
func (c *Consumer) getOrCreateConsumer(ctx context.Context) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, c.cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", c.cfg.Stream, err)
	}

	cons, err := stream.Consumer(ctx, c.cfg.Durable)
	if err == nil {
		return cons, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("failed to access consumer: %w", err)
	}

	cons, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: c.cfg.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err == nil {
		c.logger.Info("activity consumer created", "durable", c.cfg.Durable)

		return cons, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cons, err = stream.Consumer(ctx, c.cfg.Durable)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer after race: %w", err)
	}

	return cons, nil
}

func (c *Consumer) pullLoop(ctx context.Context, iter jetstream.MessagesContext) error {
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("error fetching next activity event, retrying", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.NakBase):
				continue
			}
		}

		c.handle(ctx, msg)
	}
}

// handle applies one event and settles the message.
func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	ev, err := decodeEvent(msg.Data())
	if err != nil {
		c.logger.Warn("dropping invalid activity event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()

		return
	}

	_, err = c.recorder.RecordActivityAt(ctx, ev.AssignmentID, ev.At)
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrAlreadyHandled):
		c.logger.Debug("activity for inactive assignment", "assignment", ev.AssignmentID, "error", err)
		_ = msg.Ack()
	case errors.Is(err, types.ErrInvalidArgument):
		c.logger.Warn("dropping activity event", "assignment", ev.AssignmentID, "error", err)
		_ = msg.Term()
	default:
		var delivered uint64 = 1
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		delay := redeliveryDelay(delivered, c.cfg.NakBase, c.cfg.NakMultiplier, c.cfg.NakCap, c.rng)
		c.logger.Warn("activity event failed, redelivering",
			"assignment", ev.AssignmentID,
			"delivered", delivered,
			"delay", delay,
			"error", err)
		_ = msg.NakWithDelay(delay)
	}
}
