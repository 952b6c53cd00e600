// Package handoff tells the chat message transport when a customer/operator
// pair goes live or ends.
//
// Three implementations are provided: NATS core subjects, a RabbitMQ topic
// exchange, and Nop. All satisfy types.TransportHandoff.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/chatroute/internal/amqpx"
	"github.com/arloliu/chatroute/types"
)

// DefaultSubjectPrefix is the NATS subject prefix for handoff events.
const DefaultSubjectPrefix = "chatroute.handoff"

var errNilConn = errors.New("handoff: connection is nil")

// NATS publishes handoff events as JSON on <prefix>.<kind>.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

var _ types.TransportHandoff = (*NATS)(nil)

// NewNATS creates a NATS handoff. An empty prefix uses DefaultSubjectPrefix.
func NewNATS(nc *nats.Conn, prefix string) (*NATS, error) {
	if nc == nil {
		return nil, errNilConn
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &NATS{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject used for kind.
func (h *NATS) Subject(kind types.HandoffKind) string {
	return h.prefix + "." + string(kind)
}

// Handoff publishes the event and flushes so the transport sees it before the
// caller proceeds.
func (h *NATS) Handoff(ctx context.Context, event types.HandoffEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}

	msg := nats.NewMsg(h.Subject(event.Kind))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.AssignmentID+"."+string(event.Kind))

	if err := h.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish handoff: %w", err)
	}

	return h.nc.FlushWithContext(ctx)
}

// AMQP publishes handoff events to a topic exchange with routing key
// chat.<kind>.
type AMQP struct {
	pub *amqpx.Publisher
}

var _ types.TransportHandoff = (*AMQP)(nil)

// NewAMQP creates an AMQP handoff on an existing publisher.
func NewAMQP(pub *amqpx.Publisher) *AMQP {
	return &AMQP{pub: pub}
}

// Handoff publishes the event.
func (h *AMQP) Handoff(ctx context.Context, event types.HandoffEvent) error {
	kind := "chat." + string(event.Kind)
	return h.pub.Publish(ctx, kind, kind+".v1", event.AssignmentID, event)
}

// Nop drops handoff events.
type Nop struct{}

var _ types.TransportHandoff = Nop{}

// Handoff does nothing.
func (Nop) Handoff(context.Context, types.HandoffEvent) error { return nil }
