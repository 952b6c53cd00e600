package notify

import (
	"context"
	"sync"

	"github.com/arloliu/chatroute/internal/amqpx"
	"github.com/arloliu/chatroute/types"
)

// RoutingKey returns the topic routing key for a notification kind.
func RoutingKey(kind string) string {
	return "notification." + kind
}

// AMQPSender publishes rendered notifications to a RabbitMQ topic exchange.
//
// Downstream email and push workers bind to "notification.<kind>".
type AMQPSender struct {
	pub *amqpx.Publisher
}

var _ types.NotificationSender = (*AMQPSender)(nil)

// NewAMQPSender creates a sender on an existing publisher.
func NewAMQPSender(pub *amqpx.Publisher) *AMQPSender {
	return &AMQPSender{pub: pub}
}

// Send publishes n with routing key notification.<kind>.
func (s *AMQPSender) Send(ctx context.Context, n types.Notification) error {
	return s.pub.Publish(ctx, RoutingKey(n.Kind), "notification."+n.Kind+".v1", n.ID, n)
}

// Nop discards notifications.
type Nop struct{}

var _ types.NotificationSender = Nop{}

// Send discards n.
func (Nop) Send(context.Context, types.Notification) error { return nil }

// Recorder keeps sent notifications in memory.
//
// Useful in tests and for single-node development.
type Recorder struct {
	mu   sync.Mutex
	sent []types.Notification
}

var _ types.NotificationSender = (*Recorder)(nil)

// Send appends n.
func (r *Recorder) Send(_ context.Context, n types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)

	return nil
}

// Sent returns a copy of all recorded notifications.
func (r *Recorder) Sent() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Notification, len(r.sent))
	copy(out, r.sent)

	return out
}

// ByKind returns recorded notifications of one kind.
func (r *Recorder) ByKind(kind Kind) []types.Notification {
	var out []types.Notification
	for _, n := range r.Sent() {
		if n.Kind == string(kind) {
			out = append(out, n)
		}
	}

	return out
}
