// Package amqpx publishes JSON envelopes to a RabbitMQ topic exchange.
package amqpx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

// ChannelPool keeps a bounded number of channels alive on one connection.
//
// Invariant: len(permits) == total channels (idle + borrowed) <= capacity.
type ChannelPool struct {
	conn     *amqp.Connection
	pool     chan *amqp.Channel
	capacity int

	closed  atomic.Bool
	newChMu sync.Mutex
	permits chan struct{}
}

// NewChannelPool creates a pool of at most capacity channels (16 when <= 0).
func NewChannelPool(conn *amqp.Connection, capacity int) *ChannelPool {
	if capacity <= 0 {
		capacity = 16
	}

	return &ChannelPool{
		conn:     conn,
		pool:     make(chan *amqp.Channel, capacity),
		capacity: capacity,
		permits:  make(chan struct{}, capacity),
	}
}

// Borrow returns an idle channel, opening a new one while under capacity.
// It waits for a returned channel when the pool is exhausted.
func (cp *ChannelPool) Borrow(ctx context.Context) (*amqp.Channel, error) {
	const retryDelay = 50 * time.Millisecond

	for {
		if cp.closed.Load() {
			return nil, errPoolClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-cp.pool:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			// Dead channel: its permit is reused for a fresh one.
			nch, err := cp.newChannel()
			if err != nil {
				<-cp.permits
				return nil, err
			}

			return nch, nil

		default:
			if cp.conn.IsClosed() {
				return nil, errConnClosed
			}

			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.newChannel()
				if err != nil {
					<-cp.permits
					return nil, err
				}

				return nch, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
}

// Return gives a borrowed channel back. Closed channels release their permit.
func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if cp.closed.Load() || cp.conn.IsClosed() || ch.IsClosed() {
		_ = safeClose(ch)
		cp.release()

		return
	}

	select {
	case cp.pool <- ch:
	default:
		_ = safeClose(ch)
		cp.release()
	}
}

// Close closes every idle channel. Borrowed channels are closed on Return.
func (cp *ChannelPool) Close() {
	if cp.closed.Swap(true) {
		return
	}

	for {
		select {
		case ch := <-cp.pool:
			_ = safeClose(ch)
			cp.release()
		default:
			return
		}
	}
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.permits:
	default:
	}
}

func (cp *ChannelPool) newChannel() (*amqp.Channel, error) {
	cp.newChMu.Lock()
	defer cp.newChMu.Unlock()

	if cp.conn.IsClosed() {
		return nil, errConnClosed
	}

	return cp.conn.Channel()
}

func safeClose(ch *amqp.Channel) error {
	if ch == nil || ch.IsClosed() {
		return nil
	}

	return ch.Close()
}
