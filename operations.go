package chatroute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/chatroute/internal/heartbeat"
	"github.com/arloliu/chatroute/internal/lifecycle"
)

// ReconcileResult lists what a Reconcile pass repaired.
type ReconcileResult = lifecycle.ReconcileResult

// RequestChat opens a chat request for a customer.
//
// A customer that already has a live assignment gets the request behind it
// back. With Config.AutoAssignOnRequest the engine tries to assign the new
// request right away; when nobody qualifies the request stays waiting.
//
// Parameters:
//   - ctx: Context for cancellation
//   - customerID: Requesting customer (required)
//   - customerName: Display name
//   - message: Opening message
//
// Returns:
//   - ChatRequest: The request as stored after any auto-assignment
//   - error: ErrInvalidArgument, ErrStoreUnavailable, ErrConflict, or ErrNotStarted
func (e *Engine) RequestChat(ctx context.Context, customerID, customerName, message string) (ChatRequest, error) {
	if err := e.check(); err != nil {
		return ChatRequest{}, err
	}

	req, err := e.lifecycle.RequestChat(ctx, customerID, customerName, message)
	if err != nil {
		return req, err
	}
	if !e.cfg.AutoAssignOnRequest || !req.IsWaiting() {
		return req, nil
	}

	a, err := e.lifecycle.AutoAssign(ctx, customerID)
	if err != nil {
		// The request is stored; a failed auto-assign leaves it waiting.
		e.logger.Warn("auto-assign on request failed", "customer", customerID, "request", req.ID, "error", err)
		return req, nil
	}
	if a == nil {
		return req, nil
	}

	current, _, err := e.queue.Get(ctx, req.ID)
	if err != nil {
		return req, nil //nolint:nilerr // assignment already committed
	}

	return current, nil
}

// Claim atomically assigns a waiting request to an operator.
//
// Exactly one of any number of concurrent claims on the same request succeeds;
// the others get ErrAlreadyHandled.
//
// Returns:
//   - ChatAssignment: The active assignment
//   - error: ErrNotFound, ErrAlreadyHandled, ErrCapacityExceeded, ErrOperatorUnavailable,
//     ErrStoreUnavailable, ErrConflict, or ErrNotStarted
func (e *Engine) Claim(ctx context.Context, requestID, operatorID string) (ChatAssignment, error) {
	if err := e.check(); err != nil {
		return ChatAssignment{}, err
	}

	return e.lifecycle.Claim(ctx, requestID, operatorID)
}

// AutoAssign assigns the customer's waiting request using the selection strategy.
//
// Returns nil and no error when no operator can take the chat; the request then
// stays waiting. A customer with a live assignment gets that assignment back.
func (e *Engine) AutoAssign(ctx context.Context, customerID string) (*ChatAssignment, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.lifecycle.AutoAssign(ctx, customerID)
}

// Decline rejects a waiting request on behalf of operators.
func (e *Engine) Decline(ctx context.Context, requestID string) (ChatRequest, error) {
	if err := e.check(); err != nil {
		return ChatRequest{}, err
	}

	return e.lifecycle.Decline(ctx, requestID)
}

// EndChat completes an active assignment. Ending a completed assignment is a no-op.
func (e *Engine) EndChat(ctx context.Context, assignmentID string, by Party) (ChatAssignment, error) {
	if err := e.check(); err != nil {
		return ChatAssignment{}, err
	}

	return e.lifecycle.EndChat(ctx, assignmentID, by)
}

// EndChatFor completes the active assignment between a customer and an operator.
func (e *Engine) EndChatFor(ctx context.Context, customerID, operatorID string, by Party) (ChatAssignment, error) {
	if err := e.check(); err != nil {
		return ChatAssignment{}, err
	}

	return e.lifecycle.EndChatFor(ctx, customerID, operatorID, by)
}

// RecordActivity bumps LastMessageAt of an active assignment to the current time.
func (e *Engine) RecordActivity(ctx context.Context, assignmentID string) (ChatAssignment, error) {
	if err := e.check(); err != nil {
		return ChatAssignment{}, err
	}

	return e.lifecycle.RecordActivity(ctx, assignmentID, e.clock())
}

// RecordActivityAt bumps LastMessageAt to at, for activity reported by a transport.
//
// Activity older than the recorded LastMessageAt is ignored. A zero at means now.
func (e *Engine) RecordActivityAt(ctx context.Context, assignmentID string, at time.Time) (ChatAssignment, error) {
	if err := e.check(); err != nil {
		return ChatAssignment{}, err
	}
	if at.IsZero() {
		at = e.clock()
	}

	return e.lifecycle.RecordActivity(ctx, assignmentID, at)
}

// GetAssignment reads one assignment.
func (e *Engine) GetAssignment(ctx context.Context, assignmentID string) (ChatAssignment, error) {
	if err := e.check(); err != nil {
		return ChatAssignment{}, err
	}

	a, _, err := e.lifecycle.GetAssignment(ctx, assignmentID)

	return a, err
}

// GetRequest reads one request.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (ChatRequest, error) {
	if err := e.check(); err != nil {
		return ChatRequest{}, err
	}

	req, _, err := e.queue.Get(ctx, requestID)

	return req, err
}

// GetActiveAssignmentsFor lists an operator's active assignments, most recent activity first.
func (e *Engine) GetActiveAssignmentsFor(ctx context.Context, operatorID string) ([]ChatAssignment, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.lifecycle.GetActiveAssignmentsFor(ctx, operatorID)
}

// CustomerView returns a customer's latest request and live assignment.
func (e *Engine) CustomerView(ctx context.Context, customerID string) (CustomerView, error) {
	if err := e.check(); err != nil {
		return CustomerView{}, err
	}

	return e.lifecycle.CustomerView(ctx, customerID)
}

// PendingRequests lists the claimable requests, newest first.
func (e *Engine) PendingRequests(ctx context.Context) ([]ChatRequest, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.queue.Pending(ctx)
}

// SetOperatorStatus applies an operator-owned status update.
//
// ActiveChats is owned by the engine and cannot be set here.
func (e *Engine) SetOperatorStatus(ctx context.Context, operatorID string, update StatusUpdate) (OperatorStatus, error) {
	if err := e.check(); err != nil {
		return OperatorStatus{}, err
	}

	return e.registry.SetStatus(ctx, operatorID, update)
}

// Operator reads one operator's status.
func (e *Engine) Operator(ctx context.Context, operatorID string) (OperatorStatus, error) {
	if err := e.check(); err != nil {
		return OperatorStatus{}, err
	}

	return e.registry.Get(ctx, operatorID)
}

// Operators returns a snapshot of every known operator.
func (e *Engine) Operators(ctx context.Context) ([]OperatorStatus, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.registry.Snapshot(ctx)
}

// Reconcile recomputes operator load from the active assignments.
//
// The leader runs it periodically; calling it directly is safe on any instance.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if err := e.check(); err != nil {
		return ReconcileResult{}, err
	}

	return e.lifecycle.Reconcile(ctx)
}

// History returns up to limit journal events of a customer, oldest first.
//
// Without a journal the history is empty.
func (e *Engine) History(ctx context.Context, customerID string, limit int) ([]JournalEvent, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer ID is required", ErrInvalidArgument)
	}
	if e.journal == nil {
		return nil, nil
	}

	return e.journal.History(ctx, customerID, limit)
}

// WatchPending streams the pending queue, newest first.
func (e *Engine) WatchPending(ctx context.Context) (*Subscription[[]ChatRequest], error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.queue.WatchPending(ctx)
}

// WatchOperators streams the operator roster.
func (e *Engine) WatchOperators(ctx context.Context) (*Subscription[[]OperatorStatus], error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.registry.WatchOperators(ctx)
}

// WatchOperatorAssignments streams an operator's active assignments.
func (e *Engine) WatchOperatorAssignments(ctx context.Context, operatorID string) (*Subscription[[]ChatAssignment], error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.lifecycle.WatchOperatorAssignments(ctx, operatorID)
}

// WatchCustomer streams a customer's latest request and live assignment.
func (e *Engine) WatchCustomer(ctx context.Context, customerID string) (*Subscription[CustomerView], error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	return e.lifecycle.WatchCustomer(ctx, customerID)
}

// PresenceSession keeps one operator dashboard present until closed.
type PresenceSession struct {
	engine    *Engine
	publisher *heartbeat.Publisher
	id        string
}

// StartPresence marks an operator online and keeps a heartbeat for one dashboard session.
//
// Each connected dashboard holds its own session; the operator is marked
// offline by the leader once every session is gone for longer than
// Presence.HeartbeatTTL.
//
// Example:
//
//	sess, err := eng.StartPresence(ctx, "op-1")
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
func (e *Engine) StartPresence(ctx context.Context, operatorID string) (*PresenceSession, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator ID is required", ErrInvalidArgument)
	}

	id := uuid.NewString()
	p := heartbeat.New(e.presenceKV, e.registry, operatorID, id, e.cfg.Presence.HeartbeatInterval)
	p.SetMetrics(e.metrics)
	p.SetLogger(e.logger)

	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	e.sessions.Store(id, p)

	return &PresenceSession{engine: e, publisher: p, id: id}, nil
}

// OperatorID returns the operator this session keeps present.
func (s *PresenceSession) OperatorID() string {
	return s.publisher.OperatorID()
}

// Close ends the session. Closing twice is a no-op.
func (s *PresenceSession) Close() error {
	if _, ok := s.engine.sessions.LoadAndDelete(s.id); !ok {
		return nil
	}

	if err := s.publisher.Stop(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
		return err
	}

	return nil
}
