package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/types"
)

// EndChat completes a live assignment.
//
// Only the call that moves the assignment to completed releases the operator's
// load and the customer's slot. Calling it again returns the completed
// assignment without side effects.
//
// Parameters:
//   - ctx: Context for cancellation
//   - assignmentID: Assignment to end
//   - by: Party ending the chat (empty means system)
//
// Returns:
//   - types.ChatAssignment: The completed assignment
//   - error: types.ErrNotFound, types.ErrInvalidArgument, or a store error.
//     A store error while releasing the load is returned together with the
//     completed assignment.
func (m *Manager) EndChat(ctx context.Context, assignmentID string, by types.Party) (types.ChatAssignment, error) {
	if by == "" {
		by = types.PartySystem
	}
	if !validParty(by) {
		return types.ChatAssignment{}, fmt.Errorf("unknown party %q: %w", by, types.ErrInvalidArgument)
	}

	now := m.now()
	a, _, err := kvjson.Mutate(ctx, m.cfg.Assignments, AssignmentKey(assignmentID), m.cfg.CASMaxRetries, m.onAssignmentRetry,
		func(cur types.ChatAssignment, exists bool) (types.ChatAssignment, error) {
			if !exists {
				return cur, types.ErrNotFound
			}
			if !cur.Status.IsLive() {
				return cur, kvjson.ErrAbort
			}
			cur.Status = types.AssignmentCompleted
			cur.CompletedAt = &now
			cur.EndedBy = by

			return cur, nil
		})
	switch {
	case errors.Is(err, kvjson.ErrAbort):
		return a, nil
	case errors.Is(err, types.ErrNotFound):
		return a, fmt.Errorf("assignment %s: %w", assignmentID, types.ErrNotFound)
	case err != nil:
		return a, fmt.Errorf("end assignment %s: %w", assignmentID, err)
	}

	var releaseErr error
	if _, err := m.cfg.Registry.AdjustLoad(ctx, a.OperatorID, -1); err != nil {
		releaseErr = fmt.Errorf("release load of %s: %w", a.OperatorID, err)
		m.reportError(ctx, "end chat: release load failed", err, "operator", a.OperatorID, "assignment", a.ID)
	}
	if err := m.releaseSlot(ctx, a.CustomerID, a.ID); err != nil {
		m.reportError(ctx, "end chat: release slot failed", err, "customer", a.CustomerID, "assignment", a.ID)
	}

	m.cfg.Metrics.RecordChatEnded(string(by))
	m.cfg.Logger.Info("chat ended", "assignment", a.ID, "customer", a.CustomerID, "operator", a.OperatorID, "by", by)
	m.afterEnded(ctx, a)

	return a, releaseErr
}

func (m *Manager) afterEnded(ctx context.Context, a types.ChatAssignment) {
	m.record(ctx, types.JournalEvent{
		Type:         types.JournalEnded,
		CustomerID:   a.CustomerID,
		RequestID:    a.RequestID,
		AssignmentID: a.ID,
		OperatorID:   a.OperatorID,
		Detail:       string(a.EndedBy),
	})
	m.handoff(ctx, types.HandoffEnded, a)

	switch a.EndedBy {
	case types.PartyCustomer:
		m.notify(ctx, notify.ChatEnded{Recipient: a.OperatorID, AssignmentID: a.ID, EndedBy: a.EndedBy})
	case types.PartyOperator:
		m.notify(ctx, notify.ChatEnded{Recipient: a.CustomerID, AssignmentID: a.ID, EndedBy: a.EndedBy})
	default:
		m.notify(ctx, notify.ChatEnded{Recipient: a.CustomerID, AssignmentID: a.ID, EndedBy: a.EndedBy})
		m.notify(ctx, notify.ChatEnded{Recipient: a.OperatorID, AssignmentID: a.ID, EndedBy: a.EndedBy})
	}

	m.fire("OnEnded", func(ctx context.Context) error {
		return m.cfg.Hooks.OnEnded(ctx, a)
	})
}

// EndChatFor ends the chat between a customer and an operator.
//
// The customer's live assignment is ended when it belongs to operatorID (any
// operator when operatorID is empty). Without one, the most recent completed
// assignment of the pair is returned, which keeps a repeated call a no-op.
//
// Returns:
//   - types.ChatAssignment: The completed assignment
//   - error: types.ErrNotFound when the pair never had an assignment
func (m *Manager) EndChatFor(ctx context.Context, customerID, operatorID string, by types.Party) (types.ChatAssignment, error) {
	if customerID == "" {
		return types.ChatAssignment{}, fmt.Errorf("customer id is empty: %w", types.ErrInvalidArgument)
	}

	rec, _, _, err := m.customer(ctx, customerID)
	if err != nil {
		return types.ChatAssignment{}, err
	}
	live, ok, err := m.liveAssignment(ctx, rec)
	if err != nil {
		return types.ChatAssignment{}, err
	}
	if ok && (operatorID == "" || live.OperatorID == operatorID) {
		return m.EndChat(ctx, live.ID, by)
	}

	all, err := m.loadAssignments(ctx)
	if err != nil {
		return types.ChatAssignment{}, err
	}
	pair := slices.DeleteFunc(all, func(a types.ChatAssignment) bool {
		return a.CustomerID != customerID || (operatorID != "" && a.OperatorID != operatorID)
	})
	if len(pair) == 0 {
		return types.ChatAssignment{}, fmt.Errorf("no assignment for customer %s and operator %q: %w",
			customerID, operatorID, types.ErrNotFound)
	}

	// A live one here means the customer slot lost track of it.
	for _, a := range pair {
		if a.Status.IsLive() {
			return m.EndChat(ctx, a.ID, by)
		}
	}

	return slices.MaxFunc(pair, func(a, b types.ChatAssignment) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	}), nil
}

// RecordActivity bumps LastMessageAt of a live assignment.
//
// Timestamps older than the stored one are ignored. A zero at means now.
//
// Returns:
//   - types.ChatAssignment: The assignment after the update
//   - error: types.ErrNotFound, types.ErrAlreadyHandled when completed, or a store error
func (m *Manager) RecordActivity(ctx context.Context, assignmentID string, at time.Time) (types.ChatAssignment, error) {
	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()

	a, _, err := kvjson.Mutate(ctx, m.cfg.Assignments, AssignmentKey(assignmentID), m.cfg.CASMaxRetries, m.onAssignmentRetry,
		func(cur types.ChatAssignment, exists bool) (types.ChatAssignment, error) {
			switch {
			case !exists:
				return cur, types.ErrNotFound
			case !cur.Status.IsLive():
				return cur, types.ErrAlreadyHandled
			case cur.LastMessageAt != nil && !at.After(*cur.LastMessageAt):
				return cur, kvjson.ErrAbort
			}
			cur.LastMessageAt = &at

			return cur, nil
		})
	if errors.Is(err, kvjson.ErrAbort) {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("activity on %s: %w", assignmentID, err)
	}

	return a, nil
}

func validParty(p types.Party) bool {
	switch p {
	case types.PartyCustomer, types.PartyOperator, types.PartySystem:
		return true
	default:
		return false
	}
}
