package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/strategy"
	"github.com/arloliu/chatroute/types"
)

// Claim pairs a waiting request with an operator.
//
// Exactly one of any number of concurrent claims on the same request, or on
// different requests of the same customer, succeeds. The others return
// types.ErrAlreadyHandled. The operator's capacity is checked again when the
// load increment commits.
//
// Steps:
//  1. the request must exist and be waiting
//  2. it must be the customer's latest request, and the customer must have no live assignment
//  3. the operator must be assignable right now
//  4. the customer record takes the new assignment ID (compare-and-swap)
//  5. the operator's load is reserved
//  6. the request moves to assigned (compare-and-swap against the revision read in 1)
//  7. the active assignment is written
//
// A failure in steps 5 to 7 releases what the earlier steps took. An operator
// rejection in step 3 is reported as types.ErrAlreadyHandled when a concurrent
// claim resolved the request in the meantime.
//
// Parameters:
//   - ctx: Context for cancellation
//   - requestID: Waiting request
//   - operatorID: Claiming operator
//
// Returns:
//   - types.ChatAssignment: The new active assignment
//   - error: types.ErrNotFound, types.ErrAlreadyHandled, types.ErrCapacityExceeded,
//     types.ErrOperatorUnavailable, types.ErrInvalidArgument, or a store error
func (m *Manager) Claim(ctx context.Context, requestID, operatorID string) (types.ChatAssignment, error) {
	start := time.Now()
	a, err := m.claim(ctx, requestID, operatorID)
	m.cfg.Metrics.RecordClaim(claimResult(err), time.Since(start).Seconds())

	if err != nil {
		m.cfg.Logger.Debug("claim rejected", "request", requestID, "operator", operatorID, "error", err)
		return a, err
	}

	m.cfg.Logger.Info("chat assigned",
		"assignment", a.ID, "request", a.RequestID, "customer", a.CustomerID, "operator", a.OperatorID)
	m.afterAssigned(ctx, a)

	return a, nil
}

func (m *Manager) claim(ctx context.Context, requestID, operatorID string) (types.ChatAssignment, error) {
	if requestID == "" || operatorID == "" {
		return types.ChatAssignment{}, fmt.Errorf("request and operator ids are required: %w", types.ErrInvalidArgument)
	}

	for attempt := 0; attempt <= m.cfg.CASMaxRetries; attempt++ {
		req, reqRev, err := m.cfg.Queue.Get(ctx, requestID)
		if err != nil {
			return types.ChatAssignment{}, err
		}
		if !req.IsWaiting() {
			return types.ChatAssignment{}, fmt.Errorf("request %s is %s: %w", requestID, req.Status, types.ErrAlreadyHandled)
		}

		rec, recRev, exists, err := m.customer(ctx, req.CustomerID)
		if err != nil {
			return types.ChatAssignment{}, err
		}
		if !exists || rec.LatestRequestID != req.ID {
			return types.ChatAssignment{}, fmt.Errorf("request %s was superseded: %w", requestID, types.ErrAlreadyHandled)
		}
		if rec.ActiveAssignmentID != "" {
			return types.ChatAssignment{}, fmt.Errorf("customer %s already has assignment %s: %w",
				req.CustomerID, rec.ActiveAssignmentID, types.ErrAlreadyHandled)
		}

		if _, err := m.cfg.Registry.CheckAssignable(ctx, operatorID); err != nil {
			// A concurrent winner on the same operator takes its capacity before
			// the request leaves waiting.
			if lost := m.lostClaim(ctx, req); lost != nil {
				return types.ChatAssignment{}, lost
			}

			return types.ChatAssignment{}, err
		}

		assignmentID := m.cfg.NewID()
		rec.ActiveAssignmentID = assignmentID
		_, err = kvjson.Update(ctx, m.cfg.Customers, queue.CustomerKey(req.CustomerID), rec, recRev)
		if errors.Is(err, types.ErrRevisionMismatch) {
			m.onCustomerRetry()
			continue
		}
		if err != nil {
			return types.ChatAssignment{}, fmt.Errorf("hold customer %s: %w", req.CustomerID, err)
		}

		return m.commitClaim(ctx, req, reqRev, operatorID, assignmentID)
	}

	return types.ChatAssignment{}, fmt.Errorf("claim %s: %w", requestID, types.ErrConflict)
}

// commitClaim runs steps 5 to 7 with the customer slot held.
func (m *Manager) commitClaim(
	ctx context.Context,
	req types.ChatRequest,
	reqRev uint64,
	operatorID string,
	assignmentID string,
) (types.ChatAssignment, error) {
	op, err := m.cfg.Registry.Reserve(ctx, operatorID)
	if err != nil {
		m.rollback(ctx, req.CustomerID, assignmentID, "")
		return types.ChatAssignment{}, err
	}

	req, err = m.cfg.Queue.MarkTerminalAt(ctx, req, reqRev, types.RequestAssigned, operatorID, types.RejectNone)
	if err != nil {
		m.rollback(ctx, req.CustomerID, assignmentID, operatorID)
		return types.ChatAssignment{}, err
	}

	now := m.now()
	a := types.ChatAssignment{
		ID:           assignmentID,
		RequestID:    req.ID,
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		OperatorID:   operatorID,
		OperatorName: op.Name,
		Status:       types.AssignmentActive,
		CreatedAt:    now,
		AcceptedAt:   &now,
	}
	if err := m.writeAssignment(ctx, a); err != nil {
		m.rollback(ctx, req.CustomerID, assignmentID, operatorID)
		m.orphaned(ctx, req, a, err)

		return types.ChatAssignment{}, fmt.Errorf("write assignment for request %s: %w", req.ID, err)
	}

	return a, nil
}

// writeAssignment creates the assignment record, retrying transient store
// failures. The ID is fresh, so an existing key is an earlier attempt that landed.
func (m *Manager) writeAssignment(ctx context.Context, a types.ChatAssignment) error {
	return kvjson.Retry(ctx, kvjson.DefaultReadRetry, func() error {
		_, err := kvjson.Create(ctx, m.cfg.Assignments, AssignmentKey(a.ID), a)
		if errors.Is(err, types.ErrKeyExists) {
			return nil
		}

		return err
	})
}

// orphaned records a request left assigned without an assignment. Requests
// are immutable once terminal; the customer gets the slot back and may
// request again.
func (m *Manager) orphaned(ctx context.Context, req types.ChatRequest, a types.ChatAssignment, err error) {
	m.reportError(ctx, "claim left request without assignment", err,
		"request", req.ID, "customer", req.CustomerID, "operator", a.OperatorID)
	m.record(ctx, types.JournalEvent{
		Type:         types.JournalOrphaned,
		CustomerID:   req.CustomerID,
		RequestID:    req.ID,
		AssignmentID: a.ID,
		OperatorID:   a.OperatorID,
	})
}

// lostClaim re-reads the request and the customer slot after an operator
// rejection. It returns types.ErrAlreadyHandled when another claim resolved
// the request meanwhile, and nil when the rejection stands.
func (m *Manager) lostClaim(ctx context.Context, req types.ChatRequest) error {
	current, _, err := m.cfg.Queue.Get(ctx, req.ID)
	if err == nil && !current.IsWaiting() {
		return fmt.Errorf("request %s is %s: %w", req.ID, current.Status, types.ErrAlreadyHandled)
	}

	rec, _, exists, err := m.customer(ctx, req.CustomerID)
	if err != nil {
		return nil //nolint:nilerr // the operator rejection is reported instead
	}
	switch {
	case !exists || rec.LatestRequestID != req.ID:
		return fmt.Errorf("request %s was superseded: %w", req.ID, types.ErrAlreadyHandled)
	case rec.ActiveAssignmentID != "":
		return fmt.Errorf("customer %s already has assignment %s: %w",
			req.CustomerID, rec.ActiveAssignmentID, types.ErrAlreadyHandled)
	}

	return nil
}

// rollback releases the operator load (when operatorID is set) and the
// customer slot taken by a failed claim. Failures are left to Reconcile.
func (m *Manager) rollback(ctx context.Context, customerID, assignmentID, operatorID string) {
	if operatorID != "" {
		if _, err := m.cfg.Registry.AdjustLoad(ctx, operatorID, -1); err != nil {
			m.reportError(ctx, "claim rollback: release load failed", err, "operator", operatorID)
		}
	}
	if err := m.releaseSlot(ctx, customerID, assignmentID); err != nil {
		m.reportError(ctx, "claim rollback: release slot failed", err, "customer", customerID)
	}
}

func (m *Manager) afterAssigned(ctx context.Context, a types.ChatAssignment) {
	m.record(ctx, types.JournalEvent{
		Type:         types.JournalAssigned,
		CustomerID:   a.CustomerID,
		RequestID:    a.RequestID,
		AssignmentID: a.ID,
		OperatorID:   a.OperatorID,
		At:           a.CreatedAt,
	})
	m.handoff(ctx, types.HandoffActivated, a)
	m.notify(ctx, notify.OperatorAssigned{
		CustomerID:   a.CustomerID,
		CustomerName: a.CustomerName,
		OperatorID:   a.OperatorID,
		OperatorName: a.OperatorName,
		AssignmentID: a.ID,
	})
	m.fire("OnAssigned", func(ctx context.Context) error {
		return m.cfg.Hooks.OnAssigned(ctx, a)
	})
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "assigned"
	case errors.Is(err, types.ErrAlreadyHandled):
		return "already_handled"
	case errors.Is(err, types.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, types.ErrOperatorUnavailable):
		return "unavailable"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

// AutoAssign pairs the customer's waiting request with an operator chosen by
// the selection strategy.
//
// An existing live assignment is returned as is. When the chosen operator
// turns out full or unavailable at commit time, selection runs again on the
// same snapshot without that operator.
//
// Returns:
//   - *types.ChatAssignment: The assignment, or nil when no operator qualifies
//   - error: types.ErrNotFound when the customer has no waiting request, a
//     claim error other than an operator rejection, or a store error
func (m *Manager) AutoAssign(ctx context.Context, customerID string) (*types.ChatAssignment, error) {
	a, err := m.autoAssign(ctx, customerID)

	switch {
	case err != nil:
		m.cfg.Metrics.RecordAutoAssign("error")
	case a == nil:
		m.cfg.Metrics.RecordAutoAssign("none")
	default:
		m.cfg.Metrics.RecordAutoAssign("assigned")
	}

	return a, err
}

func (m *Manager) autoAssign(ctx context.Context, customerID string) (*types.ChatAssignment, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer id is empty: %w", types.ErrInvalidArgument)
	}

	rec, _, exists, err := m.customer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if live, ok, err := m.liveAssignment(ctx, rec); err != nil {
		return nil, err
	} else if ok {
		return &live, nil
	}
	if !exists || rec.LatestRequestID == "" {
		return nil, fmt.Errorf("customer %s has no request: %w", customerID, types.ErrNotFound)
	}

	req, _, err := m.cfg.Queue.Get(ctx, rec.LatestRequestID)
	if err != nil {
		return nil, err
	}
	if !req.IsWaiting() {
		return nil, fmt.Errorf("customer %s has no waiting request: %w", customerID, types.ErrNotFound)
	}

	ops, err := m.cfg.Registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make([]string, 0)
	for range len(ops) {
		operatorID, ok := strategy.SelectFor(strategy.Excluding(m.cfg.Strategy, excluded...), customerID, ops)
		if !ok {
			m.cfg.Logger.Debug("no assignable operator", "customer", customerID, "request", req.ID)
			return nil, nil
		}

		a, err := m.Claim(ctx, req.ID, operatorID)
		switch {
		case err == nil:
			return &a, nil
		case errors.Is(err, types.ErrCapacityExceeded),
			errors.Is(err, types.ErrOperatorUnavailable),
			errors.Is(err, types.ErrNotFound):
			// Requests are never deleted, so not-found means the operator record vanished.
			excluded = append(excluded, operatorID)
		case errors.Is(err, types.ErrAlreadyHandled):
			// Someone else claimed it; return their assignment if that is what happened.
			rec, _, _, rerr := m.customer(ctx, customerID)
			if rerr != nil {
				return nil, err
			}
			if live, ok, rerr := m.liveAssignment(ctx, rec); rerr == nil && ok {
				return &live, nil
			}

			return nil, err
		default:
			return nil, err
		}
	}

	return nil, nil
}
