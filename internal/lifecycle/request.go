package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/types"
)

// RequestChat opens a chat request for a customer.
//
// A customer with a live assignment gets the request that assignment fulfilled
// back instead of a duplicate. Otherwise the customer record is pointed at a
// new request ID first and the request is stored second, so an older waiting
// request of the same customer stops being claimable before the new one shows
// up in the pending queue.
//
// Parameters:
//   - ctx: Context for cancellation
//   - customerID: Requesting customer (required)
//   - customerName: Display name
//   - message: Opening message
//
// Returns:
//   - types.ChatRequest: The new request, or the one behind the live assignment
//   - error: types.ErrInvalidArgument, a store error, or types.ErrConflict
func (m *Manager) RequestChat(ctx context.Context, customerID, customerName, message string) (types.ChatRequest, error) {
	req, err := m.cfg.Queue.Prepare(customerID, customerName, message)
	if err != nil {
		return req, err
	}

	key := queue.CustomerKey(customerID)
	for attempt := 0; attempt <= m.cfg.CASMaxRetries; attempt++ {
		rec, rev, exists, err := m.customer(ctx, customerID)
		if err != nil {
			return types.ChatRequest{}, err
		}

		if rec.ActiveAssignmentID != "" {
			existing, done, err := m.resolveBusySlot(ctx, rec, rev)
			if err != nil {
				return types.ChatRequest{}, err
			}
			if done {
				return existing, nil
			}

			continue
		}

		rec.LatestRequestID = req.ID
		if exists {
			_, err = kvjson.Update(ctx, m.cfg.Customers, key, rec, rev)
		} else {
			_, err = kvjson.Create(ctx, m.cfg.Customers, key, rec)
		}
		if errors.Is(err, types.ErrRevisionMismatch) || errors.Is(err, types.ErrKeyExists) {
			m.onCustomerRetry()
			continue
		}
		if err != nil {
			return types.ChatRequest{}, fmt.Errorf("request chat for %s: %w", customerID, err)
		}

		req, err = m.cfg.Queue.Insert(ctx, req)
		if err != nil {
			return types.ChatRequest{}, err
		}

		m.record(ctx, types.JournalEvent{
			Type:       types.JournalRequested,
			CustomerID: customerID,
			RequestID:  req.ID,
			At:         req.CreatedAt,
		})
		m.cfg.Logger.Info("chat requested", "customer", customerID, "request", req.ID)

		return req, nil
	}

	return types.ChatRequest{}, fmt.Errorf("request chat for %s: %w", customerID, types.ErrConflict)
}

// resolveBusySlot handles a customer record whose slot is taken.
//
// It returns the request behind a live or in-flight assignment with done=true.
// A slot left pointing at a completed assignment is released and done=false
// tells the caller to start over.
func (m *Manager) resolveBusySlot(ctx context.Context, rec types.CustomerRecord, rev uint64) (types.ChatRequest, bool, error) {
	a, _, err := m.GetAssignment(ctx, rec.ActiveAssignmentID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		// A claim holds the slot and has not written the assignment yet. It
		// is claiming the customer's latest request.
		req, _, err := m.cfg.Queue.Get(ctx, rec.LatestRequestID)
		return req, err == nil, err
	case err != nil:
		return types.ChatRequest{}, false, err
	case a.Status.IsLive():
		req, _, err := m.cfg.Queue.Get(ctx, a.RequestID)
		return req, err == nil, err
	}

	rec.ActiveAssignmentID = ""
	_, err = kvjson.Update(ctx, m.cfg.Customers, queue.CustomerKey(rec.CustomerID), rec, rev)
	if err != nil && !errors.Is(err, types.ErrRevisionMismatch) {
		return types.ChatRequest{}, false, fmt.Errorf("release stale slot of %s: %w", rec.CustomerID, err)
	}
	m.cfg.Logger.Warn("released stale customer slot", "customer", rec.CustomerID, "assignment", a.ID)

	return types.ChatRequest{}, false, nil
}

// Decline rejects a waiting request. The customer may request again.
//
// Returns:
//   - types.ChatRequest: The rejected request
//   - error: types.ErrNotFound, types.ErrAlreadyHandled, or a store error
func (m *Manager) Decline(ctx context.Context, requestID string) (types.ChatRequest, error) {
	req, err := m.cfg.Queue.MarkTerminal(ctx, requestID, types.RequestRejected, "", types.RejectDeclined)
	if err != nil {
		return req, err
	}

	m.record(ctx, types.JournalEvent{
		Type:       types.JournalDeclined,
		CustomerID: req.CustomerID,
		RequestID:  req.ID,
	})
	m.notify(ctx, notify.RequestDeclined{CustomerID: req.CustomerID, RequestID: req.ID})
	m.cfg.Logger.Info("request declined", "request", req.ID, "customer", req.CustomerID)

	return req, nil
}

// ExpireWaiting rejects every waiting request created more than olderThan ago.
//
// Superseded requests expire silently. The customer's latest request expiring
// notifies the customer and fires OnRequestExpired. Requests resolved by
// someone else in the meantime are skipped.
//
// Returns:
//   - []types.ChatRequest: Requests this call expired, oldest first
//   - error: The first store error; requests expired before it are still returned
func (m *Manager) ExpireWaiting(ctx context.Context, olderThan time.Duration) ([]types.ChatRequest, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("expiry age %s is not positive: %w", olderThan, types.ErrInvalidArgument)
	}

	waiting, err := m.cfg.Queue.Waiting(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	cutoff := now.Add(-olderThan)
	expired := make([]types.ChatRequest, 0)
	for _, r := range waiting {
		if !r.CreatedAt.Before(cutoff) {
			break
		}

		req, err := m.cfg.Queue.MarkTerminal(ctx, r.ID, types.RequestRejected, "", types.RejectExpired)
		if errors.Is(err, types.ErrAlreadyHandled) || errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, req)

		m.record(ctx, types.JournalEvent{
			Type:       types.JournalExpired,
			CustomerID: req.CustomerID,
			RequestID:  req.ID,
		})

		rec, _, _, err := m.customer(ctx, req.CustomerID)
		if err != nil || rec.LatestRequestID != req.ID {
			continue
		}

		m.notify(ctx, notify.RequestExpired{CustomerID: req.CustomerID, RequestID: req.ID, Waited: now.Sub(req.CreatedAt)})
		m.fire("OnRequestExpired", func(ctx context.Context) error {
			return m.cfg.Hooks.OnRequestExpired(ctx, req)
		})
	}

	if len(expired) > 0 {
		m.cfg.Logger.Info("expired waiting requests", "count", len(expired), "olderThan", olderThan)
	}

	return expired, nil
}
