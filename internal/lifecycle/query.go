package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/internal/kvjson"
	"github.com/arloliu/chatroute/internal/queue"
	"github.com/arloliu/chatroute/types"
)

// GetActiveAssignmentsFor returns an operator's active assignments, most
// recent activity first.
func (m *Manager) GetActiveAssignmentsFor(ctx context.Context, operatorID string) ([]types.ChatAssignment, error) {
	all, err := m.loadAssignments(ctx)
	if err != nil {
		return nil, err
	}

	return activeFor(all, operatorID), nil
}

// CustomerView returns the customer's latest request and live assignment.
func (m *Manager) CustomerView(ctx context.Context, customerID string) (types.CustomerView, error) {
	view := types.CustomerView{CustomerID: customerID}

	rec, _, exists, err := m.customer(ctx, customerID)
	if err != nil || !exists {
		return view, err
	}

	if rec.LatestRequestID != "" {
		req, _, err := m.cfg.Queue.Get(ctx, rec.LatestRequestID)
		switch {
		case err == nil:
			view.Request = &req
		case !errors.Is(err, types.ErrNotFound):
			return view, err
		}
	}

	live, ok, err := m.liveAssignment(ctx, rec)
	if err != nil {
		return view, err
	}
	if ok {
		view.Assignment = &live
	}

	return view, nil
}

func (m *Manager) loadAssignments(ctx context.Context) ([]types.ChatAssignment, error) {
	var all []types.ChatAssignment
	err := kvjson.Retry(ctx, kvjson.DefaultReadRetry, func() error {
		var err error
		all, err = kvjson.LoadAll[types.ChatAssignment](ctx, m.cfg.Assignments, AssignmentKeyPrefix)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("assignment snapshot: %w", err)
	}

	return all, nil
}

// activeFor filters active assignments of one operator, ordered by
// LastActivity descending, then ID ascending.
func activeFor(all []types.ChatAssignment, operatorID string) []types.ChatAssignment {
	out := make([]types.ChatAssignment, 0)
	for _, a := range all {
		if a.OperatorID == operatorID && a.Status == types.AssignmentActive {
			out = append(out, a)
		}
	}

	slices.SortFunc(out, func(a, b types.ChatAssignment) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return out
}

// WatchOperatorAssignments streams an operator's active assignments in the
// GetActiveAssignmentsFor order.
func (m *Manager) WatchOperatorAssignments(ctx context.Context, operatorID string) (*fanout.Subscription[[]types.ChatAssignment], error) {
	if m.cfg.Hub == nil {
		return nil, errors.New("lifecycle manager has no fanout hub")
	}

	bucket := m.cfg.Assignments.Name()
	feed := fanout.Feed{Name: FeedOperatorAssignments, Buckets: []string{bucket}}

	return fanout.Subscribe(ctx, m.cfg.Hub, feed, func(v fanout.View) []types.ChatAssignment {
		return activeFor(fanout.Values[types.ChatAssignment](v, bucket), operatorID)
	})
}

// WatchCustomer streams the customer's latest request and live assignment.
func (m *Manager) WatchCustomer(ctx context.Context, customerID string) (*fanout.Subscription[types.CustomerView], error) {
	if m.cfg.Hub == nil {
		return nil, errors.New("lifecycle manager has no fanout hub")
	}

	customers := m.cfg.Customers.Name()
	requests := m.cfg.Queue.Requests().Name()
	assignments := m.cfg.Assignments.Name()
	feed := fanout.Feed{Name: FeedCustomer, Buckets: []string{customers, requests, assignments}}

	return fanout.Subscribe(ctx, m.cfg.Hub, feed, func(v fanout.View) types.CustomerView {
		return ProjectCustomer(v, customerID, customers, requests, assignments)
	})
}

// ProjectCustomer computes a CustomerView from a hub view.
func ProjectCustomer(v fanout.View, customerID, customersBucket, requestsBucket, assignmentsBucket string) types.CustomerView {
	view := types.CustomerView{CustomerID: customerID}

	rec, ok := fanout.Lookup[types.CustomerRecord](v, customersBucket, queue.CustomerKey(customerID))
	if !ok {
		return view
	}
	if req, ok := fanout.Lookup[types.ChatRequest](v, requestsBucket, queue.RequestKey(rec.LatestRequestID)); ok && rec.LatestRequestID != "" {
		view.Request = &req
	}
	if rec.ActiveAssignmentID != "" {
		if a, ok := fanout.Lookup[types.ChatAssignment](v, assignmentsBucket, AssignmentKey(rec.ActiveAssignmentID)); ok && a.Status.IsLive() {
			view.Assignment = &a
		}
	}

	return view
}
