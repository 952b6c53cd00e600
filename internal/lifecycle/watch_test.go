package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/internal/fanout"
	"github.com/arloliu/chatroute/types"
)

// waitFor reads snapshots until cond holds.
func waitFor[T any](t *testing.T, sub *fanout.Subscription[T], cond func(T) bool) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if cond(v) {
				return v
			}
		case <-deadline:
			t.Fatal("condition not reached")
			var zero T
			return zero
		}
	}
}

func TestWatchOperatorAssignments(t *testing.T) {
	f := newFixture(t, withHub())
	f.operator(t, "op1", 0, 3)

	sub, err := f.m.WatchOperatorAssignments(t.Context(), "op1")
	require.NoError(t, err)
	defer sub.Close()

	waitFor(t, sub, func(as []types.ChatAssignment) bool { return len(as) == 0 })

	req := f.request(t, "c1")
	a, err := f.m.Claim(t.Context(), req.ID, "op1")
	require.NoError(t, err)

	got := waitFor(t, sub, func(as []types.ChatAssignment) bool { return len(as) == 1 })
	require.Equal(t, a.ID, got[0].ID)

	_, err = f.m.EndChat(t.Context(), a.ID, types.PartyOperator)
	require.NoError(t, err)
	waitFor(t, sub, func(as []types.ChatAssignment) bool { return len(as) == 0 })
}

func TestWatchCustomer(t *testing.T) {
	f := newFixture(t, withHub())
	f.operator(t, "op1", 0, 3)

	sub, err := f.m.WatchCustomer(t.Context(), "c1")
	require.NoError(t, err)
	defer sub.Close()

	first := waitFor(t, sub, func(types.CustomerView) bool { return true })
	require.Equal(t, "c1", first.CustomerID)
	require.Nil(t, first.Request)
	require.Nil(t, first.Assignment)

	req := f.request(t, "c1")
	waiting := waitFor(t, sub, func(v types.CustomerView) bool { return v.Request != nil })
	require.Equal(t, req.ID, waiting.Request.ID)
	require.Equal(t, types.RequestWaiting, waiting.Request.Status)

	a, err := f.m.Claim(t.Context(), req.ID, "op1")
	require.NoError(t, err)
	live := waitFor(t, sub, func(v types.CustomerView) bool { return v.Assignment != nil })
	require.Equal(t, a.ID, live.Assignment.ID)

	_, err = f.m.EndChat(t.Context(), a.ID, types.PartyCustomer)
	require.NoError(t, err)
	ended := waitFor(t, sub, func(v types.CustomerView) bool { return v.Assignment == nil })
	require.Equal(t, types.RequestAssigned, ended.Request.Status)

	view, err := f.m.CustomerView(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, req.ID, view.Request.ID)
	require.Nil(t, view.Assignment)
}

func TestWatch_RequiresHub(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.WatchOperatorAssignments(t.Context(), "op1")
	require.Error(t, err)
	_, err = f.m.WatchCustomer(t.Context(), "c1")
	require.Error(t, err)
}
