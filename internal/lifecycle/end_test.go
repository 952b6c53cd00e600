package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/notify"
	"github.com/arloliu/chatroute/types"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func TestEndChat_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "op1", 0, 3)
	req := f.request(t, "c1")
	a, err := f.m.Claim(t.Context(), req.ID, "op1")
	require.NoError(t, err)
	require.Equal(t, 1, f.load(t, "op1"))

	first, err := f.m.EndChat(t.Context(), a.ID, types.PartyOperator)
	require.NoError(t, err)
	require.Equal(t, types.AssignmentCompleted, first.Status)
	require.NotNil(t, first.CompletedAt)
	require.Equal(t, types.PartyOperator, first.EndedBy)

	second, err := f.m.EndChat(t.Context(), a.ID, types.PartyCustomer)
	require.NoError(t, err)
	require.Equal(t, types.AssignmentCompleted, second.Status)
	require.Equal(t, types.PartyOperator, second.EndedBy, "second call must not rewrite the record")

	require.Equal(t, 0, f.load(t, "op1"))
	require.Empty(t, f.customerRecord(t, "c1").ActiveAssignmentID)
	require.Equal(t, []types.HandoffKind{types.HandoffActivated, types.HandoffEnded}, f.handoffs.kinds())

	ended := recv(t, f.ended)
	require.Equal(t, a.ID, ended.ID)
	f.m.WaitHooks()
	require.Empty(t, f.ended)

	sent := f.notes.ByKind(notify.KindChatEnded)
	require.Len(t, sent, 1)
	require.Equal(t, "c1", sent[0].Recipient)

	active, err := f.m.GetActiveAssignmentsFor(t.Context(), "op1")
	require.NoError(t, err)
	require.Empty(t, active)

	// The customer is free to start over.
	next := f.request(t, "c1")
	require.Equal(t, types.RequestWaiting, next.Status)
}

func TestEndChat_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.EndChat(t.Context(), "missing", types.PartyCustomer)
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.m.EndChat(t.Context(), "missing", types.Party("bot"))
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestEndChat_SystemNotifiesBothSides(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "op1", 0, 3)
	req := f.request(t, "c1")
	a, err := f.m.Claim(t.Context(), req.ID, "op1")
	require.NoError(t, err)

	done, err := f.m.EndChat(t.Context(), a.ID, "")
	require.NoError(t, err)
	require.Equal(t, types.PartySystem, done.EndedBy)

	recipients := []string{}
	for _, n := range f.notes.ByKind(notify.KindChatEnded) {
		recipients = append(recipients, n.Recipient)
	}
	require.ElementsMatch(t, []string{"c1", "op1"}, recipients)
}

func TestEndChatFor(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "op1", 0, 3)
	f.operator(t, "op2", 0, 3)
	req := f.request(t, "c1")
	a, err := f.m.Claim(t.Context(), req.ID, "op1")
	require.NoError(t, err)

	_, err = f.m.EndChatFor(t.Context(), "c1", "op2", types.PartyOperator)
	require.ErrorIs(t, err, types.ErrNotFound)

	done, err := f.m.EndChatFor(t.Context(), "c1", "op1", types.PartyCustomer)
	require.NoError(t, err)
	require.Equal(t, a.ID, done.ID)
	require.Equal(t, types.AssignmentCompleted, done.Status)

	again, err := f.m.EndChatFor(t.Context(), "c1", "op1", types.PartyCustomer)
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)
	require.Equal(t, types.AssignmentCompleted, again.Status)
	require.Equal(t, 0, f.load(t, "op1"))

	anyOperator, err := f.m.EndChatFor(t.Context(), "c1", "", types.PartyCustomer)
	require.NoError(t, err)
	require.Equal(t, a.ID, anyOperator.ID)

	_, err = f.m.EndChatFor(t.Context(), "nobody", "op1", types.PartyCustomer)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRecordActivity_AndOrdering(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "op1", 0, 5)
	base := f.clock.Now()

	var assignments []types.ChatAssignment
	for _, c := range []string{"c1", "c2", "c3"} {
		req := f.request(t, c)
		a, err := f.m.Claim(t.Context(), req.ID, "op1")
		require.NoError(t, err)
		assignments = append(assignments, a)
		f.clock.Advance(time.Minute)
	}

	updated, err := f.m.RecordActivity(t.Context(), assignments[0].ID, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, updated.LastMessageAt)
	require.True(t, updated.LastMessageAt.Equal(base.Add(5*time.Minute)))

	// Older timestamps are ignored.
	stale, err := f.m.RecordActivity(t.Context(), assignments[0].ID, base)
	require.NoError(t, err)
	require.True(t, stale.LastMessageAt.Equal(base.Add(5*time.Minute)))

	active, err := f.m.GetActiveAssignmentsFor(t.Context(), "op1")
	require.NoError(t, err)
	require.Len(t, active, 3)
	require.Equal(t, assignments[0].ID, active[0].ID)
	require.Equal(t, assignments[2].ID, active[1].ID)
	require.Equal(t, assignments[1].ID, active[2].ID)

	_, err = f.m.EndChat(t.Context(), assignments[1].ID, types.PartyOperator)
	require.NoError(t, err)
	_, err = f.m.RecordActivity(t.Context(), assignments[1].ID, time.Time{})
	require.ErrorIs(t, err, types.ErrAlreadyHandled)

	_, err = f.m.RecordActivity(t.Context(), "missing", time.Time{})
	require.ErrorIs(t, err, types.ErrNotFound)
}
