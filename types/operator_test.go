package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperatorStatus_IsAssignable(t *testing.T) {
	tests := []struct {
		name string
		op   OperatorStatus
		want bool
	}{
		{name: "online available with room", op: OperatorStatus{IsOnline: true, IsAvailable: true, ActiveChats: 1, MaxChats: 5}, want: true},
		{name: "offline", op: OperatorStatus{IsOnline: false, IsAvailable: true, ActiveChats: 0, MaxChats: 5}, want: false},
		{name: "opted out", op: OperatorStatus{IsOnline: true, IsAvailable: false, ActiveChats: 0, MaxChats: 5}, want: false},
		{name: "at capacity", op: OperatorStatus{IsOnline: true, IsAvailable: true, ActiveChats: 2, MaxChats: 2}, want: false},
		{name: "zero capacity", op: OperatorStatus{IsOnline: true, IsAvailable: true, ActiveChats: 0, MaxChats: 0}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.op.IsAssignable())
		})
	}
}

func TestOperatorStatus_Utilization(t *testing.T) {
	require.InDelta(t, 0.25, OperatorStatus{ActiveChats: 1, MaxChats: 4}.Utilization(), 1e-9)
	require.InDelta(t, 1.0, OperatorStatus{ActiveChats: 0, MaxChats: 0}.Utilization(), 1e-9)
}

func TestChatAssignment_LastActivity(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := ChatAssignment{CreatedAt: created}
	require.Equal(t, created, a.LastActivity())

	msg := created.Add(5 * time.Minute)
	a.LastMessageAt = &msg
	require.Equal(t, msg, a.LastActivity())
}

func TestStatusHelpers(t *testing.T) {
	require.False(t, RequestWaiting.IsTerminal())
	require.True(t, RequestAssigned.IsTerminal())
	require.True(t, RequestRejected.IsTerminal())

	require.True(t, AssignmentActive.IsLive())
	require.True(t, AssignmentPending.IsLive())
	require.False(t, AssignmentCompleted.IsLive())

	require.Equal(t, "put", EntryPut.String())
	require.Equal(t, "delete", EntryDelete.String())
}
