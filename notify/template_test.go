package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/chatroute/types"
)

func TestRender(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		tmpl      Template
		kind      Kind
		recipient string
		body      string
		data      map[string]string
	}{
		{
			name:      "operator assigned",
			tmpl:      OperatorAssigned{CustomerID: "c1", OperatorID: "op1", OperatorName: "Olga", AssignmentID: "a1"},
			kind:      KindOperatorAssigned,
			recipient: "c1",
			body:      "Olga has joined your chat.",
			data:      map[string]string{"assignmentId": "a1", "operatorId": "op1"},
		},
		{
			name:      "operator assigned without name",
			tmpl:      OperatorAssigned{CustomerID: "c1", OperatorID: "op1", AssignmentID: "a1"},
			kind:      KindOperatorAssigned,
			recipient: "c1",
			body:      "An operator has joined your chat.",
			data:      map[string]string{"assignmentId": "a1", "operatorId": "op1"},
		},
		{
			name:      "chat ended",
			tmpl:      ChatEnded{Recipient: "op1", AssignmentID: "a1", EndedBy: types.PartyCustomer},
			kind:      KindChatEnded,
			recipient: "op1",
			body:      "The chat was ended by the customer.",
			data:      map[string]string{"assignmentId": "a1", "endedBy": "customer"},
		},
		{
			name:      "request expired",
			tmpl:      RequestExpired{CustomerID: "c1", RequestID: "r1", Waited: 10*time.Minute + 300*time.Millisecond},
			kind:      KindRequestExpired,
			recipient: "c1",
			body:      "Nobody was available after 10m0s. Please try again.",
			data:      map[string]string{"requestId": "r1"},
		},
		{
			name:      "request declined",
			tmpl:      RequestDeclined{CustomerID: "c1", RequestID: "r1"},
			kind:      KindRequestDeclined,
			recipient: "c1",
			body:      "Your chat request was declined. You can send a new one at any time.",
			data:      map[string]string{"requestId": "r1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Render(tt.tmpl, now)
			require.NotEmpty(t, n.ID)
			require.Equal(t, string(tt.kind), n.Kind)
			require.Equal(t, tt.recipient, n.Recipient)
			require.Equal(t, tt.body, n.Body)
			require.Equal(t, tt.data, n.Data)
			require.NotEmpty(t, n.Subject)
			require.Equal(t, now, n.CreatedAt)
		})
	}
}

func TestRoutingKey(t *testing.T) {
	require.Equal(t, "notification.chat_ended", RoutingKey(string(KindChatEnded)))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, Render(RequestDeclined{CustomerID: "c1"}, time.Now())))
	require.NoError(t, r.Send(ctx, Render(ChatEnded{Recipient: "op"}, time.Now())))

	require.Len(t, r.Sent(), 2)
	require.Len(t, r.ByKind(KindChatEnded), 1)
	require.Empty(t, r.ByKind(KindRequestExpired))
	require.NoError(t, Nop{}.Send(ctx, types.Notification{}))
}
