package amqpx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("chat.activated.v1", "chatroute", "corr-1", map[string]string{"assignmentId": "a1"})

	require.NotEmpty(t, env.Meta.ID)
	require.Equal(t, "chat.activated.v1", env.Meta.Type)
	require.Equal(t, "chatroute", env.Meta.Producer)
	require.Equal(t, "corr-1", env.Meta.CorrelationID)
	require.False(t, env.Meta.Time.IsZero())

	body, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(body), `"correlation_id":"corr-1"`)
	require.Contains(t, string(body), `"data":{"assignmentId":"a1"}`)
}

func TestNewEnvelope_UniqueIDs(t *testing.T) {
	a := NewEnvelope("t", "", "", nil)
	b := NewEnvelope("t", "", "", nil)
	require.NotEqual(t, a.Meta.ID, b.Meta.ID)
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(nil, "x", "p")
	require.Error(t, err)
}
