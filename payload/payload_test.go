package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDecodesKnownType(t *testing.T) {
	reg := NewRegistry()
	raw := json.RawMessage(`{"conversation_id":"c1","skill_id":"echo","input":{"text":"hi"}}`)

	v, err := reg.Decode("task.request", raw)
	require.NoError(t, err)

	req, ok := v.(*TaskRequest)
	require.True(t, ok)
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "echo", req.SkillID)
}

func TestRegistryAliasTypesShareShape(t *testing.T) {
	reg := NewRegistry()
	raw := json.RawMessage(`{"task_id":"t1","status":"completed"}`)

	a, err := reg.Decode("task.response", raw)
	require.NoError(t, err)
	b, err := reg.Decode("TaskResponse", raw)
	require.NoError(t, err)

	assert.IsType(t, &TaskResponse{}, a)
	assert.IsType(t, &TaskResponse{}, b)
}

func TestRegistryFallsBackToRawMap(t *testing.T) {
	reg := NewRegistry()
	raw := json.RawMessage(`{"custom_field":"value"}`)

	v, err := reg.Decode("custom.unregistered", raw)
	require.NoError(t, err)

	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "value", m["custom_field"])
}

func TestRegistryEmptyPayload(t *testing.T) {
	reg := NewRegistry()
	v, err := reg.Decode("unregistered.type", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, v)
}

func TestPayloadTypeTags(t *testing.T) {
	assert.Equal(t, "task.request", TaskRequest{}.Type())
	assert.Equal(t, "task.response", TaskResponse{}.Type())
	assert.Equal(t, "task.update", TaskUpdate{}.Type())
	assert.Equal(t, "asap.ack", MessageAck{}.Type())
}
