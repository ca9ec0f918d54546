package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_Trigger(t *testing.T) {
	wf := &Workflow{ID: "wf", TriggerConfig: map[string]any{
		"message_types":      []any{"text", "image"},
		"channels":           []any{"whatsapp"},
		"when":               `payload.text contains "price"`,
		"inactivity_minutes": 30,
		"max_follow_ups":     2,
	}}

	ts, err := wf.Trigger()
	require.NoError(t, err)
	assert.True(t, ts.AllowsMessageType("image"))
	assert.False(t, ts.AllowsMessageType("audio"))
	assert.True(t, ts.AllowsChannel("whatsapp"))
	assert.False(t, ts.AllowsChannel("email"))
	assert.Equal(t, 30, ts.Inactivity())
	assert.Equal(t, 2, ts.MaxFollowUps)
}

func TestWorkflow_TriggerDefaults(t *testing.T) {
	ts, err := (&Workflow{ID: "wf"}).Trigger()
	require.NoError(t, err)
	assert.True(t, ts.AllowsMessageType("anything"))
	assert.True(t, ts.AllowsChannel(""))
	assert.Equal(t, DefaultInactivityMinutes, ts.Inactivity())
}

func TestWorkflow_TriggerInvalid(t *testing.T) {
	_, err := (&Workflow{ID: "wf", TriggerConfig: map[string]any{"channels": "sms"}}).Trigger()
	assert.Equal(t, ErrCodeValidation, CodeOf(err))

	_, err = (&Workflow{ID: "wf", TriggerConfig: map[string]any{"max_follow_ups": -1}}).Trigger()
	assert.Equal(t, ErrCodeValidation, CodeOf(err))
}
