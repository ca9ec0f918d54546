package schema

import "slices"

// Trigger defaults.
const (
	DefaultInactivityMinutes = 60
)

// TriggerSettings is the typed view of Workflow.TriggerConfig.
type TriggerSettings struct {
	// MessageTypes restricts message_received workflows to these payload
	// message_type values. Empty allows all.
	MessageTypes []string `json:"message_types,omitempty"`
	// Channels restricts by payload channel. Empty allows all.
	Channels []string `json:"channels,omitempty"`
	// When is an expr-lang predicate over the event payload.
	When string `json:"when,omitempty"`

	// Cron and Timezone drive scheduled workflows.
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// InactivityMinutes and MaxFollowUps drive no_response and auto_follow_up.
	InactivityMinutes int `json:"inactivity_minutes,omitempty"`
	MaxFollowUps      int `json:"max_follow_ups,omitempty"`
}

// Trigger decodes the workflow's trigger config.
func (w *Workflow) Trigger() (*TriggerSettings, error) {
	ts := &TriggerSettings{}
	if err := decodeInto(w.TriggerConfig, ts); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid trigger_config for workflow %s: %s", w.ID, err.Error()).
			WithCause(err)
	}
	if ts.InactivityMinutes < 0 || ts.MaxFollowUps < 0 {
		return nil, NewErrorf(ErrCodeValidation, "workflow %s: trigger limits must not be negative", w.ID)
	}
	return ts, nil
}

// Inactivity returns InactivityMinutes or the default.
func (t *TriggerSettings) Inactivity() int {
	if t.InactivityMinutes > 0 {
		return t.InactivityMinutes
	}
	return DefaultInactivityMinutes
}

// AllowsMessageType reports whether the allow-list admits messageType.
func (t *TriggerSettings) AllowsMessageType(messageType string) bool {
	return len(t.MessageTypes) == 0 || slices.Contains(t.MessageTypes, messageType)
}

// AllowsChannel reports whether the allow-list admits channel.
func (t *TriggerSettings) AllowsChannel(channel string) bool {
	return len(t.Channels) == 0 || slices.Contains(t.Channels, channel)
}
