package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/engageflow/pkg/schema"
)

// EventLog records and replays execution history on top of any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide history operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Record appends an event for the execution. payload may be nil, a
// json.RawMessage, or any JSON-marshalable value.
func (el *EventLog) Record(ctx context.Context, exec *schema.Execution, stepID, eventType string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = data
	}
	return el.store.AppendEvent(ctx, &schema.ExecutionEvent{
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	})
}

// StepVisit is one entry of a replayed execution path.
type StepVisit struct {
	StepID    string `json:"step_id"`
	Sequence  int64  `json:"sequence"`
	Outcome   *bool  `json:"outcome,omitempty"`
	Suspended bool   `json:"suspended,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Trace replays the execution's history into the ordered list of step visits.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Trace(ctx context.Context, tenantID, executionID string) ([]StepVisit, error) {
	events, err := el.store.ListEvents(ctx, tenantID, executionID)
	if err != nil {
		return nil, fmt.Errorf("list events for trace: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	var visits []StepVisit
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		switch e.Type {
		case schema.EventStepStarted:
			visits = append(visits, StepVisit{StepID: e.StepID, Sequence: e.Sequence})

		case schema.EventConditionEvaluated:
			if v := lastVisit(visits, e.StepID); v != nil {
				var p struct {
					Outcome bool `json:"outcome"`
				}
				if err := json.Unmarshal(e.Payload, &p); err == nil {
					v.Outcome = &p.Outcome
				}
			}

		case schema.EventStepSuspended:
			if v := lastVisit(visits, e.StepID); v != nil {
				v.Suspended = true
			}

		case schema.EventExecutionFailed:
			if v := lastVisit(visits, e.StepID); v != nil {
				var p struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal(e.Payload, &p); err == nil {
					v.Error = p.Error
				}
			}
		}
	}
	return visits, nil
}

func lastVisit(visits []StepVisit, stepID string) *StepVisit {
	for i := len(visits) - 1; i >= 0; i-- {
		if visits[i].StepID == stepID {
			return &visits[i]
		}
	}
	return nil
}
