package store

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// WorkflowFilter specifies criteria for listing workflows.
// An empty TenantID lists across tenants (scanners only).
type WorkflowFilter struct {
	TenantID       string                 `json:"tenant_id,omitempty"`
	TriggerType    schema.TriggerType     `json:"trigger_type,omitempty"`
	Status         *schema.WorkflowStatus `json:"status,omitempty"`
	IncludeDeleted bool                   `json:"include_deleted,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	TenantID       string                  `json:"tenant_id"`
	WorkflowID     string                  `json:"workflow_id,omitempty"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	Limit          int                     `json:"limit,omitempty"`
	Offset         int                     `json:"offset,omitempty"`
}

// ResumptionFilter specifies criteria for listing scheduled resumptions.
type ResumptionFilter struct {
	TenantID    string                   `json:"tenant_id,omitempty"`
	ExecutionID string                   `json:"execution_id,omitempty"`
	WorkflowID  string                   `json:"workflow_id,omitempty"`
	Kind        schema.ResumptionKind    `json:"kind,omitempty"`
	Status      *schema.ResumptionStatus `json:"status,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
}

// subjectKey identifies what the one-active-execution guard is keyed on.
// Executions without a conversation or customer are never deduplicated.
func subjectKey(exec *schema.Execution) string {
	if exec.ConversationID != "" {
		return "conversation:" + exec.ConversationID
	}
	if exec.CustomerID != "" {
		return "customer:" + exec.CustomerID
	}
	return ""
}

func notFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func alreadyTerminal(exec string, status schema.ExecutionStatus) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeAlreadyTerminal, "execution %q is already %s", exec, status).
		WithExecution(exec)
}

func staleVersion(exec string, have, want int64) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q was modified concurrently (version %d, persisted %d)", exec, have, want).
		WithExecution(exec)
}

// mergeContext applies a delta on top of a copy of base. A nil delta value
// removes the key.
func mergeContext(base, delta map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// deepCopy round-trips v through JSON so callers never share nested maps.
func deepCopy[T any](v T) T {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// saveConflict maps the persisted state of a row that rejected a Save.
func saveConflict(exec *schema.Execution, persisted schema.ExecutionStatus, version int64) error {
	if persisted.Terminal() {
		return alreadyTerminal(exec.ID, persisted)
	}
	return staleVersion(exec.ID, exec.Version, version)
}

func prepareInsert(exec *schema.Execution) {
	now := time.Now().UTC()
	exec.CreatedAt = timeOrNow(exec.CreatedAt).UTC()
	exec.UpdatedAt = now
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	if exec.Version == 0 {
		exec.Version = 1
	}
}

func prepareResumption(r *schema.ScheduledResumption) {
	now := time.Now().UTC()
	r.CreatedAt = timeOrNow(r.CreatedAt).UTC()
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = schema.ResumptionPending
	}
}

func wrapStoreErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
