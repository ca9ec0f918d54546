package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const workflowColumns = `id, tenant_id, name, trigger_type, trigger_config, status, execution_mode, definition, steps, created_at, updated_at, deleted_at`

const executionColumns = `id, tenant_id, workflow_id, customer_id, conversation_id, trigger_source, status, current_step_id, context, graph, steps_executed, started_at, completed_at, failed_at, error_message, version, created_at, updated_at`

const resumptionColumns = `id, tenant_id, kind, execution_id, workflow_id, step_id, fire_at, status, last_error, created_at, updated_at`

const conversationColumns = `tenant_id, id, customer_id, status, last_activity_at, metadata`

const eventColumns = `id, execution_id, tenant_id, step_id, event_type, payload, timestamp, sequence`

func workflowArgs(wf *schema.Workflow) ([]any, error) {
	triggerCfg, err := marshalMap(wf.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger_config: %w", err)
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	mode := wf.ExecutionMode
	if mode == "" {
		mode = schema.ExecutionModeSequential
	}
	return []any{
		wf.ID, wf.TenantID, wf.Name, string(wf.TriggerType), triggerCfg, string(wf.Status), string(mode),
		string(def), string(steps), timeOrNow(wf.CreatedAt).UTC(), timeOrNow(wf.UpdatedAt).UTC(), nullTime(wf.DeletedAt),
	}, nil
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		triggerType, status, mode  string
		triggerCfg, defJSON, steps string
		deletedAt                  sql.NullTime
	)
	if err := row.Scan(&wf.ID, &wf.TenantID, &wf.Name, &triggerType, &triggerCfg, &status, &mode,
		&defJSON, &steps, &wf.CreatedAt, &wf.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	wf.TriggerType = schema.TriggerType(triggerType)
	wf.Status = schema.WorkflowStatus(status)
	wf.ExecutionMode = schema.ExecutionMode(mode)
	cfg, err := unmarshalMap(triggerCfg)
	if err != nil {
		return nil, fmt.Errorf("unmarshal trigger_config: %w", err)
	}
	wf.TriggerConfig = cfg
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if deletedAt.Valid {
		wf.DeletedAt = &deletedAt.Time
	}
	return wf, nil
}

// executionArgs returns the values for executionColumns plus subject_key last.
func executionArgs(exec *schema.Execution) ([]any, error) {
	ctxJSON, err := marshalMap(exec.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	var graph any
	if exec.Graph != nil {
		data, err := json.Marshal(exec.Graph)
		if err != nil {
			return nil, fmt.Errorf("marshal graph: %w", err)
		}
		graph = string(data)
	}
	return []any{
		exec.ID, exec.TenantID, exec.WorkflowID, nullStr(exec.CustomerID), nullStr(exec.ConversationID),
		exec.TriggerSource, string(exec.Status), nullStr(exec.CurrentStepID), ctxJSON, graph,
		exec.StepsExecuted, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), nullTime(exec.FailedAt),
		nullStr(exec.ErrorMessage), exec.Version, timeOrNow(exec.CreatedAt).UTC(), timeOrNow(exec.UpdatedAt).UTC(),
		subjectKey(exec),
	}, nil
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		customerID, conversationID, currentStep, graph, errMsg sql.NullString
		status, ctxJSON                                        string
		startedAt, completedAt, failedAt                       sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.TenantID, &exec.WorkflowID, &customerID, &conversationID,
		&exec.TriggerSource, &status, &currentStep, &ctxJSON, &graph, &exec.StepsExecuted,
		&startedAt, &completedAt, &failedAt, &errMsg, &exec.Version, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.CustomerID = customerID.String
	exec.ConversationID = conversationID.String
	exec.CurrentStepID = currentStep.String
	exec.ErrorMessage = errMsg.String
	exec.Status = schema.ExecutionStatus(status)
	c, err := unmarshalMap(ctxJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	exec.Context = c
	if graph.Valid && graph.String != "" {
		exec.Graph = &schema.Graph{}
		if err := json.Unmarshal([]byte(graph.String), exec.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}
	}
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	exec.FailedAt = timePtr(failedAt)
	return exec, nil
}

func scanResumption(row rowScanner) (*schema.ScheduledResumption, error) {
	r := &schema.ScheduledResumption{}
	var (
		kind, status              string
		execID, stepID, lastError sql.NullString
	)
	if err := row.Scan(&r.ID, &r.TenantID, &kind, &execID, &r.WorkflowID, &stepID, &r.FireAt,
		&status, &lastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = schema.ResumptionKind(kind)
	r.Status = schema.ResumptionStatus(status)
	r.ExecutionID = execID.String
	r.StepID = stepID.String
	r.LastError = lastError.String
	return r, nil
}

func scanConversation(row rowScanner) (*schema.Conversation, error) {
	c := &schema.Conversation{}
	var (
		customerID sql.NullString
		metadata   string
	)
	if err := row.Scan(&c.TenantID, &c.ID, &customerID, &c.Status, &c.LastActivityAt, &metadata); err != nil {
		return nil, err
	}
	c.CustomerID = customerID.String
	m, err := unmarshalMap(metadata)
	if err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	c.Metadata = m
	return c, nil
}

func scanEvent(row rowScanner) (*schema.ExecutionEvent, error) {
	e := &schema.ExecutionEvent{}
	var stepID, payload sql.NullString
	if err := row.Scan(&e.ID, &e.ExecutionID, &e.TenantID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
		return nil, err
	}
	e.StepID = stepID.String
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	return e, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

// whereBuilder accumulates AND-ed predicates with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, arg)
}

func (w *whereBuilder) addRaw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func workflowWhere(f WorkflowFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if f.TriggerType != "" {
		w.add("trigger_type = ?", string(f.TriggerType))
	}
	if f.Status != nil {
		w.add("status = ?", string(*f.Status))
	}
	if !f.IncludeDeleted {
		w.addRaw("deleted_at IS NULL")
	}
	return w
}

func executionWhere(f ExecutionFilter) *whereBuilder {
	w := &whereBuilder{}
	w.add("tenant_id = ?", f.TenantID)
	if f.WorkflowID != "" {
		w.add("workflow_id = ?", f.WorkflowID)
	}
	if f.ConversationID != "" {
		w.add("conversation_id = ?", f.ConversationID)
	}
	if f.Status != nil {
		w.add("status = ?", string(*f.Status))
	}
	return w
}

func resumptionWhere(f ResumptionFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if f.ExecutionID != "" {
		w.add("execution_id = ?", f.ExecutionID)
	}
	if f.WorkflowID != "" {
		w.add("workflow_id = ?", f.WorkflowID)
	}
	if f.Kind != "" {
		w.add("kind = ?", string(f.Kind))
	}
	if f.Status != nil {
		w.add("status = ?", string(*f.Status))
	}
	return w
}

// maxListLimit caps paginated listings that ask for an offset without a limit.
const maxListLimit = 1000

func limitOffset(limit, offset int) string {
	if limit <= 0 && offset > 0 {
		limit = maxListLimit
	}
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

// rebind rewrites ? placeholders into PostgreSQL's $n form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func setFollowUpCount(meta map[string]any) (map[string]any, int) {
	c := schema.Conversation{Metadata: meta}
	n := c.FollowUpCount() + 1
	if meta == nil {
		meta = map[string]any{}
	}
	meta[schema.MetaFollowUpCount] = n
	return meta, n
}
