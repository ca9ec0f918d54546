package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/engageflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which gives per-execution
	// write ordering for free.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrateSQL(ctx, s.db, libsqlMigrations)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	args, err := workflowArgs(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return liteInsertErr("create workflow", "workflow", wf.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, wrapStoreErr("get workflow", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	w := workflowWhere(filter)
	query := `SELECT ` + workflowColumns + ` FROM workflows` + w.String() +
		` ORDER BY created_at` + limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, wrapStoreErr("list workflows", err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, tenantID, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		string(status), time.Now().UTC(), id, tenantID)
	if err != nil {
		return wrapStoreErr("update workflow status", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) SoftDeleteWorkflow(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = ?, status = ?, updated_at = ? WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
		now, string(schema.WorkflowStatusInactive), now, id, tenantID)
	if err != nil {
		return wrapStoreErr("delete workflow", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

const insertExecutionSQL = `INSERT INTO executions (` + executionColumns + `, subject_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// onActiveConflict targets ux_executions_active only; an id clash still errors.
const onActiveConflict = ` ON CONFLICT (tenant_id, trigger_source, subject_key)
	WHERE status IN ('pending', 'running') AND subject_key <> '' DO NOTHING`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	prepareInsert(exec)
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionSQL, args...); err != nil {
		return liteInsertErr("create execution", "execution", exec.ID, err)
	}
	return nil
}

func (s *LibSQLStore) CreateExecutionIfNoActive(ctx context.Context, exec *schema.Execution) (bool, error) {
	prepareInsert(exec)
	args, err := executionArgs(exec)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, insertExecutionSQL+onActiveConflict, args...)
	if err != nil {
		return false, liteInsertErr("create execution", "execution", exec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) Load(ctx context.Context, tenantID, id string) (*schema.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, wrapStoreErr("load execution", err)
	}
	return exec, nil
}

func (s *LibSQLStore) Save(ctx context.Context, exec *schema.Execution) error {
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step_id = ?, context = ?, steps_executed = ?,
		        started_at = ?, completed_at = ?, failed_at = ?, error_message = ?,
		        version = version + 1, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND version = ? AND status IN ('pending', 'running')`,
		args[6], args[7], args[8], args[10], args[11], args[12], args[13], args[14], now,
		exec.ID, exec.TenantID, exec.Version)
	if err != nil {
		return wrapStoreErr("save execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.diagnoseSave(ctx, exec)
	}
	exec.Version++
	exec.UpdatedAt = now
	return nil
}

// diagnoseSave explains why a conditional update matched no row.
func (s *LibSQLStore) diagnoseSave(ctx context.Context, exec *schema.Execution) error {
	var (
		status  string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, version FROM executions WHERE id = ? AND tenant_id = ?`, exec.ID, exec.TenantID,
	).Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("execution", exec.ID)
	}
	if err != nil {
		return wrapStoreErr("save execution", err)
	}
	return saveConflict(exec, schema.ExecutionStatus(status), version)
}

func (s *LibSQLStore) AppendContext(ctx context.Context, tenantID, id string, delta map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status, ctxJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT status, context FROM executions WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&status, &ctxJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("execution", id)
	}
	if err != nil {
		return wrapStoreErr("append context", err)
	}
	if st := schema.ExecutionStatus(status); st.Terminal() {
		return alreadyTerminal(id, st)
	}
	current, err := unmarshalMap(ctxJSON)
	if err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}
	merged, err := marshalMap(mergeContext(current, delta))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET context = ?, version = version + 1, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		merged, time.Now().UTC(), id, tenantID); err != nil {
		return wrapStoreErr("append context", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	w := executionWhere(filter)
	query := `SELECT ` + executionColumns + ` FROM executions` + w.String() +
		` ORDER BY created_at DESC` + limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, wrapStoreErr("list executions", err)
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// --- Scheduled resumptions ---

func (s *LibSQLStore) ScheduleResumption(ctx context.Context, r *schema.ScheduledResumption) error {
	prepareResumption(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_resumptions (`+resumptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, string(r.Kind), nullStr(r.ExecutionID), r.WorkflowID, nullStr(r.StepID),
		r.FireAt.UTC(), string(r.Status), nullStr(r.LastError), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return wrapStoreErr("schedule resumption", err)
	}
	return nil
}

func (s *LibSQLStore) DueResumptions(ctx context.Context, now time.Time, limit int) ([]*schema.ScheduledResumption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resumptionColumns+` FROM scheduled_resumptions
		 WHERE status = ? AND fire_at <= ? ORDER BY fire_at`+limitOffset(limit, 0),
		string(schema.ResumptionPending), now.UTC())
	if err != nil {
		return nil, wrapStoreErr("due resumptions", err)
	}
	defer rows.Close()
	return collectResumptions(rows)
}

func (s *LibSQLStore) ClaimResumption(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_resumptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(schema.ResumptionFired), time.Now().UTC(), id, string(schema.ResumptionPending))
	if err != nil {
		return false, wrapStoreErr("claim resumption", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM scheduled_resumptions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound("resumption", id)
	}
	return false, err
}

func (s *LibSQLStore) FailResumption(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_resumptions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(schema.ResumptionFailed), nullStr(errMsg), time.Now().UTC(), id)
	if err != nil {
		return wrapStoreErr("fail resumption", err)
	}
	return checkRowsAffected(res, "resumption", id)
}

func (s *LibSQLStore) CancelResumptions(ctx context.Context, tenantID, executionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_resumptions WHERE tenant_id = ? AND execution_id = ? AND status = ?`,
		tenantID, executionID, string(schema.ResumptionPending))
	if err != nil {
		return 0, wrapStoreErr("cancel resumptions", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) ListResumptions(ctx context.Context, filter ResumptionFilter) ([]*schema.ScheduledResumption, error) {
	w := resumptionWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resumptionColumns+` FROM scheduled_resumptions`+w.String()+
			` ORDER BY fire_at`+limitOffset(filter.Limit, 0), w.args...)
	if err != nil {
		return nil, wrapStoreErr("list resumptions", err)
	}
	defer rows.Close()
	return collectResumptions(rows)
}

func collectResumptions(rows *sql.Rows) ([]*schema.ScheduledResumption, error) {
	var out []*schema.ScheduledResumption
	for rows.Next() {
		r, err := scanResumption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Conversations ---

func (s *LibSQLStore) UpsertConversation(ctx context.Context, c *schema.Conversation) error {
	meta, err := marshalMap(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	status := c.Status
	if status == "" {
		status = schema.ConversationOpen
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET customer_id = excluded.customer_id, status = excluded.status,
		   last_activity_at = excluded.last_activity_at, metadata = excluded.metadata`,
		c.TenantID, c.ID, nullStr(c.CustomerID), status, timeOrNow(c.LastActivityAt).UTC(), meta)
	if err != nil {
		return wrapStoreErr("upsert conversation", err)
	}
	return nil
}

func (s *LibSQLStore) ListInactiveConversations(ctx context.Context, tenantID string, inactiveSince time.Time, maxFollowUps, limit int) ([]*schema.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		 WHERE tenant_id = ? AND status <> ? AND last_activity_at <= ?`
	args := []any{tenantID, schema.ConversationClosed, inactiveSince.UTC()}
	if maxFollowUps > 0 {
		query += ` AND COALESCE(CAST(json_extract(metadata, '$.` + schema.MetaFollowUpCount + `') AS INTEGER), 0) < ?`
		args = append(args, maxFollowUps)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY last_activity_at`+limitOffset(limit, 0), args...)
	if err != nil {
		return nil, wrapStoreErr("list inactive conversations", err)
	}
	defer rows.Close()

	var out []*schema.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) IncrementFollowUpCount(ctx context.Context, tenantID, conversationID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE tenant_id = ? AND id = ?`, tenantID, conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("conversation", conversationID)
	}
	if err != nil {
		return 0, wrapStoreErr("increment follow-up count", err)
	}
	meta, err := unmarshalMap(raw)
	if err != nil {
		return 0, fmt.Errorf("unmarshal metadata: %w", err)
	}
	meta, n := setFollowUpCount(meta)
	encoded, err := marshalMap(meta)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET metadata = ? WHERE tenant_id = ? AND id = ?`, encoded, tenantID, conversationID); err != nil {
		return 0, wrapStoreErr("increment follow-up count", err)
	}
	return n, tx.Commit()
}

// --- History ---

// AppendEvent assigns the next per-execution sequence inside the insert, so
// concurrent appends on the single connection can never reuse a sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error {
	event.Timestamp = timeOrNow(event.Timestamp).UTC()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_events (execution_id, tenant_id, step_id, event_type, payload, timestamp, sequence)
		 SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?
		 RETURNING id, sequence`,
		event.ExecutionID, event.TenantID, nullStr(event.StepID), event.Type, nullRaw(event.Payload),
		event.Timestamp, event.ExecutionID,
	).Scan(&event.ID, &event.Sequence)
	if err != nil {
		return wrapStoreErr("append event", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, tenantID, executionID string) ([]*schema.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE tenant_id = ? AND execution_id = ? ORDER BY sequence`,
		tenantID, executionID)
	if err != nil {
		return nil, wrapStoreErr("list events", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(resource, id)
	}
	return nil
}

// liteInsertErr reports a primary-key clash as CONFLICT. The driver does not
// export typed errors, so the SQLite message is matched.
func liteInsertErr(op, kind, id string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", kind, id).WithCause(err)
	}
	return wrapStoreErr(op, err)
}
