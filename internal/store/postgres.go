package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/engageflow/pkg/schema"
)

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
// Queries are shared with LibSQLStore and rebound to $n placeholders.
// Read-modify-write paths lock the row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations, each inside its own transaction.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := s.pool.QueryRow(ctx, schemaVersionQuery).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range postgresMigrations.pending(current) {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.statements() {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, postgresMigrations.record, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	args, err := workflowArgs(wf)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, rebind(
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...); err != nil {
		return pgInsertErr("create workflow", "workflow", wf.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, wrapStoreErr("get workflow", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	w := workflowWhere(filter)
	rows, err := s.pool.Query(ctx, rebind(`SELECT `+workflowColumns+` FROM workflows`+w.String()+
		` ORDER BY created_at`+limitOffset(filter.Limit, 0)), w.args...)
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

func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, tenantID, id string, status schema.WorkflowStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = $2 WHERE id = $3 AND tenant_id = $4`,
		string(status), time.Now().UTC(), id, tenantID)
	if err != nil {
		return wrapStoreErr("update workflow status", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow", id)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteWorkflow(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET deleted_at = $1, status = $2, updated_at = $1 WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NULL`,
		now, string(schema.WorkflowStatusInactive), id, tenantID)
	if err != nil {
		return wrapStoreErr("delete workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow", id)
	}
	return nil
}

// --- Executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	prepareInsert(exec)
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, rebind(insertExecutionSQL), args...); err != nil {
		return pgInsertErr("create execution", "execution", exec.ID, err)
	}
	return nil
}

func (s *PostgresStore) CreateExecutionIfNoActive(ctx context.Context, exec *schema.Execution) (bool, error) {
	prepareInsert(exec)
	args, err := executionArgs(exec)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, rebind(insertExecutionSQL+onActiveConflict), args...)
	if err != nil {
		return false, pgInsertErr("create execution", "execution", exec.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Load(ctx context.Context, tenantID, id string) (*schema.Execution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, wrapStoreErr("load execution", err)
	}
	return exec, nil
}

func (s *PostgresStore) Save(ctx context.Context, exec *schema.Execution) error {
	args, err := executionArgs(exec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			status  string
			version int64
		)
		err := tx.QueryRow(ctx,
			`SELECT status, version FROM executions WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
			exec.ID, exec.TenantID).Scan(&status, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("execution", exec.ID)
		}
		if err != nil {
			return wrapStoreErr("save execution", err)
		}
		if st := schema.ExecutionStatus(status); st.Terminal() || version != exec.Version {
			return saveConflict(exec, st, version)
		}
		_, err = tx.Exec(ctx,
			`UPDATE executions SET status = $1, current_step_id = $2, context = $3, steps_executed = $4,
			        started_at = $5, completed_at = $6, failed_at = $7, error_message = $8,
			        version = version + 1, updated_at = $9
			 WHERE id = $10 AND tenant_id = $11`,
			args[6], args[7], args[8], args[10], args[11], args[12], args[13], args[14], now,
			exec.ID, exec.TenantID)
		if err != nil {
			return wrapStoreErr("save execution", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	exec.Version++
	exec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) AppendContext(ctx context.Context, tenantID, id string, delta map[string]any) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status, ctxJSON string
		err := tx.QueryRow(ctx,
			`SELECT status, context FROM executions WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID,
		).Scan(&status, &ctxJSON)
		if errors.Is(err, pgx.ErrNoRows) {
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
		_, err = tx.Exec(ctx,
			`UPDATE executions SET context = $1, version = version + 1, updated_at = $2 WHERE id = $3 AND tenant_id = $4`,
			merged, time.Now().UTC(), id, tenantID)
		if err != nil {
			return wrapStoreErr("append context", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	w := executionWhere(filter)
	rows, err := s.pool.Query(ctx, rebind(`SELECT `+executionColumns+` FROM executions`+w.String()+
		` ORDER BY created_at DESC`+limitOffset(filter.Limit, filter.Offset)), w.args...)
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

func (s *PostgresStore) ScheduleResumption(ctx context.Context, r *schema.ScheduledResumption) error {
	prepareResumption(r)
	_, err := s.pool.Exec(ctx, rebind(
		`INSERT INTO scheduled_resumptions (`+resumptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.TenantID, string(r.Kind), nullStr(r.ExecutionID), r.WorkflowID, nullStr(r.StepID),
		r.FireAt.UTC(), string(r.Status), nullStr(r.LastError), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return wrapStoreErr("schedule resumption", err)
	}
	return nil
}

func (s *PostgresStore) DueResumptions(ctx context.Context, now time.Time, limit int) ([]*schema.ScheduledResumption, error) {
	return s.queryResumptions(ctx, "due resumptions",
		`SELECT `+resumptionColumns+` FROM scheduled_resumptions
		 WHERE status = $1 AND fire_at <= $2 ORDER BY fire_at`+limitOffset(limit, 0),
		string(schema.ResumptionPending), now.UTC())
}

func (s *PostgresStore) ClaimResumption(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_resumptions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(schema.ResumptionFired), time.Now().UTC(), id, string(schema.ResumptionPending))
	if err != nil {
		return false, wrapStoreErr("claim resumption", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM scheduled_resumptions WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, notFound("resumption", id)
	}
	return false, err
}

func (s *PostgresStore) FailResumption(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_resumptions SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(schema.ResumptionFailed), nullStr(errMsg), time.Now().UTC(), id)
	if err != nil {
		return wrapStoreErr("fail resumption", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("resumption", id)
	}
	return nil
}

func (s *PostgresStore) CancelResumptions(ctx context.Context, tenantID, executionID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scheduled_resumptions WHERE tenant_id = $1 AND execution_id = $2 AND status = $3`,
		tenantID, executionID, string(schema.ResumptionPending))
	if err != nil {
		return 0, wrapStoreErr("cancel resumptions", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListResumptions(ctx context.Context, filter ResumptionFilter) ([]*schema.ScheduledResumption, error) {
	w := resumptionWhere(filter)
	return s.queryResumptions(ctx, "list resumptions", rebind(
		`SELECT `+resumptionColumns+` FROM scheduled_resumptions`+w.String()+
			` ORDER BY fire_at`+limitOffset(filter.Limit, 0)), w.args...)
}

func (s *PostgresStore) queryResumptions(ctx context.Context, op, query string, args ...any) ([]*schema.ScheduledResumption, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	defer rows.Close()

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

func (s *PostgresStore) UpsertConversation(ctx context.Context, c *schema.Conversation) error {
	meta, err := marshalMap(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	status := c.Status
	if status == "" {
		status = schema.ConversationOpen
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET customer_id = EXCLUDED.customer_id, status = EXCLUDED.status,
		   last_activity_at = EXCLUDED.last_activity_at, metadata = EXCLUDED.metadata`,
		c.TenantID, c.ID, nullStr(c.CustomerID), status, timeOrNow(c.LastActivityAt).UTC(), meta)
	if err != nil {
		return wrapStoreErr("upsert conversation", err)
	}
	return nil
}

func (s *PostgresStore) ListInactiveConversations(ctx context.Context, tenantID string, inactiveSince time.Time, maxFollowUps, limit int) ([]*schema.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		 WHERE tenant_id = $1 AND status <> $2 AND last_activity_at <= $3`
	args := []any{tenantID, schema.ConversationClosed, inactiveSince.UTC()}
	if maxFollowUps > 0 {
		query += ` AND COALESCE((metadata::jsonb ->> '` + schema.MetaFollowUpCount + `')::numeric, 0) < $4`
		args = append(args, maxFollowUps)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY last_activity_at`+limitOffset(limit, 0), args...)
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

func (s *PostgresStore) IncrementFollowUpCount(ctx context.Context, tenantID, conversationID string) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx,
			`SELECT metadata FROM conversations WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, conversationID,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("conversation", conversationID)
		}
		if err != nil {
			return wrapStoreErr("increment follow-up count", err)
		}
		meta, err := unmarshalMap(raw)
		if err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		meta, n = setFollowUpCount(meta)
		encoded, err := marshalMap(meta)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET metadata = $1 WHERE tenant_id = $2 AND id = $3`, encoded, tenantID, conversationID)
		return err
	})
	return n, err
}

// --- History ---

// AppendEvent serializes sequence assignment per execution with a
// transaction-scoped advisory lock.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error {
	event.Timestamp = timeOrNow(event.Timestamp).UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.ExecutionID); err != nil {
			return wrapStoreErr("append event", err)
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO execution_events (execution_id, tenant_id, step_id, event_type, payload, timestamp, sequence)
			 SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz, COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = $1
			 RETURNING id, sequence`,
			event.ExecutionID, event.TenantID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp,
		).Scan(&event.ID, &event.Sequence)
		if err != nil {
			return wrapStoreErr("append event", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID, executionID string) ([]*schema.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE tenant_id = $1 AND execution_id = $2 ORDER BY sequence`,
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

// pgInsertErr reports a unique violation as CONFLICT.
func pgInsertErr(op, kind, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", kind, id).WithCause(err)
	}
	return wrapStoreErr(op, err)
}
