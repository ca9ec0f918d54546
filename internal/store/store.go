package store

import (
	"context"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// Store defines the persistence contract of the engine.
// Every read and write is scoped by tenant id, except the cross-tenant scans
// used by the background scanners. All implementations must be safe for
// concurrent use and must serialize writes per execution id.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, tenantID, id string, status schema.WorkflowStatus) error
	SoftDeleteWorkflow(ctx context.Context, tenantID, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	// CreateExecutionIfNoActive inserts exec unless a pending/running execution
	// already exists for the same tenant, trigger source and subject
	// (conversation, or customer when there is no conversation).
	CreateExecutionIfNoActive(ctx context.Context, exec *schema.Execution) (bool, error)
	// Load fails with NOT_FOUND for unknown ids.
	Load(ctx context.Context, tenantID, id string) (*schema.Execution, error)
	// Save fails with ALREADY_TERMINAL if the persisted row is terminal and with
	// CONFLICT if exec.Version is stale. On success exec.Version is bumped.
	Save(ctx context.Context, exec *schema.Execution) error
	// AppendContext merges delta into the persisted execution context.
	AppendContext(ctx context.Context, tenantID, id string, delta map[string]any) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Scheduled resumptions
	ScheduleResumption(ctx context.Context, r *schema.ScheduledResumption) error
	DueResumptions(ctx context.Context, now time.Time, limit int) ([]*schema.ScheduledResumption, error)
	// ClaimResumption moves a resumption from pending to fired. It returns
	// false when another consumer already claimed it.
	ClaimResumption(ctx context.Context, id string) (bool, error)
	FailResumption(ctx context.Context, id, errMsg string) error
	// CancelResumptions deletes the pending resumptions of an execution.
	CancelResumptions(ctx context.Context, tenantID, executionID string) (int, error)
	ListResumptions(ctx context.Context, filter ResumptionFilter) ([]*schema.ScheduledResumption, error)

	// Conversations (follow-up scanning)
	UpsertConversation(ctx context.Context, c *schema.Conversation) error
	ListInactiveConversations(ctx context.Context, tenantID string, inactiveSince time.Time, maxFollowUps, limit int) ([]*schema.Conversation, error)
	IncrementFollowUpCount(ctx context.Context, tenantID, conversationID string) (int, error)

	// Execution history (append-only)
	AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error
	ListEvents(ctx context.Context, tenantID, executionID string) ([]*schema.ExecutionEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
