package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/engageflow/internal/diagram"
	"github.com/rendis/engageflow/internal/jobs"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

// handleEmitEvent dispatches a domain event and reports the executions it started.
func (s *EngageServer) handleEmitEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	s.captureSession(ctx, tenantID)

	ev := schema.DomainEvent{
		Type:           schema.DomainEventType(eventType),
		TenantID:       tenantID,
		EntityID:       req.GetString("entity_id", ""),
		ConversationID: req.GetString("conversation_id", ""),
		CustomerID:     req.GetString("customer_id", ""),
		Payload:        mcp.ParseStringMap(req, "payload", nil),
		OccurredAt:     time.Now().UTC(),
	}

	ids, dispatchErr := s.events.OnEvent(ctx, ev)
	if dispatchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", dispatchErr)), nil
	}
	if ids == nil {
		ids = []string{}
	}
	return marshalResult(map[string]any{
		"event_type":    eventType,
		"execution_ids": ids,
	})
}

// handleStatus returns an execution with its trace and pending timers.
func (s *EngageServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, execID, errResult := requireExecution(req)
	if errResult != nil {
		return errResult, nil
	}
	s.captureSession(ctx, tenantID)

	report, statusErr := s.interp.Status(ctx, tenantID, execID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleCancel cancels a non-terminal execution.
func (s *EngageServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, execID, errResult := requireExecution(req)
	if errResult != nil {
		return errResult, nil
	}
	s.captureSession(ctx, tenantID)

	reason := req.GetString("reason", "cancelled by operator")
	if cancelErr := s.events.Cancel(ctx, tenantID, execID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": execID,
		"status":       schema.ExecutionCancelled,
	})
}

// handleResume queues a resume job for an execution parked at a delay step.
// The pending timer is left in place; when it fires the interpreter sees the
// step already advanced and does nothing.
func (s *EngageServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, execID, errResult := requireExecution(req)
	if errResult != nil {
		return errResult, nil
	}
	s.captureSession(ctx, tenantID)

	exec, loadErr := s.store.Load(ctx, tenantID, execID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", loadErr)), nil
	}
	if exec.Status != schema.ExecutionRunning {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s is %s, only running executions can be resumed", execID, exec.Status)), nil
	}
	stepID := req.GetString("step_id", exec.CurrentStepID)
	if stepID != exec.CurrentStepID {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s is parked at %q, not %q", execID, exec.CurrentStepID, stepID)), nil
	}

	if qErr := s.queue.Enqueue(ctx, jobs.ResumeJob(tenantID, execID, stepID)); qErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to queue resume: %v", qErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": execID,
		"step_id":      stepID,
		"queued":       true,
	})
}

// handleDefine validates a workflow document and stores it for the tenant.
func (s *EngageServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	s.captureSession(ctx, tenantID)

	// Marshal then unmarshal the document to get a typed Workflow.
	data, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", marshalErr)), nil
	}
	var wf schema.Workflow
	if unmarshalErr := json.Unmarshal(data, &wf); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", unmarshalErr)), nil
	}
	if wf.TenantID != "" && wf.TenantID != tenantID {
		return mcp.NewToolResultError(fmt.Sprintf("workflow belongs to tenant %q, not %q", wf.TenantID, tenantID)), nil
	}
	wf.TenantID = tenantID
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	for i := range wf.Steps {
		wf.Steps[i].WorkflowID = wf.ID
		wf.Steps[i].TenantID = tenantID
	}

	report := &schema.Report{}
	if s.checker != nil {
		report = s.checker.Validate(&wf)
	}
	if !report.Valid() {
		return marshalError(map[string]any{"valid": false, "report": report})
	}
	if req.GetBool("dry_run", false) {
		return marshalResult(map[string]any{"valid": true, "report": report})
	}

	if storeErr := s.store.CreateWorkflow(ctx, &wf); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", storeErr)), nil
	}
	return marshalResult(map[string]any{
		"id":       wf.ID,
		"status":   wf.Status,
		"warnings": report.Warnings,
	})
}

// handleWorkflow changes the lifecycle status of a stored workflow.
func (s *EngageServer) handleWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	op, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	s.captureSession(ctx, tenantID)

	var opErr error
	switch op {
	case "activate":
		opErr = s.activate(ctx, tenantID, workflowID)
	case "deactivate":
		opErr = s.store.UpdateWorkflowStatus(ctx, tenantID, workflowID, schema.WorkflowStatusInactive)
	case "delete":
		opErr = s.store.SoftDeleteWorkflow(ctx, tenantID, workflowID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", op)), nil
	}
	if opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, opErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"operation":   op,
	})
}

// activate re-validates a stored workflow before making it dispatchable.
func (s *EngageServer) activate(ctx context.Context, tenantID, workflowID string) error {
	wf, err := s.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return err
	}
	if s.checker != nil {
		if err := s.checker.Validate(wf).ToError(); err != nil {
			return err
		}
	}
	return s.store.UpdateWorkflowStatus(ctx, tenantID, workflowID, schema.WorkflowStatusActive)
}

// handleQuery lists executions, workflows, events, or resumptions.
func (s *EngageServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	s.captureSession(ctx, tenantID)

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, tenantID, filter)
	case "workflows":
		return s.queryWorkflows(ctx, tenantID, filter)
	case "events":
		return s.queryEvents(ctx, tenantID, filter)
	case "resumptions":
		return s.queryResumptions(ctx, tenantID, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDiagram renders a workflow as Mermaid or ASCII text.
func (s *EngageServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	execID := req.GetString("execution_id", "")
	if workflowID == "" && execID == "" {
		return mcp.NewToolResultError("workflow_id or execution_id is required"), nil
	}
	s.captureSession(ctx, tenantID)

	var trace []store.StepVisit
	if execID != "" {
		report, statusErr := s.interp.Status(ctx, tenantID, execID)
		if statusErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
		}
		if workflowID != "" && workflowID != report.Execution.WorkflowID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s runs workflow %s, not %s",
				execID, report.Execution.WorkflowID, workflowID)), nil
		}
		workflowID = report.Execution.WorkflowID
		trace = report.Trace
	}

	wf, getErr := s.store.GetWorkflow(ctx, tenantID, workflowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load workflow: %v", getErr)), nil
	}
	model, buildErr := diagram.Build(wf, trace)
	if buildErr != nil {
		return mcp.NewToolResultError(buildErr.Error()), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}
}

// --- Query helpers ---

func (s *EngageServer) queryExecutions(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		TenantID:       tenantID,
		WorkflowID:     extractString(filter, "workflow_id"),
		ConversationID: extractString(filter, "conversation_id"),
		Limit:          extractInt(filter, "limit", 50),
		Offset:         extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *EngageServer) queryWorkflows(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		TenantID:    tenantID,
		TriggerType: schema.TriggerType(extractString(filter, "trigger_type")),
		Limit:       extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if deleted, ok := filter["include_deleted"].(bool); ok {
		wf.IncludeDeleted = deleted
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *EngageServer) queryEvents(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	execID := extractString(filter, "execution_id")
	if execID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	events, err := s.store.ListEvents(ctx, tenantID, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *EngageServer) queryResumptions(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.ResumptionFilter{
		TenantID:    tenantID,
		ExecutionID: extractString(filter, "execution_id"),
		WorkflowID:  extractString(filter, "workflow_id"),
		Kind:        schema.ResumptionKind(extractString(filter, "kind")),
		Limit:       extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		rs := schema.ResumptionStatus(status)
		rf.Status = &rs
	}

	resumptions, err := s.store.ListResumptions(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"resumptions": resumptions})
}

// --- Internal helpers ---

func requireExecution(req mcp.CallToolRequest) (tenantID, execID string, errResult *mcp.CallToolResult) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("tenant_id is required")
	}
	execID, err = req.RequireString("execution_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("execution_id is required")
	}
	return tenantID, execID, nil
}

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession subscribes the calling session to the tenant's notifications.
func (s *EngageServer) captureSession(ctx context.Context, tenantID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(tenantID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// marshalError is marshalResult with IsError set.
func marshalError(v any) (*mcp.CallToolResult, error) {
	res, err := marshalResult(v)
	if err == nil && res != nil {
		res.IsError = true
	}
	return res, err
}
