// Package mcp exposes the engine to operators and agents as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/engageflow/internal/engine"
	"github.com/rendis/engageflow/internal/jobs"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/internal/streaming"
	"github.com/rendis/engageflow/pkg/schema"
)

// EventHandler accepts domain events and cancellations. Satisfied by
// *dispatch.Dispatcher.
type EventHandler interface {
	OnEvent(ctx context.Context, ev schema.DomainEvent) ([]string, error)
	Cancel(ctx context.Context, tenantID, executionID, reason string) error
}

// WorkflowChecker validates a workflow before it is stored. Satisfied by
// *validation.WorkflowValidator.
type WorkflowChecker interface {
	Validate(wf *schema.Workflow) *schema.Report
}

// EngageServerDeps holds the dependencies for creating an EngageServer.
type EngageServerDeps struct {
	Events      EventHandler
	Interpreter engine.Interpreter
	Queue       jobs.Queue
	Store       store.Store
	Checker     WorkflowChecker
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// EngageServer wraps an MCP server with engine tool handlers.
type EngageServer struct {
	events    EventHandler
	interp    engine.Interpreter
	queue     jobs.Queue
	store     store.Store
	checker   WorkflowChecker
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewEngageServer creates a new EngageServer with all tools registered.
func NewEngageServer(deps EngageServerDeps) *EngageServer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &EngageServer{
		events:   deps.Events,
		interp:   deps.Interpreter,
		queue:    deps.Queue,
		store:    deps.Store,
		checker:  deps.Checker,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"engageflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("engageflow runs tenant-defined conversation workflows. Use engage.emit_event to feed a domain event, engage.status to inspect an execution, engage.cancel and engage.resume to steer one, engage.define and engage.workflow to manage workflow definitions, engage.query to list executions, workflows, events or resumptions, and engage.diagram to draw a workflow. Every tool is scoped by tenant_id."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Lifecycle notifications are forwarded while it runs when a hub is
// configured.
func (s *EngageServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions, s.logger)
		stop, err := notifier.Forward(ctx, s.hub)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EngageServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *EngageServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: emitEventTool(), Handler: s.handleEmitEvent},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: workflowTool(), Handler: s.handleWorkflow},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func tenantParam() mcp.ToolOption {
	return mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant that owns the resource"))
}

func emitEventTool() mcp.Tool {
	return mcp.NewTool("engage.emit_event",
		mcp.WithDescription("Dispatch a domain event to the workflows it triggers"),
		tenantParam(),
		mcp.WithString("event_type", mcp.Required(),
			mcp.Enum(
				string(schema.EventMessageReceived),
				string(schema.EventConversationCreated),
				string(schema.EventConversationClosed),
				string(schema.EventCustomerCreated),
				string(schema.EventCustomerReturning),
			),
			mcp.Description("Domain event type"),
		),
		mcp.WithString("conversation_id", mcp.Description("Conversation the event belongs to")),
		mcp.WithString("customer_id", mcp.Description("Customer the event belongs to")),
		mcp.WithString("entity_id", mcp.Description("ID of the entity that produced the event (message, conversation, customer)")),
		mcp.WithObject("payload", mcp.Description("Event payload; becomes the initial execution context")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("engage.status",
		mcp.WithDescription("Get an execution with its step trace and pending resumptions"),
		tenantParam(),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("engage.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		tenantParam(),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("engage.resume",
		mcp.WithDescription("Resume an execution parked at a delay step before its timer fires"),
		tenantParam(),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the parked execution")),
		mcp.WithString("step_id", mcp.Description("Step the execution is parked at (default: its current step)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("engage.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		tenantParam(),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document: name, trigger_type, trigger_config, status, definition, steps")),
		mcp.WithBoolean("dry_run", mcp.Description("Only validate; do not store")),
	)
}

func workflowTool() mcp.Tool {
	return mcp.NewTool("engage.workflow",
		mcp.WithDescription("Activate, deactivate or delete a stored workflow"),
		tenantParam(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("activate", "deactivate", "delete"),
			mcp.Description("Operation to apply"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("engage.query",
		mcp.WithDescription("Query executions, workflows, events, or resumptions"),
		tenantParam(),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "workflows", "events", "resumptions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_id, conversation_id, execution_id, trigger_type, kind, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("engage.diagram",
		mcp.WithDescription("Render a workflow graph, optionally overlaid with the steps an execution visited"),
		tenantParam(),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw (optional when execution_id is given)")),
		mcp.WithString("execution_id", mcp.Description("Execution whose trace is overlaid")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
