package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/servicehero/flowd/internal/engine"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/internal/streaming"
	"github.com/servicehero/flowd/internal/validation"
	"github.com/servicehero/flowd/pkg/schema"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Executor  engine.Executor
	Store     store.Store
	Validator *validation.TemplateValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with workflow tool handlers.
type FlowServer struct {
	executor  engine.Executor
	store     store.Store
	validator *validation.TemplateValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewFlowServer creates a new FlowServer with all 7 tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowd runs declarative automation workflows for service businesses. Use flow.start to run a registered template, flow.status to inspect an execution and its step attempts, flow.cancel to stop a running execution, flow.define to register a template, flow.query to list executions/events/templates/triggers, flow.analytics for outcome aggregates, and flow.diagram to visualize a template or execution."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE starts the SSE transport on addr and blocks until ctx is cancelled
// or the listener fails. baseURL is the externally visible prefix clients use
// to reach the message endpoint.
func (s *FlowServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() {
		errCh <- sse.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sse.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// StartEventBridge subscribes to the hub and pushes a notification to the
// watching session whenever an execution reaches a terminal status. No-op
// when no hub is configured.
func (s *FlowServer) StartEventBridge(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventExecutionCompleted,
			schema.EventExecutionFailed,
			schema.EventExecutionCancelled,
			schema.EventExecutionTimedOut,
		},
	})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := s.notifier.Notify(ctx, event.ExecutionID, map[string]any{
					"event_type":   event.EventType,
					"execution_id": event.ExecutionID,
				}); err != nil {
					s.logger.Warn("execution notification failed",
						slog.String("execution_id", event.ExecutionID),
						slog.String("error", err.Error()))
				}
				s.sessions.Forget(event.ExecutionID)
			}
		}
	}()
	return nil
}

// tools returns the 7 registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: analyticsTool(), Handler: s.handleAnalytics},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("flow.start",
		mcp.WithDescription("Start a workflow execution from a registered template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to execute")),
		mcp.WithString("tenant_id", mcp.Description("Tenant the execution runs on behalf of")),
		mcp.WithObject("payload", mcp.Description("Trigger payload; its fields feed {{placeholder}} interpolation")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get an execution's status and full step attempt history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Register a workflow template (validated before storage)"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template object: id, name, steps (trigger/action/condition/delay DAG)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query executions, events, templates, or scheduled triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "templates", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, template_id, tenant_id, since, limit, event_type, execution_id, business_type, category, enabled)")),
	)
}

func analyticsTool() mcp.Tool {
	return mcp.NewTool("flow.analytics",
		mcp.WithDescription("Compute execution analytics: success rate, durations, actions executed, time saved"),
		mcp.WithString("tenant_id", mcp.Description("Scope to one tenant")),
		mcp.WithString("template_id", mcp.Description("Scope to one template")),
		mcp.WithString("since", mcp.Description("RFC3339 window start")),
		mcp.WithString("until", mcp.Description("RFC3339 window end")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("template_id", mcp.Description("Template to render")),
		mcp.WithString("execution_id", mcp.Description("Execution to render; overlays per-step runtime status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
