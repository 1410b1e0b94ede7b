package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conveyor-hq/conveyor/internal/gateway"
	"github.com/conveyor-hq/conveyor/internal/service"
	"github.com/conveyor-hq/conveyor/internal/store"
)

// ConveyorServerDeps holds the dependencies for creating a ConveyorServer.
type ConveyorServerDeps struct {
	Service *service.Service
	Gateway *gateway.Gateway
	Store   store.Store
	Logger  *slog.Logger
}

// ConveyorServer wraps an MCP server with conveyor-specific tool handlers.
type ConveyorServer struct {
	service   *service.Service
	gateway   *gateway.Gateway
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewConveyorServer creates a new ConveyorServer with all 6 tools registered.
func NewConveyorServer(deps ConveyorServerDeps) *ConveyorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConveyorServer{
		service: deps.Service,
		gateway: deps.Gateway,
		store:   deps.Store,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"conveyor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conveyor is a durable workflow execution engine. Use conveyor.run to start an execution, conveyor.status to fetch one with ordered steps, conveyor.approve to resolve a pending approval, conveyor.cancel to cancel a run, conveyor.define to register a workflow, and conveyor.query to list executions, workflows, events, or notifications."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConveyorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConveyorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *ConveyorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("conveyor.run",
		mcp.WithDescription("Start one execution of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID or slug of the workflow to execute")),
		mcp.WithObject("variables", mcp.Description("Input variables for the execution")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user owning the execution")),
		mcp.WithString("session_id", mcp.Description("Originating session, if any")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conveyor.status",
		mcp.WithDescription("Fetch an execution with its steps in deterministic order"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to fetch")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the requesting user")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("conveyor.approve",
		mcp.WithDescription("Resolve a pending approval checkpoint"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the suspended execution")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user owning the execution")),
		mcp.WithString("resume_token", mcp.Required(), mcp.Description("Token from the approval notification")),
		mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true to approve, false to deny")),
		mcp.WithString("reason", mcp.Description("Reason for the decision")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conveyor.cancel",
		mcp.WithDescription("Cancel a non-terminal execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user owning the execution")),
		mcp.WithString("reason", mcp.Description("Reason for the cancellation")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("conveyor.define",
		mcp.WithDescription("Register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, steps)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("conveyor.query",
		mcp.WithDescription("Query executions, workflows, events, or notifications"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "workflows", "events", "notifications"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, user_id, status, limit, execution_id, since)")),
	)
}
