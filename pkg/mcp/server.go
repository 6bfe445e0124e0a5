package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/scheduler"
	"github.com/rendis/cmdengine/internal/store"
)

// ServerDeps holds the dependencies for creating a Server. Store, Loader,
// Builder and Scheduler are optional; the tools that need a missing one
// report an error.
type ServerDeps struct {
	Executor  engine.Executor
	Store     store.Store
	Registry  *actions.Registry
	Loader    *blueprint.Loader
	Builder   *blueprint.Builder
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Version   string
}

// Server exposes the engine as MCP tools.
type Server struct {
	executor  engine.Executor
	store     store.Store
	registry  *actions.Registry
	loader    *blueprint.Loader
	builder   *blueprint.Builder
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ClientNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executor:  deps.Executor,
		store:     deps.Store,
		registry:  deps.Registry,
		loader:    deps.Loader,
		builder:   deps.Builder,
		scheduler: deps.Scheduler,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"cmdengine",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("cmdengine executes named command trees. Use cmdengine.list to discover trees and actions, "+
			"cmdengine.define to register a blueprint, cmdengine.run to execute a tree, cmdengine.status and "+
			"cmdengine.history to inspect runs, cmdengine.control to pause, resume or abort, cmdengine.diagram "+
			"to draw a tree and cmdengine.schedule to manage cron jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport for mounting on a mux.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}
