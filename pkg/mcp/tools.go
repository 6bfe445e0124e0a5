package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/diagram"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("cmdengine.list",
		mcp.WithDescription("List registered trees, available actions and active runs"),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("cmdengine.define",
		mcp.WithDescription("Validate a blueprint document and register it as a named tree"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Blueprint document")),
		mcp.WithString("format", mcp.Enum("yaml", "json"), mcp.Description("Document encoding (default: yaml)")),
		mcp.WithBoolean("dry_run", mcp.Description("Only validate, do not register")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("cmdengine.run",
		mcp.WithDescription("Execute a registered tree"),
		mcp.WithString("tree", mcp.Required(), mcp.Description("Name of the tree to execute")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run stops (default: true)")),
		mcp.WithString("client_id", mcp.Description("Caller ID; detached runs notify it when they stop")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cmdengine.status",
		mcp.WithDescription("Get the state and progress of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("cmdengine.control",
		mcp.WithDescription("Pause, resume or abort an active run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum(string(schema.ControlPause), string(schema.ControlResume), string(schema.ControlAbort)),
			mcp.Description("Control signal to apply"),
		),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("cmdengine.history",
		mcp.WithDescription("Query past runs, or the transitions of one run"),
		mcp.WithString("run_id", mcp.Description("Return the transitions of this run")),
		mcp.WithNumber("since", mcp.Description("Only transitions after this sequence number")),
		mcp.WithString("tree", mcp.Description("Filter runs by tree")),
		mcp.WithString("state", mcp.Enum("executing", "completed", "failed", "aborted"), mcp.Description("Filter runs by final state")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 20)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("cmdengine.diagram",
		mcp.WithDescription("Draw a tree. Returns ASCII art, Mermaid flowchart syntax, graphviz DOT or SVG text, or a PNG image"),
		mcp.WithString("tree", mcp.Description("Registered tree to draw unstarted")),
		mcp.WithString("run_id", mcp.Description("Run to draw with its current states")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "dot", "svg", "png"),
			mcp.Description("Output format"),
		),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("cmdengine.schedule",
		mcp.WithDescription("Manage cron schedules for trees"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("list", "add", "remove", "enable", "disable"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("tree", mcp.Description("Tree to schedule (add)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression or descriptor such as @hourly (add)")),
		mcp.WithString("job_id", mcp.Description("Target job (remove, enable, disable)")),
	)
}

// --- Handlers ---

// handleList reports the catalogue.
func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := map[string]any{
		"trees":  s.executor.Trees(),
		"active": s.executor.Active(),
	}
	if s.registry != nil {
		out["actions"] = s.registry.List()
	}
	return marshalResult(out)
}

// handleDefine parses, validates and registers a blueprint.
func (s *Server) handleDefine(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.loader == nil || s.builder == nil {
		return mcp.NewToolResultError("blueprint support is not configured"), nil
	}
	document, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	format := blueprint.Format(req.GetString("format", string(blueprint.FormatYAML)))

	bp, err := s.loader.Parse([]byte(document), format)
	if err != nil {
		return opErrorResult(err), nil
	}
	if _, err := s.builder.Build(bp); err != nil {
		return opErrorResult(err), nil
	}

	if req.GetBool("dry_run", false) {
		return marshalResult(map[string]any{"valid": true, "name": bp.Name})
	}

	builder := s.builder
	if err := s.executor.Register(bp.Name, func() (*blueprint.Tree, error) {
		return builder.Build(bp)
	}); err != nil {
		return opErrorResult(err), nil
	}
	s.logger.Info("tree defined via mcp", "tree", bp.Name)
	return marshalResult(map[string]any{"valid": true, "name": bp.Name, "registered": true})
}

// handleRun executes a tree, blocking unless wait is false.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tree, err := req.RequireString("tree")
	if err != nil {
		return mcp.NewToolResultError("tree is required"), nil
	}
	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}
	opts := engine.RunOptions{Trigger: store.TriggerMCP}

	if req.GetBool("wait", true) {
		result, err := s.executor.Run(ctx, tree, opts)
		if err != nil {
			return opErrorResult(err), nil
		}
		return marshalResult(result)
	}

	runID, err := s.executor.Start(ctx, tree, opts)
	if err != nil {
		return opErrorResult(err), nil
	}
	if clientID != "" {
		s.sessions.Watch(runID, clientID)
		go s.notifyWhenDone(runID)
	}
	return marshalResult(map[string]string{"run_id": runID, "tree": tree})
}

// handleStatus returns the current state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	status, err := s.executor.Status(ctx, runID)
	if err != nil {
		return opErrorResult(err), nil
	}
	return marshalResult(status)
}

// handleControl applies a control signal to an active run.
func (s *Server) handleControl(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	name, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	action := schema.ControlAction(name)
	if !action.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", name)), nil
	}
	if err := s.executor.Control(runID, action); err != nil {
		return opErrorResult(err), nil
	}
	return marshalResult(map[string]string{"run_id": runID, "action": name})
}

// handleHistory lists runs, or the transitions of one run.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		transitions, err := s.store.ListTransitions(ctx, runID, int64(req.GetInt("since", 0)))
		if err != nil {
			return opErrorResult(err), nil
		}
		return marshalResult(map[string]any{"run_id": runID, "transitions": transitions})
	}

	filter := store.RunFilter{
		Tree:  req.GetString("tree", ""),
		Limit: req.GetInt("limit", 20),
	}
	if name := req.GetString("state", ""); name != "" {
		st, err := schema.ParseState(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.State = &st
	}
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return opErrorResult(err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleDiagram draws a registered tree or a run.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	tree := req.GetString("tree", "")
	runID := req.GetString("run_id", "")

	var root command.Command
	switch {
	case runID != "":
		root, err = s.executor.Inspect(runID)
	case tree != "":
		root, err = s.executor.Preview(tree)
	default:
		return mcp.NewToolResultError("one of tree or run_id is required"), nil
	}
	if err != nil {
		return opErrorResult(err), nil
	}

	model := diagram.Build(tree, root)
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}

	imgFormat, err := diagram.ParseImageFormat(format)
	if err != nil {
		return opErrorResult(err), nil
	}
	data, err := diagram.RenderImage(ctx, model, imgFormat)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	if imgFormat == diagram.FormatPNG {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(data), "image/png"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleSchedule manages cron jobs.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not enabled"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "list":
		jobs, err := s.scheduler.List(ctx)
		if err != nil {
			return opErrorResult(err), nil
		}
		return marshalResult(map[string]any{"jobs": jobs})

	case "add":
		tree := req.GetString("tree", "")
		cron := req.GetString("cron", "")
		if tree == "" || cron == "" {
			return mcp.NewToolResultError("tree and cron are required"), nil
		}
		job, err := s.scheduler.Add(ctx, tree, cron)
		if err != nil {
			return opErrorResult(err), nil
		}
		return marshalResult(job)

	case "remove", "enable", "disable":
		jobID := req.GetString("job_id", "")
		if jobID == "" {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		if action == "remove" {
			err = s.scheduler.Remove(ctx, jobID)
		} else {
			err = s.scheduler.SetEnabled(ctx, jobID, action == "enable")
		}
		if err != nil {
			return opErrorResult(err), nil
		}
		return marshalResult(map[string]string{"job_id": jobID, "action": action})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown schedule action %q", action)), nil
	}
}

// --- Helpers ---

// notifyWhenDone tells the clients watching runID how it ended.
func (s *Server) notifyWhenDone(runID string) {
	ctx := context.Background()
	result, err := s.executor.Wait(ctx, runID)
	clients := s.sessions.TakeWatchers(runID)
	if err != nil {
		s.logger.Error("wait for detached run failed", "run_id", runID, "error", err)
		return
	}
	payload := map[string]any{
		"type":    schema.EventRunFinished,
		"run_id":  result.RunID,
		"tree":    result.Tree,
		"state":   result.State.String(),
		"percent": result.Percent,
	}
	for _, clientID := range clients {
		if err := s.notifier.Notify(ctx, clientID, payload); err != nil {
			s.logger.Warn("run notification failed", "client_id", clientID, "run_id", runID, "error", err)
		}
	}
}

// captureSession maps the client ID to its current MCP session.
func (s *Server) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
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

// opErrorResult reports err as a tool error. Structured errors keep their
// code and details.
func opErrorResult(err error) *mcp.CallToolResult {
	var opErr *schema.OpError
	if errors.As(err, &opErr) {
		if data, mErr := json.Marshal(opErr); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}
