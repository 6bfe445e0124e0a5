package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/internal/scheduler"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

const greetDoc = `
name: greet
variables:
  greeting: ""
root:
  kind: sequential
  name: Main
  children:
    - kind: leaf
      name: Set
      action: vars.set
      params:
        name: greeting
        value: hello
`

// --- Fake notifier ---

type fakeNotifier struct {
	mu    sync.Mutex
	sent  map[string][]map[string]any
	ready chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[string][]map[string]any), ready: make(chan struct{}, 8)}
}

func (n *fakeNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	n.mu.Lock()
	n.sent[clientID] = append(n.sent[clientID], payload)
	n.mu.Unlock()
	n.ready <- struct{}{}
	return nil
}

func (n *fakeNotifier) payloads(clientID string) []map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[clientID]
}

// --- Fixture ---

type fixture struct {
	server   *Server
	executor engine.Executor
	store    *store.LibSQLStore
	notifier *fakeNotifier
	release  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	command.SetLoggingEnabled(false)
	t.Cleanup(func() { command.SetLoggingEnabled(true) })

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := engine.NewExecutor(engine.ExecutorConfig{Store: s, Logger: logger})
	t.Cleanup(func() { _ = ex.Shutdown(context.Background()) })

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinConfig{Logger: logger, Engines: engines}))
	schemas, err := blueprint.NewSchemaValidator()
	require.NoError(t, err)

	f := &fixture{executor: ex, store: s, notifier: newFakeNotifier(), release: make(chan struct{})}
	require.NoError(t, ex.Register("held", func() (*blueprint.Tree, error) {
		root := command.NewSequential("Held", command.NewLeaf("Wait", func(ctx context.Context) error {
			select {
			case <-f.release:
			case <-ctx.Done():
			}
			return nil
		}))
		return &blueprint.Tree{Root: root, Vars: expressions.NewVariables(nil)}, nil
	}))

	f.server = NewServer(ServerDeps{
		Executor:  ex,
		Store:     s,
		Registry:  reg,
		Loader:    blueprint.NewLoader(schemas),
		Builder:   blueprint.NewBuilder(blueprint.Deps{Registry: reg, Engines: engines, Schemas: schemas}),
		Scheduler: scheduler.NewScheduler(s, ex, time.Hour, logger),
		Logger:    logger,
	})
	f.server.notifier = f.notifier
	return f
}

func (f *fixture) define(t *testing.T) {
	t.Helper()
	result, err := f.server.handleDefine(context.Background(), buildRequest("cmdengine.define", map[string]any{
		"document": greetDoc,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestListTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleList(context.Background(), buildRequest("cmdengine.list", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Trees   []string             `json:"trees"`
		Actions []actions.ActionInfo `json:"actions"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"held"}, out.Trees)
	assert.NotEmpty(t, out.Actions)
}

func TestDefineTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.server.handleDefine(ctx, buildRequest("cmdengine.define", map[string]any{
		"document": greetDoc,
		"dry_run":  true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["valid"])
	assert.Nil(t, out["registered"])
	assert.Equal(t, []string{"held"}, f.executor.Trees())

	f.define(t)
	assert.Equal(t, []string{"greet", "held"}, f.executor.Trees())

	result, err = f.server.handleDefine(ctx, buildRequest("cmdengine.define", map[string]any{
		"document": greetDoc,
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)
}

func TestDefineToolRejectsInvalidDocument(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing document", map[string]any{}},
		{"unknown action", map[string]any{"document": strings.Replace(greetDoc, "vars.set", "no.such.action", 1)}},
		{"bad json", map[string]any{"document": "{", "format": "json"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.server.handleDefine(context.Background(), buildRequest("cmdengine.define", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
	assert.Equal(t, []string{"held"}, f.executor.Trees())
}

func TestRunToolWaits(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	ctx := context.Background()

	result, err := f.server.handleRun(ctx, buildRequest("cmdengine.run", map[string]any{"tree": "greet"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res engine.RunResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, schema.StateCompleted, res.State)
	assert.Equal(t, 100, res.Percent)
	assert.Equal(t, "hello", res.Variables["greeting"])

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.TriggerMCP, run.Trigger)
}

func TestRunToolErrors(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleRun(context.Background(), buildRequest("cmdengine.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.server.handleRun(context.Background(), buildRequest("cmdengine.run", map[string]any{"tree": "ghost"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestDetachedRunNotifiesWatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.server.handleRun(ctx, buildRequest("cmdengine.run", map[string]any{
		"tree":      "held",
		"wait":      false,
		"client_id": "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var started map[string]string
	unmarshalResult(t, result, &started)
	runID := started["run_id"]
	require.NotEmpty(t, runID)

	result, err = f.server.handleStatus(ctx, buildRequest("cmdengine.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	var status engine.RunStatus
	unmarshalResult(t, result, &status)
	assert.True(t, status.Active)
	assert.Equal(t, "held", status.Tree)

	result, err = f.server.handleControl(ctx, buildRequest("cmdengine.control", map[string]any{
		"run_id": runID,
		"action": "abort",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	select {
	case <-f.notifier.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher was not notified")
	}
	sent := f.notifier.payloads("agent-1")
	require.Len(t, sent, 1)
	assert.Equal(t, runID, sent[0]["run_id"])
	assert.Equal(t, "aborted", sent[0]["state"])
	assert.Equal(t, schema.EventRunFinished, sent[0]["type"])
	assert.Empty(t, f.server.sessions.TakeWatchers(runID))
}

func TestControlToolErrors(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleControl(context.Background(), buildRequest("cmdengine.control", map[string]any{
		"run_id": "nope",
		"action": "explode",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "unknown action")

	result, err = f.server.handleControl(context.Background(), buildRequest("cmdengine.control", map[string]any{
		"run_id": "nope",
		"action": "pause",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestHistoryTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	ctx := context.Background()

	res, err := f.executor.Run(ctx, "greet", engine.RunOptions{Trigger: store.TriggerMCP})
	require.NoError(t, err)

	result, err := f.server.handleHistory(ctx, buildRequest("cmdengine.history", map[string]any{
		"tree":  "greet",
		"state": "completed",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var runs struct {
		Runs []store.Run `json:"runs"`
	}
	unmarshalResult(t, result, &runs)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, res.RunID, runs.Runs[0].ID)

	result, err = f.server.handleHistory(ctx, buildRequest("cmdengine.history", map[string]any{"run_id": res.RunID}))
	require.NoError(t, err)
	var transitions struct {
		Transitions []store.Transition `json:"transitions"`
	}
	unmarshalResult(t, result, &transitions)
	require.Len(t, transitions.Transitions, 4)
	assert.Equal(t, "Main", transitions.Transitions[0].Command)
	assert.Equal(t, schema.StateExecuting, transitions.Transitions[0].To)

	result, err = f.server.handleHistory(ctx, buildRequest("cmdengine.history", map[string]any{"state": "sleeping"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	ctx := context.Background()

	result, err := f.server.handleDiagram(ctx, buildRequest("cmdengine.diagram", map[string]any{
		"tree":   "greet",
		"format": "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	assert.Contains(t, text, "=== greet ===")
	assert.Contains(t, text, "Set (leaf)")

	res, err := f.executor.Run(ctx, "greet", engine.RunOptions{})
	require.NoError(t, err)
	result, err = f.server.handleDiagram(ctx, buildRequest("cmdengine.diagram", map[string]any{
		"run_id": res.RunID,
		"format": "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.True(t, strings.HasPrefix(extractText(t, result), "graph TD\n"))
	assert.Contains(t, extractText(t, result), "class n1 completed")

	result, err = f.server.handleDiagram(ctx, buildRequest("cmdengine.diagram", map[string]any{
		"tree":   "greet",
		"format": "png",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	img, ok := mcp.AsImageContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.NotEmpty(t, img.Data)

	result, err = f.server.handleDiagram(ctx, buildRequest("cmdengine.diagram", map[string]any{"format": "ascii"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.server.handleDiagram(ctx, buildRequest("cmdengine.diagram", map[string]any{
		"tree":   "ghost",
		"format": "ascii",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestScheduleTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.server.handleSchedule(ctx, buildRequest("cmdengine.schedule", map[string]any{
		"action": "add",
		"tree":   "held",
		"cron":   "@hourly",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var job store.ScheduledJob
	unmarshalResult(t, result, &job)
	require.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)

	result, err = f.server.handleSchedule(ctx, buildRequest("cmdengine.schedule", map[string]any{
		"action": "disable",
		"job_id": job.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	result, err = f.server.handleSchedule(ctx, buildRequest("cmdengine.schedule", map[string]any{"action": "list"}))
	require.NoError(t, err)
	var listed struct {
		Jobs []store.ScheduledJob `json:"jobs"`
	}
	unmarshalResult(t, result, &listed)
	require.Len(t, listed.Jobs, 1)
	assert.False(t, listed.Jobs[0].Enabled)

	result, err = f.server.handleSchedule(ctx, buildRequest("cmdengine.schedule", map[string]any{
		"action": "remove",
		"job_id": job.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = f.server.handleSchedule(ctx, buildRequest("cmdengine.schedule", map[string]any{
		"action": "remove",
		"job_id": job.ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.server.handleSchedule(ctx, buildRequest("cmdengine.schedule", map[string]any{
		"action": "add",
		"tree":   "held",
		"cron":   "not a cron",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolsWithoutOptionalDeps(t *testing.T) {
	s := NewServer(ServerDeps{Executor: engine.NewExecutor(engine.ExecutorConfig{})})
	ctx := context.Background()

	for name, handle := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"cmdengine.define":   s.handleDefine,
		"cmdengine.history":  s.handleHistory,
		"cmdengine.schedule": s.handleSchedule,
	} {
		result, err := handle(ctx, buildRequest(name, map[string]any{"action": "list", "document": greetDoc}))
		require.NoError(t, err)
		assert.True(t, result.IsError, name)
	}
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
