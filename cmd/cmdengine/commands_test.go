package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/telemetry"
	"github.com/rendis/cmdengine/pkg/schema"
)

const examplesDir = "../../examples"

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeBlueprint(t *testing.T, name, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestRunCommand(t *testing.T) {
	isolateHome(t)
	db := filepath.Join(t.TempDir(), "runs.db")

	out, err := execute(t, "--db", db, "run", "--tree", filepath.Join(examplesDir, "flaky.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "tree:    flaky")
	assert.Contains(t, out, "state:   completed (100%)")
	assert.Contains(t, out, "=== flaky ===")
	assert.Contains(t, out, "[OK]")

	out, err = execute(t, "--db", db, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "flaky")
	assert.Contains(t, out, "cli")
	assert.Contains(t, out, "completed")
}

func TestRunCommandFailure(t *testing.T) {
	isolateHome(t)
	path := writeBlueprint(t, "broken.yaml", `
name: broken
root:
  kind: leaf
  name: Boom
  action: fail
  params:
    code: 7
    message: boom
`)

	out, err := execute(t, "run", "--no-history", "--json", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended failed")
	assert.Contains(t, out, `"state": "failed"`)
	assert.Contains(t, out, `"text": "boom"`)
}

func TestValidateCommand(t *testing.T) {
	isolateHome(t)

	out, err := execute(t, "validate",
		filepath.Join(examplesDir, "deploy.yaml"),
		filepath.Join(examplesDir, "poller.yaml"),
		filepath.Join(examplesDir, "flaky.json"),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "ok    "))

	bad := writeBlueprint(t, "bad.yaml", `
name: bad
root:
  kind: leaf
  name: Nothing
  action: no.such.action
`)
	out, err = execute(t, "validate", filepath.Join(examplesDir, "flaky.json"), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "FAIL  "+bad)
	assert.Contains(t, out, "no.such.action")
}

func TestDiagramCommand(t *testing.T) {
	isolateHome(t)
	deploy := filepath.Join(examplesDir, "deploy.yaml")

	out, err := execute(t, "diagram", deploy)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "=== deploy ==="))
	assert.Contains(t, out, "Rollback (leaf)")

	out, err = execute(t, "diagram", "--format", "mermaid", deploy)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))

	_, err = execute(t, "diagram", "--format", "png", deploy)
	require.Error(t, err)

	target := filepath.Join(t.TempDir(), "deploy.svg")
	out, err = execute(t, "diagram", "--format", "svg", "--output", target, deploy)
	require.NoError(t, err)
	assert.Contains(t, out, "Diagram written to")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	_, err = execute(t, "diagram", "--format", "bmp", deploy)
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cmdengine dev"))
}

func TestRegisterDir(t *testing.T) {
	isolateHome(t)
	cfg := defaultConfig()
	a, err := newApp(context.Background(), cfg, appOptions{logOut: io.Discard})
	require.NoError(t, err)
	defer a.close(context.Background())

	names, err := a.registerDir(examplesDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "flaky", "poller"}, names)
	assert.Equal(t, []string{"deploy", "flaky", "poller"}, a.executor.Trees())

	names, err = a.registerDir(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = a.registerFile(filepath.Join(examplesDir, "flaky.json"))
	var opErr *schema.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, schema.ErrCodeConflict, opErr.Code)
}

func TestMeteredRunner(t *testing.T) {
	isolateHome(t)
	a, err := newApp(context.Background(), defaultConfig(), appOptions{logOut: io.Discard})
	require.NoError(t, err)
	defer a.close(context.Background())
	_, err = a.registerFile(filepath.Join(examplesDir, "flaky.json"))
	require.NoError(t, err)

	m := telemetry.NewMetrics()
	runner := meteredRunner{Executor: a.executor, metrics: m}
	res, err := runner.Run(context.Background(), "flaky", engine.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.StateCompleted, res.State)
	_, err = runner.Run(context.Background(), "ghost", engine.RunOptions{})
	require.Error(t, err)

	rec := scrape(t, m.Handler())
	assert.Contains(t, rec, `cmdengine_scheduler_launches_total{state="completed",tree="flaky"} 1`)
	assert.Contains(t, rec, `cmdengine_scheduler_launches_total{state="failed",tree="ghost"} 1`)
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestServe(t *testing.T) {
	home := isolateHome(t)
	cfg := defaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(home, "serve.db")
	cfg.BlueprintDir = examplesDir
	cfg.PoolSize = 4

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, &rootOptions{}, cfg, serveOptions{scheduler: true, ready: ready})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr

	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	code, body = get("/api/trees")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"trees":["deploy","flaky","poller"]}`, body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `cmdengine_pool_active{pool="parallel"} 0`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
