package actions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/pkg/schema"
)

func newShellTestConfig() ShellConfig {
	return ShellConfig{
		DefaultTimeout: 10 * time.Second,
		MaxOutputSize:  1024 * 1024,
	}
}

func execShellCtx(t *testing.T, ctx context.Context, cfg ShellConfig, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := ShellActions(cfg)[0].Execute(ctx, ActionInput{Params: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, nil
}

func execShell(t *testing.T, cfg ShellConfig, params map[string]any) (map[string]any, error) {
	t.Helper()
	return execShellCtx(t, context.Background(), cfg, params)
}

func requireClassified(t *testing.T, err error) *schema.CommandError {
	t.Helper()
	require.Error(t, err)
	ce, ok := schema.AsCommandError(err)
	require.True(t, ok, "got %T: %v", err, err)
	return ce
}

func TestShellExec_Schema(t *testing.T) {
	a := ShellActions(newShellTestConfig())[0]
	assert.Equal(t, "shell.exec", a.Name())

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(a.Schema().InputSchema, &parsed))
	assert.Equal(t, []any{"command"}, parsed["required"])
}

func TestShellExec_Validate(t *testing.T) {
	a := ShellActions(newShellTestConfig())[0]

	requireOpCode(t, a.Validate(map[string]any{}), schema.ErrCodeValidation)
	requireOpCode(t, a.Validate(map[string]any{"command": ""}), schema.ErrCodeValidation)
	requireOpCode(t, a.Validate(map[string]any{"command": "ls", "timeout": "soon"}), schema.ErrCodeValidation)
	assert.NoError(t, a.Validate(map[string]any{"command": "ls", "timeout": "1s"}))
}

func TestShellExec_Echo(t *testing.T) {
	result, err := execShell(t, newShellTestConfig(), map[string]any{
		"command": "echo",
		"args":    []any{"hello", "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", result["stdout"])
	assert.Equal(t, float64(0), result["exit_code"])
}

func TestShellExec_NonZeroExitIsClassified(t *testing.T) {
	_, err := execShell(t, newShellTestConfig(), map[string]any{
		"command": "echo oops >&2; exit 3",
		"shell":   true,
	})
	ce := requireClassified(t, err)
	assert.Equal(t, 3, ce.Code)
	assert.Equal(t, schema.TierBase, ce.Tier)
	assert.Contains(t, ce.Text, "oops")
}

func TestShellExec_StdinEnvCwd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	result, err := execShell(t, newShellTestConfig(), map[string]any{
		"command": `cat; printf " %s " "$GREETING"; ls`,
		"shell":   true,
		"stdin":   "piped",
		"env":     map[string]any{"GREETING": "hi"},
		"cwd":     dir,
	})
	require.NoError(t, err)
	assert.Contains(t, result["stdout"], "piped")
	assert.Contains(t, result["stdout"], " hi ")
	assert.Contains(t, result["stdout"], "marker.txt")
}

func TestShellExec_TimeoutIsRetryable(t *testing.T) {
	_, err := execShell(t, newShellTestConfig(), map[string]any{
		"command": "sleep",
		"args":    []any{"5"},
		"timeout": "100ms",
	})
	ce := requireClassified(t, err)
	assert.Equal(t, CodeShellTimeout, ce.Code)
	assert.True(t, ce.AllowsRetry())
}

func TestShellExec_CommandNotFound(t *testing.T) {
	_, err := execShell(t, newShellTestConfig(), map[string]any{
		"command": "definitely-not-a-real-binary-cmdengine",
	})
	ce := requireClassified(t, err)
	assert.Equal(t, CodeShellStart, ce.Code)
}

func TestShellExec_ContextCancelledReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := execShellCtx(t, ctx, newShellTestConfig(), map[string]any{
		"command": "sleep",
		"args":    []any{"5"},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShellExec_JSONStdout(t *testing.T) {
	result, err := execShell(t, newShellTestConfig(), map[string]any{
		"command": `echo '{"x": 1.5}'`,
		"shell":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.5}, result["stdout"])
	assert.Equal(t, "{\"x\": 1.5}\n", result["stdout_raw"])
}

func TestShellExec_MaxOutputSize(t *testing.T) {
	cfg := newShellTestConfig()
	cfg.MaxOutputSize = 10

	result, err := execShell(t, cfg, map[string]any{
		"command": "printf",
		"args":    []any{"0123456789abcdef"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", result["stdout"])
	assert.Equal(t, true, result["truncated"])
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.dropped)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = b.Write([]byte("ijk"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.dropped)
}
