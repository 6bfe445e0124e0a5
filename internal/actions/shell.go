package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/cmdengine/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	defaultShellPath     = "/bin/sh"
)

// Classified error codes of shell.exec besides the process exit code.
const (
	CodeShellStart   = 3101
	CodeShellTimeout = 3102
)

// ShellConfig configures the shell.exec action.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	ShellPath      string
}

// ShellActions returns all shell-related actions.
func ShellActions(cfg ShellConfig) []Action {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = defaultShellPath
	}
	return []Action{
		&shellExecAction{cfg: cfg},
	}
}

const shellExecInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

// shellExecAction runs a process. A non-zero exit fails the leaf with a base
// classified error whose code is the exit code; a timeout kill fails it with
// a retryable one.
type shellExecAction struct {
	cfg ShellConfig
}

func (a *shellExecAction) Name() string { return "shell.exec" }

func (a *shellExecAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Execute a system command, capturing stdout, stderr, and exit code",
		InputSchema: json.RawMessage(shellExecInputSchema),
	}
}

func (a *shellExecAction) Validate(params map[string]any) error {
	_, err := a.request(params)
	return err
}

// shellRequest is a validated shell.exec invocation.
type shellRequest struct {
	command string
	args    []string
	env     map[string]string
	cwd     string
	stdin   string
	timeout time.Duration
	viaSh   bool
}

func (a *shellExecAction) request(params map[string]any) (shellRequest, error) {
	p := paramSet(params)
	req := shellRequest{
		command: p.str("command"),
		args:    p.list("args"),
		env:     p.dict("env"),
		cwd:     p.str("cwd"),
		stdin:   p.str("stdin"),
		timeout: a.cfg.DefaultTimeout,
		viaSh:   p.flag("shell"),
	}
	if req.command == "" {
		return req, schema.NewOpError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}
	if t := p.str("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			return req, schema.NewOpErrorf(schema.ErrCodeValidation, "shell.exec: invalid timeout %q", t)
		}
		req.timeout = d
	}
	return req, nil
}

// cmd builds the process. With viaSh the arguments are appended to the
// command line and interpreted by shellPath.
func (r shellRequest) cmd(ctx context.Context, shellPath string) *exec.Cmd {
	var c *exec.Cmd
	if r.viaSh {
		line := strings.Join(append([]string{r.command}, r.args...), " ")
		c = exec.CommandContext(ctx, shellPath, "-c", line)
	} else {
		c = exec.CommandContext(ctx, r.command, r.args...)
	}
	c.Dir = r.cwd
	if r.env != nil {
		c.Env = os.Environ()
		for k, v := range r.env {
			c.Env = append(c.Env, k+"="+v)
		}
	}
	if r.stdin != "" {
		c.Stdin = strings.NewReader(r.stdin)
	}
	return c
}

func (a *shellExecAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	req, err := a.request(input.Params)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	cmd := req.cmd(runCtx, a.cfg.ShellPath)
	stdout := &cappedBuffer{limit: a.cfg.MaxOutputSize}
	stderr := &cappedBuffer{limit: a.cfg.MaxOutputSize}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, classifyExit(runCtx, req, runErr, stderr.String())
	}

	var decoded any = stdout.String()
	if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
		var v any
		if json.Unmarshal(stdout.Bytes(), &v) == nil {
			decoded = v
		}
	}

	return marshalOutput(map[string]any{
		"stdout":      decoded,
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   0,
		"duration_ms": elapsed.Milliseconds(),
		"truncated":   stdout.dropped || stderr.dropped,
	})
}

// classifyExit maps a failed run to a classified error: retryable when the
// timeout killed the process, base with the exit code otherwise.
func classifyExit(runCtx context.Context, req shellRequest, runErr error, stderr string) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return schema.NewRetryableErrorf(CodeShellTimeout, "shell.exec: %s killed after %s", req.command, req.timeout).
			WithCause(runErr)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		return schema.NewErrorf(code, "shell.exec: %s exited with code %d: %s",
			req.command, code, strings.TrimSpace(stderr)).WithCause(runErr)
	}
	return schema.NewErrorf(CodeShellStart, "shell.exec: %v", runErr).WithCause(runErr)
}

// cappedBuffer keeps the first limit bytes written to it. Write always
// reports the full length so the process never blocks on a full pipe.
type cappedBuffer struct {
	bytes.Buffer
	limit   int64
	dropped bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	room := b.limit - int64(b.Len())
	if int64(n) > room {
		b.dropped = true
		if room <= 0 {
			return n, nil
		}
		p = p[:room]
	}
	b.Buffer.Write(p)
	return n, nil
}
