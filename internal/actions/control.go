package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/cmdengine/internal/logging"
	"github.com/rendis/cmdengine/pkg/schema"
)

// ControlActions returns the actions that shape a run without touching the
// outside world: noop, sleep, log and fail.
func ControlActions(logger *slog.Logger) []Action {
	return []Action{
		&noopAction{},
		&sleepAction{},
		&logAction{logger: logger},
		&failAction{},
	}
}

// --- noop ---

type noopAction struct{}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Do nothing and complete",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(context.Context, ActionInput) (*ActionOutput, error) {
	return &ActionOutput{}, nil
}

// --- sleep ---

type sleepAction struct{}

func (a *sleepAction) Name() string { return "sleep" }

func (a *sleepAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Wait for a duration; an abort interrupts the wait",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": {"type": ["string", "integer"], "description": "Go duration or milliseconds"}
  },
  "required": ["duration"]
}`),
	}
}

func (a *sleepAction) Validate(params map[string]any) error {
	if _, ok := params["duration"]; !ok {
		return schema.NewOpError(schema.ErrCodeValidation, "sleep: missing required param 'duration'")
	}
	if _, ok := paramSet(params).duration("duration", 0); !ok {
		return schema.NewOpErrorf(schema.ErrCodeValidation, "sleep: invalid duration %v", params["duration"])
	}
	return nil
}

func (a *sleepAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	d, _ := paramSet(input.Params).duration("duration", 0)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &ActionOutput{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a message to the process log",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
  },
  "required": ["message"]
}`),
	}
}

func (a *logAction) Validate(params map[string]any) error {
	if paramSet(params).str("message") == "" {
		return schema.NewOpError(schema.ErrCodeValidation, "log: missing required param 'message'")
	}
	return nil
}

func (a *logAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	msg := paramSet(input.Params).str("message")
	level := logging.ParseLevel(paramSet(input.Params).strOr("level", "info"))

	attrs := []any{slog.Int("invocation", input.Invocation)}
	if input.Command != "" {
		ctx = logging.WithCommand(ctx, input.Command)
	}
	a.logger.Log(ctx, level, msg, attrs...)
	return &ActionOutput{}, nil
}

// --- fail ---

// failAction fails with a classified error of the requested tier. With
// "times" set it fails only the first N runs of its leaf and then succeeds,
// which makes it useful to exercise Retry and Recoverable trees.
type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fail with a classified error",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "code": {"type": "integer"},
    "message": {"type": "string"},
    "tier": {"type": "string", "enum": ["base", "recoverable", "retryable"]},
    "times": {"type": "integer", "minimum": 0}
  }
}`),
	}
}

func (a *failAction) Validate(params map[string]any) error {
	if _, err := schema.ParseTier(strings.ToLower(paramSet(params).str("tier"))); err != nil {
		return err
	}
	if paramSet(params).integer("times", 0) < 0 {
		return schema.NewOpError(schema.ErrCodeValidation, "fail: 'times' must not be negative")
	}
	return nil
}

func (a *failAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	times := paramSet(input.Params).integer("times", 0)
	if times > 0 && input.Invocation > times {
		return &ActionOutput{}, nil
	}

	tier, _ := schema.ParseTier(strings.ToLower(paramSet(input.Params).str("tier")))
	code := paramSet(input.Params).integer("code", 1)
	msg := paramSet(input.Params).strOr("message", "requested failure")
	return nil, schema.NewTieredError(tier, code, msg)
}
