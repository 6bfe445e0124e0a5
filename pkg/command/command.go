// Package command is a composable command-execution engine. Commands form a
// tree of leaves, composites and decorators that run, report progress and
// respond to pause, resume and abort as a unit.
//
// Run returns nil for classified failures and aborts; inspect State and Err
// afterwards. A non-nil error from Run is an unclassified fault: something
// other than a *schema.CommandError escaped a work function or predicate.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Command is any node of an executable tree.
type Command interface {
	Name() string
	Kind() string
	State() schema.State
	Err() *schema.CommandError
	RunID() string

	// Children returns the first-level children; Descendants the whole
	// subtree in depth-first pre-order.
	Children() []Command
	Descendants() []Command

	StartedAt() time.Time
	StoppedAt() time.Time
	Elapsed() time.Duration
	FractionCompleted() float64
	PercentCompleted() int

	Run(ctx context.Context) error
	Pause()
	Resume()
	Abort()

	ResetFinished()
	WaitUntilFinished(timeout time.Duration) bool
	WaitUntilStarted(timeout time.Duration) bool

	SubscribeState(fn func(schema.StateChange)) (cancel func())
	SubscribeProgress(fn func(schema.ProgressUpdate)) (cancel func())
}

// Predicate decides a Conditional branch or whether a While loop continues.
// A returned error is handled like a work-function error.
type Predicate func(ctx context.Context) (bool, error)

// Condition adapts a plain boolean function to a Predicate.
func Condition(fn func() bool) Predicate {
	return func(context.Context) (bool, error) { return fn(), nil }
}

// Kind names reported by Command.Kind.
const (
	KindLeaf        = "leaf"
	KindSequential  = "sequential"
	KindParallel    = "parallel"
	KindConditional = "conditional"
	KindCyclic      = "cyclic"
	KindForEach     = "foreach"
	KindWhile       = "while"
	KindAbortable   = "abortable"
	KindRetry       = "retry"
	KindRecoverable = "recoverable"
	KindTryFinally  = "try_finally"
)

var (
	// ErrMutationWhileExecuting is returned by Add while the composite runs.
	ErrMutationWhileExecuting = errors.New("command: cannot change children while executing")
	// ErrNilCommand is returned by Add for a nil child.
	ErrNilCommand = errors.New("command: nil child")
	// ErrNilCommandError is the unclassified fault reported when a work
	// function returns a nil *schema.CommandError as a non-nil error.
	ErrNilCommandError = errors.New("nil *schema.CommandError returned as error")
)

// PanicError is the unclassified fault produced when a work function or
// predicate panics.
type PanicError struct {
	Command string
	Value   any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("command %s panicked: %v", e.Command, e.Value)
}

type ctxKey int

const (
	cycleKey ctxKey = iota
	elementKey
)

// CycleFrom returns the 1-based cycle of the innermost Cyclic, ForEach or
// While command running the caller.
func CycleFrom(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(cycleKey).(int)
	return n, ok
}

// ElementFrom returns the collection element of the innermost ForEach
// running the caller.
func ElementFrom[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(elementKey).(T)
	return v, ok
}

func mustCommand(c Command, role, owner string) {
	if c == nil {
		panic(fmt.Sprintf("command: %s is nil in %s", role, owner))
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
