package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cmdengine/pkg/schema"
)

// node is implemented by every command kind of this package: the shared
// lifecycle drives the kind's execute step and then lets it derive its final
// state from its children.
type node interface {
	Command
	execute(ctx context.Context) error
	checkErrors()
}

// lifecycle is the state machine shared by all command kinds. Kinds embed it
// and supply execute, checkErrors and Children.
type lifecycle struct {
	self node
	kind string
	name string

	// runMu serializes Run callers on the same instance.
	runMu sync.Mutex

	mu        sync.RWMutex
	state     schema.State
	err       *schema.CommandError
	runID     string
	startedAt time.Time
	stoppedAt time.Time
	fraction  float64
	leafCount int
	aborted   bool
	paused    bool
	cancel    context.CancelFunc

	started  *Gate
	finished *Gate
	resuming *Gate

	stateSubs    broadcaster[schema.StateChange]
	progressSubs broadcaster[schema.ProgressUpdate]
}

func newLifecycle(self node, kind, name string) *lifecycle {
	return &lifecycle{
		self:     self,
		kind:     kind,
		name:     name,
		started:  NewGate(true),
		finished: NewGate(true),
		resuming: NewGate(false),
	}
}

func (l *lifecycle) Name() string { return l.name }
func (l *lifecycle) Kind() string { return l.kind }

func (l *lifecycle) State() schema.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *lifecycle) Err() *schema.CommandError {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *lifecycle) RunID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runID
}

func (l *lifecycle) StartedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startedAt
}

func (l *lifecycle) StoppedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stoppedAt
}

// Elapsed is live while the command executes and frozen once it stops.
func (l *lifecycle) Elapsed() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch {
	case l.startedAt.IsZero():
		return 0
	case l.stoppedAt.IsZero():
		return time.Since(l.startedAt)
	default:
		return l.stoppedAt.Sub(l.startedAt)
	}
}

func (l *lifecycle) FractionCompleted() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fraction
}

func (l *lifecycle) PercentCompleted() int {
	return int(100 * l.FractionCompleted())
}

func (l *lifecycle) Descendants() []Command {
	var out []Command
	for _, c := range l.self.Children() {
		out = append(out, c)
		out = append(out, c.Descendants()...)
	}
	return out
}

func (l *lifecycle) SubscribeState(fn func(schema.StateChange)) func() {
	return l.stateSubs.subscribe(fn)
}

func (l *lifecycle) SubscribeProgress(fn func(schema.ProgressUpdate)) func() {
	return l.progressSubs.subscribe(fn)
}

// ResetFinished arms the finished signal. Call it before handing Run to
// another goroutine so that WaitUntilFinished cannot return early.
func (l *lifecycle) ResetFinished() { l.finished.Reset() }

// WaitUntilFinished blocks until the current run ends or the timeout
// elapses. A non-positive timeout waits forever.
func (l *lifecycle) WaitUntilFinished(timeout time.Duration) bool {
	return l.finished.WaitTimeout(timeout)
}

// WaitUntilStarted blocks until the command is executing or the timeout
// elapses.
func (l *lifecycle) WaitUntilStarted(timeout time.Duration) bool {
	return l.started.WaitTimeout(timeout)
}

// Run executes the command. Concurrent callers serialize. Cancelling ctx
// aborts the command.
func (l *lifecycle) Run(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	leaves := Leaves(l.self)
	runCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.runID = uuid.NewString()
	l.startedAt = time.Now()
	l.stoppedAt = time.Time{}
	l.err = nil
	l.aborted = false
	l.paused = false
	l.fraction = 0
	l.leafCount = len(leaves)
	l.cancel = cancel
	l.mu.Unlock()

	untrack := l.trackProgress(leaves)
	l.resuming.Reset()
	l.finished.Reset()
	// Parent aborts reach this command by propagation before the parent
	// cancels its context, so only a cancellation from outside aborts here.
	stopAbort := context.AfterFunc(ctx, func() {
		if !l.abortRequested() {
			l.self.Abort()
		}
	})

	defer func() {
		stopAbort()
		untrack()
		cancel()

		l.mu.Lock()
		l.stoppedAt = time.Now()
		l.cancel = nil
		l.mu.Unlock()

		l.finished.Set()
		l.started.Reset()
	}()

	l.setState(schema.StateExecuting)
	l.started.Set()

	if err := l.invoke(runCtx); err != nil {
		ce, ok := schema.AsCommandError(err)
		switch {
		case ok && ce == nil:
			err = fmt.Errorf("command %s: %w", l.name, ErrNilCommandError)
			fallthrough
		case !ok:
			l.setState(schema.StateFailed)
			logf(LevelError, "Command %s terminated by unclassified fault: %v", l.name, err)
			return err
		}
		logf(LevelError, "Command %s FAILED [%d] - %s", l.name, ce.Code, ce.Text)
		l.fail(ce)
	}

	l.self.checkErrors()
	l.signalCompletion()
	return nil
}

func (l *lifecycle) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Command: l.name, Value: r}
		}
	}()
	return l.self.execute(ctx)
}

// Pause takes effect at the next checkpoint; in-flight leaf work continues.
func (l *lifecycle) Pause() {
	for _, c := range l.self.Children() {
		c.Pause()
	}

	l.mu.Lock()
	if !l.aborted {
		l.paused = true
		l.resuming.Reset()
	}
	executing := l.state == schema.StateExecuting
	l.mu.Unlock()

	if executing {
		logf(LevelInfo, "Command %s is PAUSED", l.name)
	}
}

func (l *lifecycle) Resume() {
	for _, c := range l.self.Children() {
		c.Resume()
	}

	l.mu.Lock()
	if l.paused {
		l.paused = false
		l.resuming.Set()
	}
	executing := l.state == schema.StateExecuting
	l.mu.Unlock()

	if executing {
		logf(LevelInfo, "Command %s is RESUMED", l.name)
	}
}

// Abort is cooperative: it is observed at checkpoints and through the
// context handed to work functions. An outstanding pause is released.
func (l *lifecycle) Abort() {
	for _, c := range l.self.Children() {
		c.Abort()
	}

	l.mu.Lock()
	l.paused = false
	l.aborted = true
	cancel := l.cancel
	executing := l.state == schema.StateExecuting
	l.mu.Unlock()

	l.resuming.Set()
	if cancel != nil {
		cancel()
	}
	if executing {
		logf(LevelInfo, "Command %s is ABORTED", l.name)
	}
}

func (l *lifecycle) flagAborted() {
	l.mu.Lock()
	l.aborted = true
	l.mu.Unlock()
}

func (l *lifecycle) abortRequested() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.aborted
}

// checkpoint observes pending abort and pause signals between steps. Abort
// pre-empts pause but never overrides a Failed outcome.
func (l *lifecycle) checkpoint() {
	if l.observeAbort() {
		return
	}
	if l.State() == schema.StateFailed {
		return
	}

	l.mu.RLock()
	paused := l.paused
	l.mu.RUnlock()
	if paused {
		l.resuming.Wait()
	}
	l.observeAbort()
}

func (l *lifecycle) observeAbort() bool {
	l.mu.RLock()
	aborted, state := l.aborted, l.state
	l.mu.RUnlock()

	if !aborted || state == schema.StateFailed {
		return false
	}
	if state != schema.StateAborted {
		l.setState(schema.StateAborted)
	}
	return true
}

// settle maps a work-function error returned after the run context was
// cancelled to an Aborted outcome.
func (l *lifecycle) settle(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	l.flagAborted()
	l.setState(schema.StateAborted)
	return nil
}

func (l *lifecycle) setState(to schema.State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	change := schema.StateChange{
		RunID:     l.runID,
		Command:   l.name,
		Kind:      l.kind,
		From:      from,
		To:        to,
		Err:       l.err,
		Timestamp: time.Now(),
	}
	l.mu.Unlock()

	logf(LevelInfo, "Command %s : %s -> %s", l.name, from, to)
	l.stateSubs.publish(change)
}

func (l *lifecycle) fail(err *schema.CommandError) {
	l.record(err)
	l.setState(schema.StateFailed)
}

// record sets the error without changing state.
func (l *lifecycle) record(err *schema.CommandError) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// conclude applies a final verdict, emitting a transition only when the
// state actually changes. A Failed verdict carries its error.
func (l *lifecycle) conclude(to schema.State, err *schema.CommandError) {
	l.mu.Lock()
	if to == schema.StateFailed && err != nil {
		l.err = err
	}
	from := l.state
	l.mu.Unlock()

	if from != to {
		l.setState(to)
	}
}

// adopt applies the single-child decorator rule: a Failed child fails the
// command with its error; otherwise an Aborted child aborts it.
func (l *lifecycle) adopt(child Command) {
	switch child.State() {
	case schema.StateFailed:
		l.conclude(schema.StateFailed, child.Err())
	case schema.StateAborted:
		l.conclude(schema.StateAborted, nil)
	}
}

// aggregate applies the composite rule: Aborted children win, then the
// first Failed child in order, otherwise Completed.
func (l *lifecycle) aggregate(children []Command) {
	verdict := schema.StateCompleted
	err := l.Err()
	if s := l.State(); s == schema.StateAborted || s == schema.StateFailed {
		verdict = s
	}

	for _, c := range children {
		if c.State() == schema.StateAborted {
			verdict = schema.StateAborted
			break
		}
	}
	if verdict != schema.StateAborted {
		for _, c := range children {
			if c.State() == schema.StateFailed {
				verdict, err = schema.StateFailed, c.Err()
				break
			}
		}
	}
	l.conclude(verdict, err)
}

func (l *lifecycle) signalCompletion() {
	if l.State() != schema.StateExecuting {
		return
	}
	l.setState(schema.StateCompleted)

	l.mu.RLock()
	noLeaves := l.leafCount == 0
	l.mu.RUnlock()
	if noLeaves {
		l.reportProgress(1, "Complete")
	}
}

// isOver reports whether the command itself already has a Failed or Aborted
// outcome.
func (l *lifecycle) isOver() bool {
	s := l.State()
	return s == schema.StateFailed || s == schema.StateAborted
}

// trackProgress subscribes to the completion of every leaf for the current
// run. Each distinct leaf counts once.
func (l *lifecycle) trackProgress(leaves []Command) func() {
	if len(leaves) == 0 {
		return func() {}
	}

	var mu sync.Mutex
	done := make(map[Command]struct{}, len(leaves))
	cancels := make([]func(), 0, len(leaves))
	for _, leaf := range leaves {
		cancels = append(cancels, leaf.SubscribeState(func(c schema.StateChange) {
			if c.To != schema.StateCompleted {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, seen := done[leaf]; seen {
				return
			}
			done[leaf] = struct{}{}
			l.reportProgress(float64(len(done))/float64(len(leaves)), "")
		}))
	}

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (l *lifecycle) reportProgress(fraction float64, msg string) {
	l.mu.Lock()
	if fraction < l.fraction {
		fraction = l.fraction
	}
	l.fraction = fraction
	runID := l.runID
	l.mu.Unlock()

	percent := int(100 * fraction)
	if msg == "" {
		msg = fmt.Sprintf("%d percent complete", percent)
	}
	l.progressSubs.publish(schema.ProgressUpdate{
		RunID:    runID,
		Command:  l.name,
		Percent:  percent,
		Fraction: fraction,
		Message:  msg,
	})
}

// stateIf returns the child's state when it ran in the current run and Idle
// otherwise, so a branch skipped this run cannot leak a previous outcome.
func stateIf(ran bool, c Command) schema.State {
	if !ran {
		return schema.StateIdle
	}
	return c.State()
}
