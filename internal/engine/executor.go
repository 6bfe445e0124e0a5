package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/internal/logging"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/internal/streaming"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Executor runs named command trees and controls the active runs.
type Executor interface {
	// Register adds a named tree factory to the catalogue.
	Register(name string, factory TreeFactory) error
	// Trees lists the catalogue names in order.
	Trees() []string

	// Run executes a tree and blocks until it stops. Cancelling ctx aborts it.
	Run(ctx context.Context, name string, opts RunOptions) (*RunResult, error)
	// Start launches a tree in the background and returns its run ID.
	Start(ctx context.Context, name string, opts RunOptions) (string, error)

	Pause(runID string) error
	Resume(runID string) error
	Abort(runID string) error
	Control(runID string, action schema.ControlAction) error

	// Status reports a run from memory while it is active or recently
	// finished, and from the store otherwise.
	Status(ctx context.Context, runID string) (*RunStatus, error)
	// Wait blocks until a known run stops, or ctx is done.
	Wait(ctx context.Context, runID string) (*RunResult, error)
	// Active lists the runs in progress.
	Active() []*RunStatus

	// Preview builds a fresh, unstarted tree from the catalogue.
	Preview(name string) (command.Command, error)
	// Inspect returns the live tree of an active or recently finished run.
	Inspect(runID string) (command.Command, error)

	// Shutdown aborts every active run and waits for them to stop.
	Shutdown(ctx context.Context) error
}

// TreeFactory builds a fresh tree for each run.
type TreeFactory func() (*blueprint.Tree, error)

// RunInfo identifies a run for observer factories.
type RunInfo struct {
	ID   string
	Tree string
	Root command.Command
}

// ObserverFactory attaches an observer to one run. done, when non-nil, is
// called after the run stops.
type ObserverFactory func(info RunInfo) (obs command.Observer, done func())

// RunOptions tune a single run.
type RunOptions struct {
	Trigger string
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID     string               `json:"run_id"`
	Tree      string               `json:"tree"`
	State     schema.State         `json:"state"`
	Percent   int                  `json:"percent"`
	Error     *schema.CommandError `json:"error,omitempty"`
	Fault     string               `json:"fault,omitempty"`
	Variables map[string]any       `json:"variables,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	Elapsed   time.Duration        `json:"elapsed"`
}

// CommandStatus is the state of one command of an active run.
type CommandStatus struct {
	Name    string               `json:"name"`
	Kind    string               `json:"kind"`
	Depth   int                  `json:"depth"`
	State   schema.State         `json:"state"`
	Percent int                  `json:"percent"`
	Error   *schema.CommandError `json:"error,omitempty"`
}

// RunStatus is a snapshot of a run.
type RunStatus struct {
	RunID     string               `json:"run_id"`
	Tree      string               `json:"tree"`
	Trigger   string               `json:"trigger"`
	Active    bool                 `json:"active"`
	State     schema.State         `json:"state"`
	Percent   int                  `json:"percent"`
	Error     *schema.CommandError `json:"error,omitempty"`
	Fault     string               `json:"fault,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	Elapsed   time.Duration        `json:"elapsed"`
	Commands  []CommandStatus      `json:"commands,omitempty"`
}

// ExecutorConfig holds the collaborators of the executor. Every field is
// optional.
type ExecutorConfig struct {
	Store     store.Store
	Hub       streaming.EventHub
	Observers []ObserverFactory
	Logger    *slog.Logger
}

type executorImpl struct {
	cfg    ExecutorConfig
	logger *slog.Logger

	base       context.Context
	cancelBase context.CancelFunc

	catalogMu sync.RWMutex
	catalog   map[string]TreeFactory

	// mu guards running, busy and recent.
	mu      sync.Mutex
	running map[string]*activeRun
	busy    map[string]string // tree name -> run ID
	recent  map[string]*activeRun
	order   []string
}

// recentRuns bounds how many finished runs stay queryable in memory.
const recentRuns = 256

// activeRun tracks a single in-flight tree execution.
type activeRun struct {
	id      string
	tree    string
	trigger string
	root    command.Command
	vars    *expressions.Variables
	started time.Time
	done    chan struct{}
	result  *RunResult
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &executorImpl{
		cfg:        cfg,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		catalog:    make(map[string]TreeFactory),
		running:    make(map[string]*activeRun),
		busy:       make(map[string]string),
		recent:     make(map[string]*activeRun),
	}
}

func (e *executorImpl) Register(name string, factory TreeFactory) error {
	if name == "" || factory == nil {
		return schema.NewOpError(schema.ErrCodeValidation, "tree name and factory are required")
	}
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	if _, dup := e.catalog[name]; dup {
		return schema.NewOpErrorf(schema.ErrCodeConflict, "tree %q is already registered", name)
	}
	e.catalog[name] = factory
	return nil
}

func (e *executorImpl) Trees() []string {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	names := make([]string, 0, len(e.catalog))
	for n := range e.catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *executorImpl) Run(ctx context.Context, name string, opts RunOptions) (*RunResult, error) {
	run, err := e.launch(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	<-run.done
	return run.result, nil
}

// Start detaches the run from ctx: only Abort, Shutdown or the tree itself
// end it.
func (e *executorImpl) Start(ctx context.Context, name string, opts RunOptions) (string, error) {
	run, err := e.launch(context.WithoutCancel(ctx), name, opts)
	if err != nil {
		return "", err
	}
	return run.id, nil
}

func (e *executorImpl) launch(ctx context.Context, name string, opts RunOptions) (*activeRun, error) {
	if err := e.base.Err(); err != nil {
		return nil, schema.NewOpError(schema.ErrCodeInvalidState, "executor is shut down")
	}

	e.catalogMu.RLock()
	factory, ok := e.catalog[name]
	e.catalogMu.RUnlock()
	if !ok {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "tree %q is not registered", name)
	}

	runID := uuid.NewString()
	e.mu.Lock()
	if prev, busy := e.busy[name]; busy {
		e.mu.Unlock()
		return nil, schema.NewOpErrorf(schema.ErrCodeConflict, "tree %q is already executing", name).
			WithDetails(map[string]any{"run_id": prev})
	}
	e.busy[name] = runID
	e.mu.Unlock()

	tree, err := factory()
	if err != nil {
		e.release(name, "")
		return nil, err
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = store.TriggerManual
	}
	run := &activeRun{
		id:      runID,
		tree:    name,
		trigger: trigger,
		root:    tree.Root,
		vars:    tree.Vars,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}

	if e.cfg.Store != nil {
		if err := e.cfg.Store.CreateRun(ctx, &store.Run{
			ID:        runID,
			Tree:      name,
			Trigger:   trigger,
			State:     schema.StateExecuting,
			StartedAt: run.started,
		}); err != nil {
			e.release(name, "")
			return nil, err
		}
	}

	e.mu.Lock()
	e.running[runID] = run
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(logging.WithRunID(ctx, runID))
	stopBase := context.AfterFunc(e.base, cancel)
	go func() {
		defer cancel()
		defer stopBase()
		e.execute(runCtx, run)
	}()
	return run, nil
}

func (e *executorImpl) execute(ctx context.Context, run *activeRun) {
	logger := logging.FromContext(ctx, e.logger)
	detach := e.attach(run)

	var bridge *streaming.Bridge
	if e.cfg.Hub != nil {
		bridge = streaming.NewBridge(e.cfg.Hub, run.id)
		bridge.Publish(schema.EventRunStarted, map[string]any{"tree": run.tree, "trigger": run.trigger})
	}
	logger.Info("run started", slog.String("tree", run.tree), slog.String("trigger", run.trigger))

	fault := run.root.Run(ctx)
	detach()

	result := &RunResult{
		RunID:     run.id,
		Tree:      run.tree,
		State:     run.root.State(),
		Percent:   run.root.PercentCompleted(),
		Error:     run.root.Err(),
		StartedAt: run.started,
		Elapsed:   run.root.Elapsed(),
	}
	if run.vars != nil {
		result.Variables = run.vars.Snapshot()
	}
	if fault != nil {
		result.Fault = fault.Error()
		logger.Error("run ended by unclassified fault", slog.String("error", result.Fault))
	}

	if e.cfg.Store != nil {
		if err := e.cfg.Store.FinishRun(context.WithoutCancel(ctx), run.id, store.RunResult{
			State:     result.State,
			Percent:   result.Percent,
			Error:     result.Error,
			Fault:     result.Fault,
			Variables: result.Variables,
		}); err != nil {
			logger.Error("failed to persist run result", slog.String("error", err.Error()))
		}
	}
	if bridge != nil {
		bridge.Publish(schema.EventRunFinished, result)
	}
	logger.Info("run finished",
		slog.String("tree", run.tree),
		slog.String("state", result.State.String()),
		slog.Duration("elapsed", result.Elapsed),
	)

	e.mu.Lock()
	run.result = result
	delete(e.running, run.id)
	e.remember(run)
	e.mu.Unlock()
	e.release(run.tree, run.id)
	close(run.done)
}

// attach wires the store recorder, the streaming bridge and the configured
// observers to the run's tree.
func (e *executorImpl) attach(run *activeRun) func() {
	var observers []command.Observer
	var finishers []func()

	if e.cfg.Store != nil {
		rec := store.NewRecorder(e.cfg.Store, run.id, e.logger)
		observers = append(observers, rec)
		finishers = append(finishers, rec.Close)
	}
	if e.cfg.Hub != nil {
		observers = append(observers, streaming.NewBridge(e.cfg.Hub, run.id))
	}
	for _, f := range e.cfg.Observers {
		obs, done := f(RunInfo{ID: run.id, Tree: run.tree, Root: run.root})
		if obs != nil {
			observers = append(observers, obs)
		}
		if done != nil {
			finishers = append(finishers, done)
		}
	}

	stop := command.Observe(run.root, Observers(observers))
	return func() {
		stop()
		for _, f := range finishers {
			f()
		}
	}
}

// remember keeps run for Wait and Status after it stops. Callers hold mu.
func (e *executorImpl) remember(run *activeRun) {
	e.recent[run.id] = run
	e.order = append(e.order, run.id)
	if len(e.order) > recentRuns {
		delete(e.recent, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *executorImpl) release(tree, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if runID == "" || e.busy[tree] == runID {
		delete(e.busy, tree)
	}
}

func (e *executorImpl) lookup(runID string) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.running[runID]
	if !ok {
		if _, finished := e.recent[runID]; finished {
			return nil, schema.NewOpErrorf(schema.ErrCodeInvalidState, "run %q is no longer active", runID)
		}
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "no active run %q", runID)
	}
	return run, nil
}

// find returns an active or recently finished run.
func (e *executorImpl) find(runID string) (*activeRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.running[runID]; ok {
		return run, true
	}
	run, ok := e.recent[runID]
	return run, ok
}

func (e *executorImpl) Pause(runID string) error  { return e.Control(runID, schema.ControlPause) }
func (e *executorImpl) Resume(runID string) error { return e.Control(runID, schema.ControlResume) }
func (e *executorImpl) Abort(runID string) error  { return e.Control(runID, schema.ControlAbort) }

func (e *executorImpl) Control(runID string, action schema.ControlAction) error {
	if !action.Valid() {
		return schema.NewOpErrorf(schema.ErrCodeValidation, "unknown control action %q", action)
	}
	run, err := e.lookup(runID)
	if err != nil {
		return err
	}

	switch action {
	case schema.ControlPause:
		run.root.Pause()
	case schema.ControlResume:
		run.root.Resume()
	case schema.ControlAbort:
		run.root.Abort()
	}

	if e.cfg.Hub != nil {
		_ = e.cfg.Hub.Publish(context.Background(), streaming.Event{
			RunID: runID,
			Type:  action.EventType(),
		})
	}
	e.logger.Info("control signal applied", slog.String("run_id", runID), slog.String("action", string(action)))
	return nil
}

func (e *executorImpl) Status(ctx context.Context, runID string) (*RunStatus, error) {
	if run, ok := e.find(runID); ok {
		return run.status(), nil
	}
	if e.cfg.Store == nil {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}

	rec, err := e.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatus{
		RunID:     rec.ID,
		Tree:      rec.Tree,
		Trigger:   rec.Trigger,
		State:     rec.State,
		Percent:   rec.Percent,
		Error:     rec.Error,
		Fault:     rec.Fault,
		StartedAt: rec.StartedAt,
		Elapsed:   rec.Duration(),
	}, nil
}

func (e *executorImpl) Preview(name string) (command.Command, error) {
	e.catalogMu.RLock()
	factory, ok := e.catalog[name]
	e.catalogMu.RUnlock()
	if !ok {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "tree %q is not registered", name)
	}
	tree, err := factory()
	if err != nil {
		return nil, err
	}
	return tree.Root, nil
}

func (e *executorImpl) Inspect(runID string) (command.Command, error) {
	run, ok := e.find(runID)
	if !ok {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "run %q not in memory", runID)
	}
	return run.root, nil
}

func (e *executorImpl) Wait(ctx context.Context, runID string) (*RunResult, error) {
	run, ok := e.find(runID)
	if !ok {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	select {
	case <-run.done:
		return run.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *executorImpl) Active() []*RunStatus {
	e.mu.Lock()
	runs := make([]*activeRun, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].started.Before(runs[j].started) })
	out := make([]*RunStatus, len(runs))
	for i, r := range runs {
		out[i] = r.status()
	}
	return out
}

func (e *executorImpl) Shutdown(ctx context.Context) error {
	e.cancelBase()

	e.mu.Lock()
	runs := make([]*activeRun, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.root.Abort()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *activeRun) status() *RunStatus {
	active := true
	select {
	case <-r.done:
		active = false
	default:
	}

	st := &RunStatus{
		RunID:     r.id,
		Tree:      r.tree,
		Trigger:   r.trigger,
		Active:    active,
		State:     r.root.State(),
		Percent:   r.root.PercentCompleted(),
		Error:     r.root.Err(),
		StartedAt: r.started,
		Elapsed:   r.root.Elapsed(),
	}
	if r.result != nil && !active {
		st.Fault = r.result.Fault
	}
	command.Walk(r.root, func(c command.Command, depth int) bool {
		st.Commands = append(st.Commands, CommandStatus{
			Name:    c.Name(),
			Kind:    c.Kind(),
			Depth:   depth,
			State:   c.State(),
			Percent: c.PercentCompleted(),
			Error:   c.Err(),
		})
		return true
	})
	return st
}
