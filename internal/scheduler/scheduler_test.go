package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/schema"
)

// fakeRunner records the trees it was asked to run.
type fakeRunner struct {
	mu      sync.Mutex
	trees   []string
	calls   []string
	trigger []string
	block   chan struct{}
	err     error
}

func (f *fakeRunner) Trees() []string { return f.trees }

func (f *fakeRunner) Run(ctx context.Context, name string, opts engine.RunOptions) (*engine.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.trigger = append(f.trigger, opts.Trigger)
	block, err := f.block, f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	state := schema.StateCompleted
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			state = schema.StateAborted
		}
	}
	return &engine.RunResult{RunID: "run-" + name, Tree: name, State: state}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T, runner *fakeRunner) (*Scheduler, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewScheduler(s, runner, time.Hour, nil), s
}

func requireOpCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var opErr *schema.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, code, opErr.Code)
}

func TestNextRun(t *testing.T) {
	sched := NewScheduler(nil, &fakeRunner{}, 0, nil)
	assert.Equal(t, DefaultTick, sched.tick)

	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)},
		{"0 2 * * *", time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := sched.NextRun(tc.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := sched.NextRun("every tuesday", from)
	requireOpCode(t, err, schema.ErrCodeValidation)
}

func TestAdd_ValidatesTreeAndCron(t *testing.T) {
	runner := &fakeRunner{trees: []string{"nightly"}}
	sched, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	_, err := sched.Add(ctx, "unknown", "* * * * *")
	requireOpCode(t, err, schema.ErrCodeNotFound)
	_, err = sched.Add(ctx, "nightly", "61 * * * *")
	requireOpCode(t, err, schema.ErrCodeValidation)

	job, err := sched.Add(ctx, "nightly", "0 2 * * *")
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	jobs, err := sched.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	require.NoError(t, sched.Remove(ctx, job.ID))
	jobs, err = sched.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	requireOpCode(t, sched.Remove(ctx, job.ID), schema.ErrCodeNotFound)
}

func TestTick_RunsDueJobs(t *testing.T) {
	runner := &fakeRunner{trees: []string{"a", "b"}}
	sched, s := newTestScheduler(t, runner)
	ctx := context.Background()

	due, err := sched.Add(ctx, "a", "* * * * *")
	require.NoError(t, err)
	_, err = sched.Add(ctx, "b", "0 0 1 1 *")
	require.NoError(t, err)

	// Pretend a minute has passed: only the every-minute job is due.
	sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	sched.Tick(ctx)
	sched.jobs.Wait()

	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, []string{"a"}, runner.calls)
	assert.Equal(t, []string{store.TriggerScheduler}, runner.trigger)

	got, err := s.GetScheduledJob(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-a", got.LastRunID)
	assert.Equal(t, schema.StateCompleted, got.LastRunState)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(*got.LastRunAt))
}

func TestTick_SkipsDisabledAndInflight(t *testing.T) {
	runner := &fakeRunner{trees: []string{"a", "b"}, block: make(chan struct{})}
	sched, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	job, err := sched.Add(ctx, "a", "* * * * *")
	require.NoError(t, err)
	off, err := sched.Add(ctx, "b", "* * * * *")
	require.NoError(t, err)
	require.NoError(t, sched.SetEnabled(ctx, off.ID, false))

	later := time.Now().UTC().Add(2 * time.Minute)
	sched.now = func() time.Time { return later }
	sched.Tick(ctx)
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// Still running: a second tick far in the future does not start it again.
	sched.now = func() time.Time { return later.Add(time.Hour) }
	sched.Tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	close(runner.block)
	sched.jobs.Wait()
	assert.True(t, sched.tryAcquire(job.ID), "released after the run")
}

func TestSetEnabled_RecomputesNextRun(t *testing.T) {
	runner := &fakeRunner{trees: []string{"a"}}
	sched, s := newTestScheduler(t, runner)
	ctx := context.Background()

	job, err := sched.Add(ctx, "a", "@daily")
	require.NoError(t, err)
	require.NoError(t, sched.SetEnabled(ctx, job.ID, false))

	future := time.Now().UTC().Add(72 * time.Hour)
	sched.now = func() time.Time { return future }
	require.NoError(t, sched.SetEnabled(ctx, job.ID, true))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(future))

	requireOpCode(t, sched.SetEnabled(ctx, "ghost", true), schema.ErrCodeNotFound)
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{trees: []string{"a"}, block: make(chan struct{})}
	sched, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	_, err := sched.Add(ctx, "a", "* * * * *")
	require.NoError(t, err)
	sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	require.NoError(t, sched.Start(ctx))
	requireOpCode(t, sched.Start(ctx), schema.ErrCodeConflict)

	// The initial tick launches the due job; Stop cancels it and waits.
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())

	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
}
