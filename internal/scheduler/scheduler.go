package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/schema"
)

// DefaultTick is how often the loop looks for due jobs.
const DefaultTick = 30 * time.Second

// TreeRunner is the part of the executor the scheduler uses.
type TreeRunner interface {
	Run(ctx context.Context, name string, opts engine.RunOptions) (*engine.RunResult, error)
	Trees() []string
}

// Scheduler polls the store for due scheduled jobs and runs their trees.
type Scheduler struct {
	store  store.JobStore
	runner TreeRunner
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	jobs   sync.WaitGroup

	// running holds the IDs of jobs with a run in progress.
	running sync.Map
}

// NewScheduler creates a Scheduler. A non-positive tick selects DefaultTick.
func NewScheduler(s store.JobStore, runner TreeRunner, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  s,
		runner: runner,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logger,
		tick:   tick,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Add schedules tree on cronExpr. The job is enabled and its first run is
// the next cron time after now.
func (s *Scheduler) Add(ctx context.Context, tree, cronExpr string) (*store.ScheduledJob, error) {
	if !slices.Contains(s.runner.Trees(), tree) {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "tree %q is not registered", tree)
	}
	next, err := s.NextRun(cronExpr, s.now())
	if err != nil {
		return nil, err
	}

	job := &store.ScheduledJob{
		Tree:           tree,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled job added",
		slog.String("job_id", job.ID),
		slog.String("tree", tree),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next),
	)
	return job, nil
}

// Remove deletes a job. A run already in progress is not affected.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// SetEnabled turns a job on or off. Enabling recomputes the next run.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.NextRun(job.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledJob(ctx, id, update)
}

// List returns every job.
func (s *Scheduler) List(ctx context.Context) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewOpError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick launches every enabled job that is due, each on its own goroutine.
// A job whose previous run is still going is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, job := range jobs {
		if due(job, now) {
			s.dispatch(ctx, job, now)
		}
	}
}

func due(job *store.ScheduledJob, now time.Time) bool {
	return job.NextRunAt == nil || !job.NextRunAt.After(now)
}

func (s *Scheduler) dispatch(ctx context.Context, job *store.ScheduledJob, now time.Time) {
	if !s.tryAcquire(job.ID) {
		return
	}
	if err := s.advance(ctx, job, now); err != nil {
		s.logger.Error("failed to advance scheduled job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		s.release(job.ID)
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.release(job.ID)
		s.runJob(ctx, job)
	}()
}

// advance moves the next run past now before the job starts, so a long
// run does not fire again on the following tick.
func (s *Scheduler) advance(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	next, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	})
}

// runJob executes a scheduled job and records its outcome.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("tree", job.Tree),
	)

	res, err := s.runner.Run(ctx, job.Tree, engine.RunOptions{Trigger: store.TriggerScheduler})
	if err != nil {
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	update := store.ScheduledJobUpdate{LastRunID: res.RunID, LastRunState: &res.State}
	if err := s.store.UpdateScheduledJob(context.WithoutCancel(ctx), job.ID, update); err != nil {
		s.logger.Error("failed to record scheduled run",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	_, busy := s.running.LoadOrStore(jobID, struct{}{})
	return !busy
}

func (s *Scheduler) release(jobID string) { s.running.Delete(jobID) }

// NextRun returns the first activation of cronExpr after from.
// Standard five-field specs and descriptors such as @hourly are accepted.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewOpErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).
			WithCause(fmt.Errorf("parse cron: %w", err))
	}
	return schedule.Next(from), nil
}

// Stop ends the loop, aborts the runs it launched and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.jobs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
