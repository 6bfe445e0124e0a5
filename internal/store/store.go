package store

import "context"

// RunStore records one row per tree execution.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, result RunResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// TransitionStore is the append-only state-change log of a run. Sequences
// grow per run, starting at 1.
type TransitionStore interface {
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, runID string, since int64) ([]*Transition, error)
}

// JobStore holds the scheduler's cron jobs.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store is the full persistence surface. Implementations are safe for
// concurrent use.
type Store interface {
	RunStore
	TransitionStore
	JobStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
