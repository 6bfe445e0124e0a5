package store

import (
	"time"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Trigger values recorded on a run.
const (
	TriggerManual    = "manual"
	TriggerCLI       = "cli"
	TriggerMCP       = "mcp"
	TriggerPanel     = "panel"
	TriggerScheduler = "scheduler"
)

// Run is one execution of a named tree.
type Run struct {
	ID      string       `json:"id"`
	Tree    string       `json:"tree"`
	Trigger string       `json:"trigger"`
	State   schema.State `json:"state"`
	Percent int          `json:"percent"`

	// Error is the classified error of the root when it ended Failed.
	Error *schema.CommandError `json:"error,omitempty"`
	// Fault is the unclassified error returned by Run, if any.
	Fault string `json:"fault,omitempty"`
	// Variables is the final snapshot of the tree variables.
	Variables map[string]any `json:"variables,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration is the run time so far, or the total once finished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// RunResult is the outcome written by FinishRun.
type RunResult struct {
	State      schema.State
	Percent    int
	Error      *schema.CommandError
	Fault      string
	Variables  map[string]any
	FinishedAt time.Time
}

// RunFilter specifies criteria for listing runs. Runs are returned newest
// first.
type RunFilter struct {
	Tree  string        `json:"tree,omitempty"`
	State *schema.State `json:"state,omitempty"`
	Since *time.Time    `json:"since,omitempty"`
	Limit int           `json:"limit,omitempty"`
}

// Transition is a persisted state change of one command of a run.
type Transition struct {
	ID        int64                `json:"id"`
	RunID     string               `json:"run_id"`
	Sequence  int64                `json:"sequence"`
	Command   string               `json:"command"`
	Kind      string               `json:"kind"`
	From      schema.State         `json:"from"`
	To        schema.State         `json:"to"`
	Error     *schema.CommandError `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// ScheduledJob is a cron-triggered execution of a named tree.
type ScheduledJob struct {
	ID             string       `json:"id"`
	Tree           string       `json:"tree"`
	CronExpression string       `json:"cron_expression"`
	Enabled        bool         `json:"enabled"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
	LastRunID      string       `json:"last_run_id,omitempty"`
	LastRunState   schema.State `json:"last_run_state"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled      *bool         `json:"enabled,omitempty"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time    `json:"next_run_at,omitempty"`
	LastRunID    string        `json:"last_run_id,omitempty"`
	LastRunState *schema.State `json:"last_run_state,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Tree    string `json:"tree,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
