package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/cmdengine/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, storeErr("open libsql", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

// CreateRun inserts run. An empty ID is replaced with a new UUID and a zero
// StartedAt with the current time.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Trigger == "" {
		run.Trigger = TriggerManual
	}
	run.StartedAt = timeOrNow(run.StartedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tree, trigger, state, percent, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Tree, run.Trigger, run.State.String(), run.Percent, run.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewOpErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
		}
		return storeErr("insert run", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *LibSQLStore) FinishRun(ctx context.Context, id string, result RunResult) error {
	vars, err := marshalMap(result.Variables)
	if err != nil {
		return fmt.Errorf("marshal run variables: %w", err)
	}
	code, text, tier := errorColumns(result.Error)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, percent = ?, error_code = ?, error_text = ?, error_tier = ?,
		 fault = ?, variables = ?, finished_at = ? WHERE id = ?`,
		result.State.String(), result.Percent, code, text, tier,
		nullStr(result.Fault), vars, timeOrNow(result.FinishedAt), id,
	)
	if err != nil {
		return storeErr("finish run", err)
	}
	return checkRowsAffected(res, "run", id)
}

const runColumns = `id, tree, trigger, state, percent, error_code, error_text, error_tier,
	fault, variables, started_at, finished_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any

	if filter.Tree != "" {
		where = append(where, "tree = ?")
		args = append(args, filter.Tree)
	}
	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, filter.State.String())
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its transitions.
func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete run", err)
	}
	return checkRowsAffected(res, "run", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var state string
	var code sql.NullInt64
	var text, tier, fault, vars sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Tree, &r.Trigger, &state, &r.Percent, &code, &text, &tier,
		&fault, &vars, &r.StartedAt, &finished); err != nil {
		return nil, err
	}

	st, err := schema.ParseState(state)
	if err != nil {
		return nil, err
	}
	r.State = st
	r.Error = commandError(code, text, tier)
	r.Fault = fault.String
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &r.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal run variables: %w", err)
		}
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// --- Transitions ---

// AppendTransition appends tr with a monotonically increasing per-run
// sequence.
func (s *LibSQLStore) AppendTransition(ctx context.Context, tr *Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transition tx", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transitions WHERE run_id = ?`, tr.RunID,
	).Scan(&seq); err != nil {
		return storeErr("next transition sequence", err)
	}
	tr.Sequence = seq
	tr.Timestamp = timeOrNow(tr.Timestamp)

	code, text, _ := errorColumns(tr.Error)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (run_id, sequence, command, kind, from_state, to_state, error_code, error_text, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID, seq, tr.Command, tr.Kind, tr.From.String(), tr.To.String(), code, text, tr.Timestamp,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return storeNotFound("run", tr.RunID)
		}
		return storeErr("insert transition", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		tr.ID = id
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit transition", err)
	}
	return nil
}

// ListTransitions returns the transitions of a run with sequence > since,
// in sequence order.
func (s *LibSQLStore) ListTransitions(ctx context.Context, runID string, since int64) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, command, kind, from_state, to_state, error_code, error_text, timestamp
		 FROM transitions WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeErr("list transitions", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		var from, to string
		var code sql.NullInt64
		var text sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.Sequence, &t.Command, &t.Kind, &from, &to, &code, &text, &t.Timestamp); err != nil {
			return nil, storeErr("scan transition", err)
		}
		if t.From, err = schema.ParseState(from); err != nil {
			return nil, err
		}
		if t.To, err = schema.ParseState(to); err != nil {
			return nil, err
		}
		t.Error = commandError(code, text, sql.NullString{})
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, tree, cron_expression, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Tree, job.CronExpression, job.Enabled, nullTime(job.NextRunAt), job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewOpErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID).WithCause(err)
		}
		return storeErr("insert scheduled job", err)
	}
	return nil
}

const jobColumns = `id, tree, cron_expression, enabled, last_run_at, next_run_at, last_run_id, last_run_state, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled job", err)
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if update.LastRunState != nil {
		sets = append(sets, "last_run_state = ?")
		args = append(args, update.LastRunState.String())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.Tree != "" {
		where = append(where, "tree = ?")
		args = append(args, filter.Tree)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan scheduled job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row scanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var lastRun, nextRun sql.NullTime
	var lastID, lastState sql.NullString
	if err := row.Scan(&j.ID, &j.Tree, &j.CronExpression, &j.Enabled, &lastRun, &nextRun,
		&lastID, &lastState, &j.CreatedAt); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	j.LastRunID = lastID.String
	if lastState.Valid {
		st, err := schema.ParseState(lastState.String)
		if err != nil {
			return nil, err
		}
		j.LastRunState = st
	}
	return j, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OpError {
	return schema.NewOpErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.OpError {
	return schema.NewOpErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func errorColumns(e *schema.CommandError) (code, text, tier any) {
	if e == nil {
		return nil, nil, nil
	}
	return e.Code, e.Text, e.Tier.String()
}

func commandError(code sql.NullInt64, text, tier sql.NullString) *schema.CommandError {
	if !code.Valid {
		return nil
	}
	t, _ := schema.ParseTier(tier.String)
	return &schema.CommandError{Code: int(code.Int64), Text: text.String, Tier: t}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
