// Package store persists execution history and schedule records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Execution is one recorded script run
type Execution struct {
	ID          int64      `db:"id" json:"id"`
	ScriptPath  string     `db:"script_path" json:"script_path"`
	ScriptName  string     `db:"script_name" json:"script_name"`
	Category    string     `db:"category" json:"category"`
	Parameters  string     `db:"parameters" json:"-"` // JSON object text
	Status      Status     `db:"status" json:"status"`
	Output      string     `db:"output" json:"output,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
	ExitCode    int        `db:"exit_code" json:"exit_code"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Duration    float64    `db:"duration" json:"duration"` // seconds
}

// ParamsMap decodes the stored parameters JSON, empty map when absent
func (e Execution) ParamsMap() map[string]any {
	res := map[string]any{}
	if e.Parameters == "" {
		return res
	}
	if err := json.Unmarshal([]byte(e.Parameters), &res); err != nil {
		return map[string]any{}
	}
	return res
}

// Schedule is a persisted schedule record, the source of truth the crontab is
// reconciled against
type Schedule struct {
	ID             int64      `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	ScriptPath     string     `db:"script_path" json:"script_path"`
	CronExpression string     `db:"cron_expression" json:"cron_expression"`
	Parameters     string     `db:"parameters" json:"-"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	Description    string     `db:"description" json:"description,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	LastRun        *time.Time `db:"last_run" json:"last_run,omitempty"`
	NextRun        *time.Time `db:"next_run" json:"next_run,omitempty"`
	RunCount       int64      `db:"run_count" json:"run_count"`
	LastStatus     string     `db:"last_status" json:"last_status,omitempty"`
}

// ParamsMap decodes the stored parameters JSON, empty map when absent
func (s Schedule) ParamsMap() map[string]any {
	res := map[string]any{}
	if s.Parameters == "" {
		return res
	}
	if err := json.Unmarshal([]byte(s.Parameters), &res); err != nil {
		return map[string]any{}
	}
	return res
}

// Stats aggregates execution history
type Stats struct {
	Total       int64            `json:"total_executions"`
	Last24h     int64            `json:"executions_24h"`
	SuccessRate float64          `json:"success_rate"` // 0..100 over completed runs
	ByStatus    map[string]int64 `json:"by_status"`
}

// SQLiteStore implements persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database, enables WAL mode and creates the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &SQLiteStore{db: db}
	if err := res.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			script_path TEXT NOT NULL,
			script_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			script_path TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_run TIMESTAMP,
			next_run TIMESTAMP,
			run_count INTEGER NOT NULL DEFAULT 0,
			last_status TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_script_path ON executions(script_path)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// RecordExecution inserts an execution row and returns its id
func (s *SQLiteStore) RecordExecution(ctx context.Context, exec Execution) (int64, error) {
	if exec.Parameters == "" {
		exec.Parameters = "{}"
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions
		(script_path, script_name, category, parameters, status, output, error, exit_code, started_at, completed_at, duration)
		VALUES (:script_path, :script_name, :category, :parameters, :status, :output, :error, :exit_code, :started_at, :completed_at, :duration)`,
		exec)
	if err != nil {
		return 0, fmt.Errorf("failed to record execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get execution id: %w", err)
	}
	return id, nil
}

// GetExecutions returns executions ordered newest first, optionally filtered
// by status. Pass nil status for no filter.
func (s *SQLiteStore) GetExecutions(ctx context.Context, limit, offset int, status *Status) ([]Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	res := []Execution{}
	var err error
	if status != nil {
		err = s.db.SelectContext(ctx, &res, `
			SELECT * FROM executions WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
			status.String(), limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &res, `
			SELECT * FROM executions ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return res, nil
}

// GetExecution returns one execution by id, ErrNotFound when missing
func (s *SQLiteStore) GetExecution(ctx context.Context, id int64) (Execution, error) {
	var res Execution
	err := s.db.GetContext(ctx, &res, `SELECT * FROM executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to query execution %d: %w", id, err)
	}
	return res, nil
}

// GetScriptExecutions returns the most recent executions of one script
func (s *SQLiteStore) GetScriptExecutions(ctx context.Context, scriptPath string, limit int) ([]Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	res := []Execution{}
	err := s.db.SelectContext(ctx, &res, `
		SELECT * FROM executions WHERE script_path = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		scriptPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions for %s: %w", scriptPath, err)
	}
	return res, nil
}

// CountExecutions returns the total number of recorded executions
func (s *SQLiteStore) CountExecutions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM executions`); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

// GetStats aggregates execution totals, the last-24h count, by-status counts
// and the success rate over completed runs
func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	res := Stats{ByStatus: map[string]int64{}}

	if err := s.db.GetContext(ctx, &res.Total, `SELECT COUNT(*) FROM executions`); err != nil {
		return Stats{}, fmt.Errorf("failed to count executions: %w", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	if err := s.db.GetContext(ctx, &res.Last24h, `SELECT COUNT(*) FROM executions WHERE started_at >= ?`, cutoff); err != nil {
		return Stats{}, fmt.Errorf("failed to count recent executions: %w", err)
	}

	rows := []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM executions GROUP BY status`); err != nil {
		return Stats{}, fmt.Errorf("failed to count executions by status: %w", err)
	}

	var completed, succeeded int64
	for _, r := range rows {
		res.ByStatus[r.Status] = r.Count
		if r.Status != StatusRunning.String() {
			completed += r.Count
		}
		if r.Status == StatusSuccess.String() {
			succeeded = r.Count
		}
	}
	if completed > 0 {
		res.SuccessRate = float64(succeeded) / float64(completed) * 100
	}
	return res, nil
}

// CreateSchedule inserts a schedule record and returns it with the assigned id
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched Schedule) (Schedule, error) {
	if sched.Parameters == "" {
		sched.Parameters = "{}"
	}
	now := time.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO schedules
		(name, script_path, cron_expression, parameters, enabled, description, created_at, updated_at, next_run, run_count, last_status)
		VALUES (:name, :script_path, :cron_expression, :parameters, :enabled, :description, :created_at, :updated_at, :next_run, 0, '')`,
		sched)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to get schedule id: %w", err)
	}
	sched.ID = id
	return sched, nil
}

// GetSchedule returns one schedule by id, ErrNotFound when missing
func (s *SQLiteStore) GetSchedule(ctx context.Context, id int64) (Schedule, error) {
	var res Schedule
	err := s.db.GetContext(ctx, &res, `SELECT * FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to query schedule %d: %w", id, err)
	}
	return res, nil
}

// ListSchedules returns all schedule records ordered by id
func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	res := []Schedule{}
	if err := s.db.SelectContext(ctx, &res, `SELECT * FROM schedules ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	return res, nil
}

// UpdateSchedule replaces the mutable fields of a schedule record
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sched Schedule) error {
	if sched.Parameters == "" {
		sched.Parameters = "{}"
	}
	sched.UpdatedAt = time.Now()

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE schedules SET name = :name, script_path = :script_path, cron_expression = :cron_expression,
			parameters = :parameters, enabled = :enabled, description = :description,
			updated_at = :updated_at, next_run = :next_run
		WHERE id = :id`, sched)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", sched.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule record, ErrNotFound when missing
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkScheduleRun records the outcome of a scheduled run on the schedule row
func (s *SQLiteStore) MarkScheduleRun(ctx context.Context, id int64, ranAt time.Time, status Status, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run = ?, last_status = ?, next_run = ?, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`, ranAt, status.String(), nextRun, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule %d run: %w", id, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
