package schedules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store is the persistence surface the manager and ticker need. The sqlx
// implementation below is the production one; tests substitute memory-backed
// fakes.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	List(ctx context.Context, statusFilter string) ([]*Entry, error)
	Update(ctx context.Context, in *UpdateInput, nextRun *time.Time) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun time.Time) error
	Due(ctx context.Context, now time.Time) ([]*Entry, error)
	RecordRun(ctx context.Context, rec RunRecord) error
	LatestRun(ctx context.Context) (*RunRecord, error)
	CountActive(ctx context.Context) (int, error)
}

// ErrNoRuns is returned when no schedule run has been recorded yet.
var ErrNoRuns = errors.New("no schedule runs recorded")

// DBStore implements Store over sqlx.
type DBStore struct {
	db *sqlx.DB
}

// NewDBStore wraps an open database handle.
func NewDBStore(db *sqlx.DB) *DBStore {
	return &DBStore{db: db}
}

// EnsureSchema creates the schedule tables if missing.
func (d *DBStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS schedule_entries (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			cron_expression TEXT NOT NULL,
			timezone        TEXT NOT NULL DEFAULT 'UTC',
			query_template  TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			last_run_at     TIMESTAMP,
			next_run_at     TIMESTAMP,
			total_runs      INTEGER NOT NULL DEFAULT 0,
			successful_runs INTEGER NOT NULL DEFAULT 0,
			failed_runs     INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT ''
		)`, `
		CREATE TABLE IF NOT EXISTS schedule_runs (
			run_id        TEXT PRIMARY KEY,
			schedule_id   TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			status        TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			started_at    TIMESTAMP NOT NULL,
			completed_at  TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schedule schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new entry.
func (d *DBStore) Create(ctx context.Context, e *Entry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO schedule_entries (
			id, name, description, cron_expression, timezone, query_template,
			status, created_at, updated_at, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID.String(), e.Name, e.Description, e.CronExpression, e.Timezone,
		e.QueryTemplate, e.Status, e.CreatedAt, e.UpdatedAt, e.NextRunAt)
	if err != nil {
		return fmt.Errorf("insert schedule entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by id, excluding deleted ones.
func (d *DBStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var e Entry
	err := d.db.GetContext(ctx, &e, `
		SELECT id, name, description, cron_expression, timezone, query_template,
		       status, created_at, updated_at, last_run_at, next_run_at,
		       total_runs, successful_runs, failed_runs, last_error
		FROM schedule_entries
		WHERE id = $1 AND status != 'DELETED'
	`, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("load schedule entry: %w", err)
	}
	return &e, nil
}

// List returns entries, optionally filtered by status.
func (d *DBStore) List(ctx context.Context, statusFilter string) ([]*Entry, error) {
	query := `
		SELECT id, name, description, cron_expression, timezone, query_template,
		       status, created_at, updated_at, last_run_at, next_run_at,
		       total_runs, successful_runs, failed_runs, last_error
		FROM schedule_entries
		WHERE status != 'DELETED'`
	args := []interface{}{}
	if statusFilter == StatusActive || statusFilter == StatusPaused {
		query += ` AND status = $1`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at DESC`

	var entries []*Entry
	if err := d.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list schedule entries: %w", err)
	}
	return entries, nil
}

// Update applies non-nil fields and, when the cron changed, the recomputed
// next run.
func (d *DBStore) Update(ctx context.Context, in *UpdateInput, nextRun *time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE schedule_entries
		SET name = COALESCE($2, name),
		    description = COALESCE($3, description),
		    cron_expression = COALESCE($4, cron_expression),
		    timezone = COALESCE($5, timezone),
		    query_template = COALESCE($6, query_template),
		    next_run_at = COALESCE($7, next_run_at),
		    updated_at = $8
		WHERE id = $1
	`, in.ID.String(), in.Name, in.Description, in.CronExpression, in.Timezone,
		in.QueryTemplate, nextRun, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update schedule entry: %w", err)
	}
	return nil
}

// UpdateStatus changes an entry's status.
func (d *DBStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE schedule_entries SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

// UpdateNextRun sets the next evaluation time.
func (d *DBStore) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE schedule_entries SET next_run_at = $1, updated_at = $2 WHERE id = $3
	`, nextRun, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("update schedule next run: %w", err)
	}
	return nil
}

// Due returns active entries whose next run is at or before now.
func (d *DBStore) Due(ctx context.Context, now time.Time) ([]*Entry, error) {
	var entries []*Entry
	err := d.db.SelectContext(ctx, &entries, `
		SELECT id, name, description, cron_expression, timezone, query_template,
		       status, created_at, updated_at, last_run_at, next_run_at,
		       total_runs, successful_runs, failed_runs, last_error
		FROM schedule_entries
		WHERE status = 'ACTIVE' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("load due schedule entries: %w", err)
	}
	return entries, nil
}

// RecordRun logs one execution and updates the entry's statistics.
func (d *DBStore) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (run_id, schedule_id, session_id, status, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.RunID, rec.ScheduleID.String(), rec.SessionID, rec.Status, rec.Error,
		rec.StartedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert schedule run: %w", err)
	}

	if rec.Status == RunCompleted {
		_, err = d.db.ExecContext(ctx, `
			UPDATE schedule_entries
			SET total_runs = total_runs + 1,
			    successful_runs = successful_runs + 1,
			    last_run_at = $1, last_error = '', updated_at = $1
			WHERE id = $2
		`, rec.StartedAt, rec.ScheduleID.String())
	} else {
		_, err = d.db.ExecContext(ctx, `
			UPDATE schedule_entries
			SET total_runs = total_runs + 1,
			    failed_runs = failed_runs + 1,
			    last_run_at = $1, last_error = $2, updated_at = $1
			WHERE id = $3
		`, rec.StartedAt, rec.Error, rec.ScheduleID.String())
	}
	if err != nil {
		return fmt.Errorf("update schedule stats: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run across all entries.
func (d *DBStore) LatestRun(ctx context.Context) (*RunRecord, error) {
	var rec RunRecord
	err := d.db.GetContext(ctx, &rec, `
		SELECT run_id, schedule_id, session_id, status, error_message, started_at, completed_at
		FROM schedule_runs
		ORDER BY started_at DESC
		LIMIT 1
	`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("load latest schedule run: %w", err)
	}
	return &rec, nil
}

// CountActive counts non-deleted entries.
func (d *DBStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := d.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM schedule_entries WHERE status IN ('ACTIVE', 'PAUSED')
	`)
	if err != nil {
		return 0, fmt.Errorf("count schedule entries: %w", err)
	}
	return count, nil
}
