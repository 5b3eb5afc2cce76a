// Package schedules manages cron-driven recurring analyses: entry CRUD with
// validation, persistence, and the in-process ticker that runs due entries.
package schedules

import (
	"time"

	"github.com/google/uuid"
)

// Schedule status constants.
const (
	StatusActive  = "ACTIVE"
	StatusPaused  = "PAUSED"
	StatusDeleted = "DELETED"
)

// Run outcome constants.
const (
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
)

// Entry is one recurring analysis definition. QueryTemplate is the message
// submitted on the entry's behalf each run.
type Entry struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description" db:"description"`
	CronExpression string     `json:"cron_expression" db:"cron_expression"`
	Timezone       string     `json:"timezone" db:"timezone"`
	QueryTemplate  string     `json:"query_template" db:"query_template"`
	Status         string     `json:"status" db:"status"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
	TotalRuns      int        `json:"total_runs" db:"total_runs"`
	SuccessfulRuns int        `json:"successful_runs" db:"successful_runs"`
	FailedRuns     int        `json:"failed_runs" db:"failed_runs"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
}

// CreateInput is the input for creating an entry.
type CreateInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
	QueryTemplate  string `json:"query_template"`
}

// UpdateInput updates an entry; nil fields keep their current value.
type UpdateInput struct {
	ID             uuid.UUID `json:"-"`
	Name           *string   `json:"name"`
	Description    *string   `json:"description"`
	CronExpression *string   `json:"cron_expression"`
	Timezone       *string   `json:"timezone"`
	QueryTemplate  *string   `json:"query_template"`
}

// RunRecord is one execution of an entry.
type RunRecord struct {
	RunID       string     `json:"run_id" db:"run_id"`
	ScheduleID  uuid.UUID  `json:"schedule_id" db:"schedule_id"`
	SessionID   string     `json:"session_id" db:"session_id"`
	Status      string     `json:"status" db:"status"`
	Error       string     `json:"error,omitempty" db:"error_message"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
