package schedules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/metrics"
)

var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrIntervalTooShort      = errors.New("cron interval too short")
	ErrScheduleLimitReached  = errors.New("schedule limit reached")
	ErrInvalidTimezone       = errors.New("invalid timezone")
	ErrScheduleNotFound      = errors.New("schedule not found")
)

// Config holds schedule limits.
type Config struct {
	MaxEntries          int `mapstructure:"max_entries"`
	MinCronIntervalMins int `mapstructure:"min_cron_interval_mins"`
}

// DefaultConfig returns schedule limit defaults.
func DefaultConfig() Config {
	return Config{MaxEntries: 50, MinCronIntervalMins: 60}
}

// Manager handles schedule entry CRUD with validation.
type Manager struct {
	store      Store
	config     Config
	clk        clock.Clock
	logger     *zap.Logger
	cronParser cron.Parser
}

// NewManager creates a schedule manager.
func NewManager(store Store, cfg Config, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:      store,
		config:     cfg,
		clk:        clk,
		logger:     logger,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Create validates and persists a new entry.
func (m *Manager) Create(ctx context.Context, req *CreateInput) (*Entry, error) {
	sched, err := m.cronParser.Parse(req.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	if !m.validateMinInterval(req.CronExpression) {
		return nil, fmt.Errorf("%w: must be at least %d minutes", ErrIntervalTooShort, m.config.MinCronIntervalMins)
	}

	count, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("check schedule limit: %w", err)
	}
	if count >= m.config.MaxEntries {
		return nil, fmt.Errorf("%w: %d/%d entries", ErrScheduleLimitReached, count, m.config.MaxEntries)
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	tz, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, timezone)
	}

	now := m.clk.Now()
	nextRun := sched.Next(now.In(tz))
	entry := &Entry{
		ID:             uuid.New(),
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		Timezone:       timezone,
		QueryTemplate:  req.QueryTemplate,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextRunAt:      &nextRun,
	}

	if err := m.store.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}

	m.logger.Info("schedule created",
		zap.String("schedule_id", entry.ID.String()),
		zap.String("cron", req.CronExpression),
		zap.Time("next_run_at", nextRun),
	)
	metrics.SchedulesActive.Inc()
	return entry, nil
}

// Pause stops future runs. Idempotent.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID) error {
	entry, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status == StatusPaused {
		return nil
	}
	if err := m.store.UpdateStatus(ctx, id, StatusPaused); err != nil {
		return err
	}
	metrics.SchedulesActive.Dec()
	m.logger.Info("schedule paused", zap.String("schedule_id", id.String()))
	return nil
}

// Resume re-enables a paused entry and recomputes its next run.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	entry, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusActive {
		return entry.NextRunAt, nil
	}

	nextRun, err := m.nextRun(entry.CronExpression, entry.Timezone, m.clk.Now())
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateStatus(ctx, id, StatusActive); err != nil {
		return nil, err
	}
	if err := m.store.UpdateNextRun(ctx, id, nextRun); err != nil {
		return nil, err
	}
	metrics.SchedulesActive.Inc()
	m.logger.Info("schedule resumed",
		zap.String("schedule_id", id.String()),
		zap.Time("next_run_at", nextRun),
	)
	return &nextRun, nil
}

// Delete soft-deletes an entry.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	entry, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, id, StatusDeleted); err != nil {
		return err
	}
	if entry.Status == StatusActive {
		metrics.SchedulesActive.Dec()
	}
	m.logger.Info("schedule deleted", zap.String("schedule_id", id.String()))
	return nil
}

// Update applies changes; a new cron expression is validated and next run
// recomputed.
func (m *Manager) Update(ctx context.Context, req *UpdateInput) (*Entry, error) {
	entry, err := m.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	var nextRun *time.Time
	if req.CronExpression != nil {
		if _, err := m.cronParser.Parse(*req.CronExpression); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
		}
		if !m.validateMinInterval(*req.CronExpression) {
			return nil, fmt.Errorf("%w: must be at least %d minutes", ErrIntervalTooShort, m.config.MinCronIntervalMins)
		}
		tzName := entry.Timezone
		if req.Timezone != nil {
			tzName = *req.Timezone
		}
		n, err := m.nextRun(*req.CronExpression, tzName, m.clk.Now())
		if err != nil {
			return nil, err
		}
		nextRun = &n
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, *req.Timezone)
		}
	}

	if err := m.store.Update(ctx, req, nextRun); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, req.ID)
}

// Get retrieves one entry.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return m.store.Get(ctx, id)
}

// List returns entries, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statusFilter string) ([]*Entry, error) {
	return m.store.List(ctx, statusFilter)
}

// LatestRun returns the most recent run across all entries, or ErrNoRuns.
func (m *Manager) LatestRun(ctx context.Context) (*RunRecord, error) {
	return m.store.LatestRun(ctx)
}

func (m *Manager) nextRun(cronExpr, tzName string, now time.Time) (time.Time, error) {
	sched, err := m.cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	tz := time.UTC
	if tzName != "" {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimezone, tzName)
		}
		tz = loc
	}
	return sched.Next(now.In(tz)), nil
}

// validateMinInterval checks the gap between two consecutive runs.
func (m *Manager) validateMinInterval(cronExpression string) bool {
	if m.config.MinCronIntervalMins <= 0 {
		return true
	}
	sched, err := m.cronParser.Parse(cronExpression)
	if err != nil {
		return false
	}
	now := m.clk.Now().UTC()
	next1 := sched.Next(now)
	next2 := sched.Next(next1)
	return next2.Sub(next1).Minutes() >= float64(m.config.MinCronIntervalMins)
}
