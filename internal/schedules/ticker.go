package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/metrics"
)

// Runner executes one scheduled analysis: submit the query on a fresh
// session and report the cycle's terminal status.
type Runner interface {
	Run(ctx context.Context, sessionID, query string) (status string, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, sessionID, query string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, sessionID, query string) (string, error) {
	return f(ctx, sessionID, query)
}

// Ticker evaluates due entries and drives the runner. It replaces an
// external workflow engine with a clock-injectable in-process loop.
type Ticker struct {
	store      Store
	runner     Runner
	clk        clock.Clock
	logger     *zap.Logger
	cronParser cron.Parser
	interval   time.Duration
}

// NewTicker builds a ticker polling at the given interval.
func NewTicker(store Store, runner Runner, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Ticker {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Ticker{
		store:      store,
		runner:     runner,
		clk:        clk,
		logger:     logger,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:   interval,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("schedule ticker started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("schedule ticker stopped")
			return
		case <-ticker.C:
			if err := t.Tick(ctx, t.clk.Now()); err != nil {
				t.logger.Error("schedule tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs every entry due at now, sequentially, and advances each entry's
// next run strictly past now. Calling Tick twice with the same now runs
// nothing the second time.
func (t *Ticker) Tick(ctx context.Context, now time.Time) error {
	due, err := t.store.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("load due entries: %w", err)
	}

	for _, entry := range due {
		// Advance before running so a crash mid-run cannot replay the
		// entry on the next tick.
		next, err := t.nextAfter(entry, now)
		if err != nil {
			t.logger.Error("unschedulable entry, pausing",
				zap.String("schedule_id", entry.ID.String()),
				zap.Error(err),
			)
			_ = t.store.UpdateStatus(ctx, entry.ID, StatusPaused)
			continue
		}
		if err := t.store.UpdateNextRun(ctx, entry.ID, next); err != nil {
			t.logger.Error("advance next run failed",
				zap.String("schedule_id", entry.ID.String()),
				zap.Error(err),
			)
			continue
		}

		t.runEntry(ctx, entry, now)
	}
	return nil
}

// TriggerNow runs one entry immediately without touching its cron position.
func (t *Ticker) TriggerNow(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	entry, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.runEntry(ctx, entry, t.clk.Now()), nil
}

// runEntry executes one run on a fresh synthesized session and records the
// outcome. Failed runs are recorded and wait for the next natural tick.
func (t *Ticker) runEntry(ctx context.Context, entry *Entry, now time.Time) *RunRecord {
	runID := uuid.New().String()
	sessionID := fmt.Sprintf("schedule-%s-%s", entry.ID.String(), runID)

	t.logger.Info("schedule run starting",
		zap.String("schedule_id", entry.ID.String()),
		zap.String("run_id", runID),
		zap.String("session_id", sessionID),
	)

	rec := RunRecord{
		RunID:      runID,
		ScheduleID: entry.ID,
		SessionID:  sessionID,
		StartedAt:  now,
	}

	status, err := t.runner.Run(ctx, sessionID, entry.QueryTemplate)
	completed := t.clk.Now()
	rec.CompletedAt = &completed
	if err != nil {
		rec.Status = RunFailed
		rec.Error = err.Error()
	} else if status != "" && status != "SUCCESS" {
		rec.Status = RunFailed
		rec.Error = fmt.Sprintf("cycle ended with status %s", status)
	} else {
		rec.Status = RunCompleted
	}

	if storeErr := t.store.RecordRun(ctx, rec); storeErr != nil {
		t.logger.Error("record schedule run failed",
			zap.String("schedule_id", entry.ID.String()),
			zap.Error(storeErr),
		)
	}
	metrics.RecordScheduleRun(rec.Status)

	if rec.Status == RunFailed {
		t.logger.Warn("schedule run failed",
			zap.String("schedule_id", entry.ID.String()),
			zap.String("run_id", runID),
			zap.String("error", rec.Error),
		)
	} else {
		t.logger.Info("schedule run completed",
			zap.String("schedule_id", entry.ID.String()),
			zap.String("run_id", runID),
		)
	}
	return &rec
}

// nextAfter computes the first cron occurrence strictly after now in the
// entry's timezone.
func (t *Ticker) nextAfter(entry *Entry, now time.Time) (time.Time, error) {
	sched, err := t.cronParser.Parse(entry.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	tz := time.UTC
	if entry.Timezone != "" {
		loc, err := time.LoadLocation(entry.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimezone, entry.Timezone)
		}
		tz = loc
	}
	return sched.Next(now.In(tz)), nil
}
