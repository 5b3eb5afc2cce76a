// Package invoker wraps single agent capability calls with rate limiting,
// per-attempt timeouts, exponential-backoff retries, and a per-capability
// circuit breaker. Every attempt emits an InvocationRecord.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/agents"
	"github.com/exprisk/orchestrator/internal/circuitbreaker"
	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/metrics"
	"github.com/exprisk/orchestrator/internal/tracing"
)

// RetryPolicy defines the retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Config holds invoker settings.
type Config struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateWait bounds how long an attempt waits for a rate limit slot
	// before giving up with StatusRateLimited.
	RateWait time.Duration `mapstructure:"rate_wait"`
	Retry    RetryPolicy   `mapstructure:"retry"`
}

// DefaultConfig returns invoker defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:  30 * time.Second,
		RateWait: 5 * time.Second,
		Retry:    DefaultRetryPolicy(),
	}
}

// InvocationRecord describes one attempt for observability consumers.
type InvocationRecord struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	CycleID   string        `json:"cycle_id"`
	Agent     agents.Name   `json:"agent"`
	Attempt   int           `json:"attempt"`
	Status    agents.Status `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Recorder consumes invocation records. Implementations must not block.
type Recorder interface {
	Record(rec InvocationRecord)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(rec InvocationRecord)

func (f RecorderFunc) Record(rec InvocationRecord) { f(rec) }

// Invoker executes capabilities with the full resilience stack.
type Invoker struct {
	registry agents.Registry
	limiter  Limiter
	cfg      Config
	clk      clock.Clock
	recorder Recorder
	logger   *zap.Logger
	breakers map[agents.Name]*circuitbreaker.CircuitBreaker
}

// New builds an invoker. The limiter is required; recorder may be nil.
func New(registry agents.Registry, limiter Limiter, cfg Config, clk clock.Clock, recorder Recorder, logger *zap.Logger) *Invoker {
	if clk == nil {
		clk = clock.Real{}
	}
	breakers := make(map[agents.Name]*circuitbreaker.CircuitBreaker, len(registry))
	for name := range registry {
		breakers[name] = circuitbreaker.NewCircuitBreaker(
			"agent:"+string(name), circuitbreaker.DefaultConfig(), clk, logger)
	}
	return &Invoker{
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		clk:      clk,
		recorder: recorder,
		logger:   logger,
		breakers: breakers,
	}
}

// Invoke runs one capability to completion: acquire a rate slot, execute
// with a timeout, retry transient failures with backoff. The returned
// AgentOutput always carries a terminal status; err is non-nil only for the
// non-success statuses and describes the final attempt's failure.
func (iv *Invoker) Invoke(ctx context.Context, name agents.Name, in agents.Input) (*agents.AgentOutput, error) {
	capability, err := iv.registry.Lookup(name)
	if err != nil {
		out := &agents.AgentOutput{Agent: name, Status: agents.StatusFailed}
		return out, err
	}

	backoff := iv.cfg.Retry.InitialBackoff
	var lastStatus agents.Status
	var lastErr error

	for attempt := 1; attempt <= iv.cfg.Retry.MaxRetries+1; attempt++ {
		output, status, attemptErr := iv.attempt(ctx, capability, name, in, attempt)
		if status == agents.StatusSuccess {
			return &agents.AgentOutput{
				Agent:   name,
				Text:    output.Text,
				Payload: output.Payload,
				Status:  agents.StatusSuccess,
			}, nil
		}

		lastStatus, lastErr = status, attemptErr
		if status == agents.StatusCancelled || !isRetryable(status, attemptErr) {
			break
		}

		if attempt <= iv.cfg.Retry.MaxRetries {
			metrics.AgentRetries.WithLabelValues(string(name)).Inc()
			select {
			case <-ctx.Done():
				lastStatus, lastErr = agents.StatusCancelled, ctx.Err()
			case <-time.After(backoff):
			}
			if lastStatus == agents.StatusCancelled {
				break
			}
			backoff = time.Duration(float64(backoff) * iv.cfg.Retry.Multiplier)
			if backoff > iv.cfg.Retry.MaxBackoff {
				backoff = iv.cfg.Retry.MaxBackoff
			}
		}
	}

	return &agents.AgentOutput{Agent: name, Status: lastStatus}, lastErr
}

// attempt runs exactly one try inside its own span and records it.
func (iv *Invoker) attempt(ctx context.Context, capability agents.Capability, name agents.Name, in agents.Input, attempt int) (*agents.Output, agents.Status, error) {
	ctx, span := tracing.StartAgentSpan(ctx, string(name), attempt)
	defer span.End()

	started := iv.clk.Now()

	status, output, err := iv.execute(ctx, capability, name, in)

	duration := iv.clk.Now().Sub(started)
	rec := InvocationRecord{
		ID:        uuid.New().String(),
		SessionID: in.SessionID,
		CycleID:   in.CycleID,
		Agent:     name,
		Attempt:   attempt,
		Status:    status,
		StartedAt: started,
		Duration:  duration,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if iv.recorder != nil {
		iv.recorder.Record(rec)
	}
	metrics.RecordInvocationMetrics(string(name), string(status), float64(duration.Milliseconds()))

	if status != agents.StatusSuccess {
		iv.logger.Warn("agent invocation attempt failed",
			zap.String("agent", string(name)),
			zap.Int("attempt", attempt),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	return output, status, err
}

func (iv *Invoker) execute(ctx context.Context, capability agents.Capability, name agents.Name, in agents.Input) (agents.Status, *agents.Output, error) {
	if err := ctx.Err(); err != nil {
		return agents.StatusCancelled, nil, err
	}

	// Rate slot first. A free token skips the bounded wait entirely.
	if !iv.limiter.TryAcquire() {
		waitCtx, cancel := context.WithTimeout(ctx, iv.cfg.RateWait)
		err := iv.limiter.WaitForSlot(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return agents.StatusCancelled, nil, ctx.Err()
			}
			metrics.RateLimitRejections.WithLabelValues(string(name)).Inc()
			return agents.StatusRateLimited, nil, fmt.Errorf("no rate limit slot within %s: %w", iv.cfg.RateWait, err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout)
	defer cancel()

	var output *agents.Output
	err := iv.breakers[name].Execute(attemptCtx, func() error {
		var execErr error
		output, execErr = capability.Execute(attemptCtx, in)
		return execErr
	})
	if err == nil {
		if output == nil {
			return agents.StatusFailed, nil, fmt.Errorf("agent %s returned no output", name)
		}
		return agents.StatusSuccess, output, nil
	}

	switch {
	case ctx.Err() != nil:
		return agents.StatusCancelled, nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return agents.StatusTimedOut, nil, fmt.Errorf("agent %s exceeded %s: %w", name, iv.cfg.Timeout, err)
	default:
		return agents.StatusFailed, nil, err
	}
}

// isRetryable classifies the failure. Bad input is permanent; everything
// else (timeouts, rate limit waits, transport errors, open breakers) is
// worth another attempt.
func isRetryable(status agents.Status, err error) bool {
	if status == agents.StatusCancelled {
		return false
	}
	if errors.Is(err, agents.ErrBadInput) {
		return false
	}
	return true
}
