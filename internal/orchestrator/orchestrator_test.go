package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/agents"
	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/invoker"
	"github.com/exprisk/orchestrator/internal/policy"
	"github.com/exprisk/orchestrator/internal/session"
	"github.com/exprisk/orchestrator/internal/streaming"
)

type stubCapability struct {
	name agents.Name
	fn   func(ctx context.Context, in agents.Input) (*agents.Output, error)
}

func (s *stubCapability) Name() agents.Name { return s.name }
func (s *stubCapability) Execute(ctx context.Context, in agents.Input) (*agents.Output, error) {
	return s.fn(ctx, in)
}

func okCapability(name agents.Name, text string, payload string) *stubCapability {
	return &stubCapability{name: name, fn: func(ctx context.Context, in agents.Input) (*agents.Output, error) {
		var raw json.RawMessage
		if payload != "" {
			raw = json.RawMessage(payload)
		}
		return &agents.Output{Text: text, Payload: raw}, nil
	}}
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	streams  *streaming.Manager
}

func newFixture(t *testing.T, caps ...agents.Capability) *fixture {
	cfg := invoker.DefaultConfig()
	cfg.Retry.MaxRetries = 1
	cfg.Retry.InitialBackoff = time.Millisecond
	return newFixtureWithConfig(t, cfg, caps...)
}

func newFixtureWithConfig(t *testing.T, cfg invoker.Config, caps ...agents.Capability) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	logger := zap.NewNop()

	sessions, err := session.NewManager(session.Config{RedisAddr: mr.Addr()}, clk, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	inv := invoker.New(agents.NewRegistry(caps...), invoker.Unlimited{}, cfg, nil, nil, logger)

	streams := streaming.NewManager(64)
	classifier := policy.NewClassifier(policy.DefaultKeywords(), logger)
	return &fixture{
		orch:     New(sessions, classifier, inv, streams, clk, logger),
		sessions: sessions,
		streams:  streams,
	}
}

func fullRegistry() []agents.Capability {
	return []agents.Capability{
		okCapability(agents.Assistant, "how can I help", ""),
		okCapability(agents.Scheduler, "2 delayed items", `{"items":[{"equipment_code":"EQ-1"}],"searchQuery":{"political":"political risk France"}}`),
		okCapability(agents.PoliticalRisk, "findings", `{"citations":[]}`),
		okCapability(agents.Reporting, "Report Generated Successfully", `{"report_id":"r1","filename":"risk.md"}`),
	}
}

func TestGeneralQueryRoutesToAssistant(t *testing.T) {
	f := newFixture(t, fullRegistry()...)

	resp, err := f.orch.SubmitMessage(context.Background(), "", "hello there")
	require.NoError(t, err)

	assert.Equal(t, agents.StatusSuccess, resp.Status)
	assert.Equal(t, []agents.Name{agents.Assistant}, resp.Route)
	assert.Equal(t, "how can I help", resp.FinalText)
	assert.Equal(t, policy.IntentGeneral, resp.Intent)
}

func TestScheduleQueryRunsSchedulerThenReporting(t *testing.T) {
	f := newFixture(t, fullRegistry()...)

	resp, err := f.orch.SubmitMessage(context.Background(), "", "any delivery delays?")
	require.NoError(t, err)

	assert.Equal(t, agents.StatusSuccess, resp.Status)
	assert.Equal(t, []agents.Name{agents.Scheduler, agents.Reporting}, resp.Route)
	assert.Equal(t, "Report Generated Successfully", resp.FinalText)
}

func TestPoliticalQueryRunsFullRoute(t *testing.T) {
	f := newFixture(t, fullRegistry()...)

	resp, err := f.orch.SubmitMessage(context.Background(), "", "political risks for my shipments?")
	require.NoError(t, err)

	assert.Equal(t, agents.StatusSuccess, resp.Status)
	assert.Equal(t, []agents.Name{agents.Scheduler, agents.PoliticalRisk, agents.Reporting}, resp.Route)
}

func TestFailedAgentTerminatesCycleWithSynthesizedMessage(t *testing.T) {
	caps := []agents.Capability{
		okCapability(agents.Assistant, "hi", ""),
		&stubCapability{name: agents.Scheduler, fn: func(ctx context.Context, in agents.Input) (*agents.Output, error) {
			return nil, fmt.Errorf("%w: schedule store unreachable", agents.ErrBadInput)
		}},
		okCapability(agents.Reporting, "report", ""),
	}
	f := newFixture(t, caps...)

	resp, err := f.orch.SubmitMessage(context.Background(), "", "any delays?")
	require.NoError(t, err)

	assert.Equal(t, agents.StatusFailed, resp.Status)
	// the failed agent still appears on the route taken
	assert.Equal(t, []agents.Name{agents.Scheduler}, resp.Route)
	assert.NotEmpty(t, resp.FinalText)
	assert.NotContains(t, resp.FinalText, "unreachable", "internal errors must not leak")
}

func TestSchedulerTimeoutOnEveryAttemptFailsCycle(t *testing.T) {
	cfg := invoker.DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 1
	cfg.Retry.InitialBackoff = time.Millisecond
	caps := []agents.Capability{
		okCapability(agents.Assistant, "hi", ""),
		&stubCapability{name: agents.Scheduler, fn: func(ctx context.Context, in agents.Input) (*agents.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		okCapability(agents.Reporting, "report", ""),
	}
	f := newFixtureWithConfig(t, cfg, caps...)

	resp, err := f.orch.SubmitMessage(context.Background(), "", "any delays?")
	require.NoError(t, err)

	// the cycle fails as a whole; the timeout detail stays on the
	// invocation records
	assert.Equal(t, agents.StatusFailed, resp.Status)
	assert.Equal(t, []agents.Name{agents.Scheduler}, resp.Route)
	assert.NotEmpty(t, resp.FinalText)
}

func TestHistoryGrowsByUserTurnPlusSuccessfulAgentTurns(t *testing.T) {
	f := newFixture(t, fullRegistry()...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "any delays?")
	require.NoError(t, err)

	history, err := f.orch.GetHistory(ctx, resp.SessionID)
	require.NoError(t, err)
	// 1 user turn + scheduler + reporting
	require.Len(t, history, 3)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, string(agents.Scheduler), history[1].Agent)
	assert.Equal(t, string(agents.Reporting), history[2].Agent)
}

func TestFailedCycleStillRecordsUserTurn(t *testing.T) {
	caps := []agents.Capability{
		&stubCapability{name: agents.Scheduler, fn: func(ctx context.Context, in agents.Input) (*agents.Output, error) {
			return nil, fmt.Errorf("%w: broken", agents.ErrBadInput)
		}},
	}
	f := newFixture(t, caps...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "any delays?")
	require.NoError(t, err)
	require.Equal(t, agents.StatusFailed, resp.Status)

	history, err := f.orch.GetHistory(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleUser, history[0].Role)
}

func TestActiveRouteResetsBetweenCycles(t *testing.T) {
	f := newFixture(t, fullRegistry()...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "any delays?")
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.ActiveRoute)

	// second cycle on the same session routes independently
	resp2, err := f.orch.SubmitMessage(ctx, resp.SessionID, "hello")
	require.NoError(t, err)
	assert.Equal(t, []agents.Name{agents.Assistant}, resp2.Route)
}

func TestScratchPayloadFlowsDownstream(t *testing.T) {
	var politicalSawQuery string
	caps := []agents.Capability{
		okCapability(agents.Scheduler, "delays found", `{"items":[],"searchQuery":{"political":"political risk Vietnam"}}`),
		&stubCapability{name: agents.PoliticalRisk, fn: func(ctx context.Context, in agents.Input) (*agents.Output, error) {
			var sched agents.SchedulePayload
			ok, err := in.ScratchPayload(agents.Scheduler, &sched)
			if err != nil || !ok {
				return nil, fmt.Errorf("missing scheduler scratch: ok=%v err=%v", ok, err)
			}
			politicalSawQuery = sched.SearchQuery.Political
			return &agents.Output{Text: "findings"}, nil
		}},
		okCapability(agents.Reporting, "report", ""),
	}
	f := newFixture(t, caps...)

	_, err := f.orch.SubmitMessage(context.Background(), "", "political risk please")
	require.NoError(t, err)
	assert.Equal(t, "political risk Vietnam", politicalSawQuery)
}

func TestScratchSurvivesAcrossCycles(t *testing.T) {
	f := newFixture(t, fullRegistry()...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "any delays?")
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Contains(t, sess.Scratch, agents.Scheduler)
	assert.Contains(t, sess.Scratch, agents.Reporting)
}

func TestConcurrentSubmissionRejected(t *testing.T) {
	f := newFixture(t, fullRegistry()...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "hello")
	require.NoError(t, err)

	// simulate an in-flight cycle holding the lock
	require.NoError(t, f.sessions.Acquire(ctx, resp.SessionID, "other-cycle"))
	defer f.sessions.Release(ctx, resp.SessionID)

	_, err = f.orch.SubmitMessage(ctx, resp.SessionID, "second message")
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestHistoryReadsSafeWhileCycleRuns(t *testing.T) {
	f := newFixture(t, fullRegistry()...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "hello")
	require.NoError(t, err)

	// a reader must never observe a cycle's in-progress mutations; run
	// cycles and history reads concurrently and let the race detector judge
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, _ = f.orch.SubmitMessage(ctx, resp.SessionID, "any delays?")
		}
	}()
	for i := 0; i < 200; i++ {
		_, err := f.orch.GetHistory(ctx, resp.SessionID)
		require.NoError(t, err)
	}
	<-done
}

func TestCycleEventsPublished(t *testing.T) {
	f := newFixture(t, fullRegistry()...)
	ctx := context.Background()

	resp, err := f.orch.SubmitMessage(ctx, "", "any delays?")
	require.NoError(t, err)

	events := f.streams.ReplaySince(resp.SessionID, 0)
	require.NotEmpty(t, events)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, streaming.TypeAgentSelected)
	assert.Contains(t, types, streaming.TypeCycleCompleted)
}
