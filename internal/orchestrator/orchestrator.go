// Package orchestrator drives one conversation cycle at a time: classify the
// user's intent, walk the selection policy, invoke each chosen agent, and
// fold the results back into the session.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/agents"
	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/invoker"
	"github.com/exprisk/orchestrator/internal/metrics"
	"github.com/exprisk/orchestrator/internal/policy"
	"github.com/exprisk/orchestrator/internal/session"
	"github.com/exprisk/orchestrator/internal/streaming"
	"github.com/exprisk/orchestrator/internal/tracing"
)

// ErrSessionConflict is returned when a submission races an in-flight cycle
// on the same session.
var ErrSessionConflict = session.ErrSessionBusy

// CycleResponse is the result of one orchestration cycle.
type CycleResponse struct {
	SessionID    string          `json:"session_id"`
	CycleID      string          `json:"cycle_id"`
	FinalText    string          `json:"final_text"`
	FinalPayload json.RawMessage `json:"final_payload,omitempty"`
	Route        []agents.Name   `json:"route"`
	Status       agents.Status   `json:"status"`
	Intent       string          `json:"intent"`
}

// Orchestrator coordinates sessions, policy, and the invoker.
type Orchestrator struct {
	sessions    *session.Manager
	classifier  *policy.Classifier
	selection   policy.Selection
	termination policy.Termination
	invoker     *invoker.Invoker
	streams     *streaming.Manager
	clk         clock.Clock
	logger      *zap.Logger
	maxHistory  int
}

// New builds an orchestrator. streams may be nil when event streaming is
// disabled.
func New(sessions *session.Manager, classifier *policy.Classifier, inv *invoker.Invoker, streams *streaming.Manager, clk clock.Clock, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{
		sessions:   sessions,
		classifier: classifier,
		invoker:    inv,
		streams:    streams,
		clk:        clk,
		logger:     logger,
		maxHistory: 20,
	}
}

// SubmitMessage runs one full cycle for the session. Strictly sequential
// per session: a second submission while a cycle is in flight fails with
// ErrSessionConflict.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, text string) (*CycleResponse, error) {
	sess, err := o.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	cycleID := uuid.New().String()
	if err := o.sessions.Acquire(ctx, sess.ID, cycleID); err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			return nil, fmt.Errorf("session %s: %w", sess.ID, ErrSessionConflict)
		}
		return nil, err
	}
	defer o.sessions.Release(context.WithoutCancel(ctx), sess.ID)

	return o.runCycle(ctx, sess, cycleID, text)
}

// GetHistory returns the session's conversation history.
func (o *Orchestrator) GetHistory(ctx context.Context, sessionID string) ([]session.Turn, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.History, nil
}

// runCycle is the Routing -> Invoking -> Folding loop. The caller holds the
// session lock.
func (o *Orchestrator) runCycle(ctx context.Context, sess *session.Session, cycleID, text string) (*CycleResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.cycle")
	defer span.End()

	started := o.clk.Now()
	intent := o.classifier.Classify(text)
	sess.Intent = intent
	sess.ActiveRoute = nil
	sess.AppendTurn(session.Turn{
		ID:        uuid.New().String(),
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: started,
	})

	metrics.CyclesStarted.WithLabelValues(intent).Inc()
	o.publish(streaming.Event{
		SessionID: sess.ID,
		CycleID:   cycleID,
		Type:      streaming.TypeCycleStarted,
		Message:   intent,
	})
	o.logger.Info("cycle started",
		zap.String("session_id", sess.ID),
		zap.String("cycle_id", cycleID),
		zap.String("intent", intent),
	)

	var lastOutput *agents.AgentOutput
	for {
		next, ok := o.selection.Select(sess.ActiveRoute, intent)
		if !ok {
			break
		}

		o.publish(streaming.Event{
			SessionID: sess.ID,
			CycleID:   cycleID,
			Type:      streaming.TypeAgentSelected,
			Agent:     string(next),
		})

		in := agents.Input{
			SessionID: sess.ID,
			CycleID:   cycleID,
			Query:     text,
			History:   sess.HistoryForAgents(o.maxHistory),
			Scratch:   sess.Scratch,
		}
		out, invokeErr := o.invoker.Invoke(ctx, next, in)

		// A cancelled invocation never ran to completion; it leaves no
		// trace on the route. Everything else does, success or not.
		if out.Status != agents.StatusCancelled {
			sess.ActiveRoute = append(sess.ActiveRoute, next)
		}
		if out.Status == agents.StatusSuccess {
			sess.AppendTurn(session.Turn{
				ID:        uuid.New().String(),
				Role:      session.RoleAgent,
				Agent:     string(next),
				Content:   out.Text,
				Timestamp: o.clk.Now(),
			})
			sess.SetScratch(next, out.Payload)
		} else {
			o.logger.Warn("agent invocation did not succeed",
				zap.String("session_id", sess.ID),
				zap.String("agent", string(next)),
				zap.String("status", string(out.Status)),
				zap.Error(invokeErr),
			)
		}
		lastOutput = out

		if o.termination.IsTerminal(sess.ActiveRoute, intent, out.Status, true) {
			break
		}
	}

	resp := o.assembleResponse(sess, cycleID, intent, lastOutput)

	sess.ResetRoute()
	if err := o.sessions.Update(context.WithoutCancel(ctx), sess); err != nil {
		o.logger.Error("persist session after cycle failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}

	duration := o.clk.Now().Sub(started)
	metrics.RecordCycleMetrics(intent, string(resp.Status), duration.Seconds())
	o.publish(streaming.Event{
		SessionID: sess.ID,
		CycleID:   cycleID,
		Type:      streaming.TypeCycleCompleted,
		Status:    string(resp.Status),
	})
	o.logger.Info("cycle completed",
		zap.String("session_id", sess.ID),
		zap.String("cycle_id", cycleID),
		zap.String("status", string(resp.Status)),
		zap.Duration("duration", duration),
	)
	return resp, nil
}

// assembleResponse freezes the route taken and synthesizes user-facing text
// for failed cycles.
func (o *Orchestrator) assembleResponse(sess *session.Session, cycleID, intent string, last *agents.AgentOutput) *CycleResponse {
	resp := &CycleResponse{
		SessionID: sess.ID,
		CycleID:   cycleID,
		Route:     append([]agents.Name(nil), sess.ActiveRoute...),
		Intent:    intent,
		Status:    agents.StatusSuccess,
	}
	if last == nil {
		// selection produced no agent at all; nothing ran
		resp.Status = agents.StatusFailed
		resp.FinalText = failureMessage(agents.StatusFailed)
		return resp
	}

	resp.Status = cycleStatus(last.Status)
	if last.Status == agents.StatusSuccess {
		resp.FinalText = last.Text
		resp.FinalPayload = last.Payload
	} else {
		resp.FinalText = failureMessage(last.Status)
	}
	return resp
}

// cycleStatus collapses agent-level outcomes into the cycle-level status.
// An exhausted retry budget surfaces as Failed no matter how the attempts
// failed; the per-attempt detail stays on the invocation records. Cancelled
// is the caller's own doing and keeps its identity.
func cycleStatus(s agents.Status) agents.Status {
	switch s {
	case agents.StatusSuccess, agents.StatusCancelled:
		return s
	default:
		return agents.StatusFailed
	}
}

func failureMessage(status agents.Status) string {
	switch status {
	case agents.StatusTimedOut:
		return "The analysis took too long and was stopped. Please try again."
	case agents.StatusRateLimited:
		return "The service is handling too many requests right now. Please retry shortly."
	case agents.StatusCancelled:
		return "The request was cancelled before the analysis finished."
	default:
		return "The analysis could not be completed. Please try again."
	}
}

func (o *Orchestrator) publish(evt streaming.Event) {
	if o.streams == nil {
		return
	}
	evt.Timestamp = o.clk.Now()
	o.streams.Publish(evt)
}
