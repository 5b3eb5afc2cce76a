// Package agents defines the closed set of agent variants, the capability
// interface each one implements, and the structured payloads they exchange.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Name identifies one agent variant. The set is closed: routing logic is
// written against exactly these four.
type Name string

const (
	Assistant     Name = "assistant"
	Scheduler     Name = "scheduler"
	PoliticalRisk Name = "political_risk"
	Reporting     Name = "reporting"
)

// Valid reports whether n is a known variant.
func (n Name) Valid() bool {
	switch n {
	case Assistant, Scheduler, PoliticalRisk, Reporting:
		return true
	}
	return false
}

// All returns the variant set in routing order.
func All() []Name {
	return []Name{Assistant, Scheduler, PoliticalRisk, Reporting}
}

// Status is the outcome of one agent invocation.
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
	StatusTimedOut    Status = "TIMED_OUT"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusCancelled   Status = "CANCELLED"
)

// IsSuccess reports whether the invocation produced a usable output.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// ErrBadInput marks a permanent input error. The invoker does not retry
// invocations that fail with it.
var ErrBadInput = errors.New("bad agent input")

// HistoryTurn is one prior conversational turn passed to a capability.
type HistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Input carries everything a capability may read for one invocation.
// Scratch holds the last structured payload of each agent that already ran,
// keyed by variant, so downstream agents can build on upstream output.
type Input struct {
	SessionID string
	CycleID   string
	Query     string
	History   []HistoryTurn
	Scratch   map[Name]json.RawMessage
}

// ScratchPayload decodes the scratch entry for the given variant into dst.
// Returns false when no entry exists.
func (in Input) ScratchPayload(n Name, dst any) (bool, error) {
	raw, ok := in.Scratch[n]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s scratch payload: %w", n, err)
	}
	return true, nil
}

// Output is what a capability returns on success: user-facing text plus an
// optional structured payload for downstream agents and API consumers.
type Output struct {
	Text    string
	Payload json.RawMessage
}

// AgentOutput is one completed invocation as seen by the orchestrator.
type AgentOutput struct {
	Agent   Name            `json:"agent"`
	Text    string          `json:"text"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  Status          `json:"status"`
}

// Capability is one agent's execution surface. Implementations must honor
// context cancellation and return ErrBadInput (wrapped) for inputs that can
// never succeed.
type Capability interface {
	Name() Name
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Registry maps variants to their capabilities.
type Registry map[Name]Capability

// NewRegistry indexes capabilities by name.
func NewRegistry(caps ...Capability) Registry {
	r := make(Registry, len(caps))
	for _, c := range caps {
		r[c.Name()] = c
	}
	return r
}

// Lookup returns the capability for n.
func (r Registry) Lookup(n Name) (Capability, error) {
	c, ok := r[n]
	if !ok {
		return nil, fmt.Errorf("no capability registered for agent %q", n)
	}
	return c, nil
}
