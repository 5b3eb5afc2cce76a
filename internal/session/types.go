// Package session holds conversation state: history, the active route of
// the cycle in flight, and the scratch payloads agents leave for each other.
package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/exprisk/orchestrator/internal/agents"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionBusy is returned when a cycle is already in flight for the
	// session.
	ErrSessionBusy = errors.New("session already has an orchestration in flight")
)

// Turn roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Turn is one entry in the conversation history: a user message or a
// successful agent output.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Agent     string    `json:"agent,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation. History is append-only and survives cycles;
// ActiveRoute is the agents invoked so far in the current cycle and resets
// when the cycle terminates; Scratch maps each agent to its last structured
// payload and survives cycles like history does.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	History     []Turn                          `json:"history"`
	ActiveRoute []agents.Name                   `json:"active_route,omitempty"`
	Scratch     map[agents.Name]json.RawMessage `json:"scratch,omitempty"`

	// Intent classified at the start of the current cycle; routing after
	// Scheduler depends on it.
	Intent string `json:"intent,omitempty"`
}

// Clone returns a deep copy. The manager's local cache only ever holds
// clones, so a caller mutating its session cannot race a concurrent reader
// of the cached one.
func (s *Session) Clone() *Session {
	cp := *s
	cp.History = append([]Turn(nil), s.History...)
	cp.ActiveRoute = append([]agents.Name(nil), s.ActiveRoute...)
	if s.Scratch != nil {
		cp.Scratch = make(map[agents.Name]json.RawMessage, len(s.Scratch))
		for k, v := range s.Scratch {
			cp.Scratch[k] = v
		}
	}
	return &cp
}

// IsExpired reports whether the session has expired as of now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AppendTurn adds one history entry.
func (s *Session) AppendTurn(t Turn) {
	s.History = append(s.History, t)
}

// SetScratch stores an agent's structured payload for downstream agents.
func (s *Session) SetScratch(agent agents.Name, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	if s.Scratch == nil {
		s.Scratch = make(map[agents.Name]json.RawMessage)
	}
	s.Scratch[agent] = payload
}

// ResetRoute clears the active route at cycle end.
func (s *Session) ResetRoute() {
	s.ActiveRoute = nil
	s.Intent = ""
}

// RecentHistory returns up to count most recent turns.
func (s *Session) RecentHistory(count int) []Turn {
	if len(s.History) <= count {
		return s.History
	}
	return s.History[len(s.History)-count:]
}

// HistoryForAgents converts recent history to the shape capabilities read.
func (s *Session) HistoryForAgents(count int) []agents.HistoryTurn {
	recent := s.RecentHistory(count)
	out := make([]agents.HistoryTurn, 0, len(recent))
	for _, t := range recent {
		out = append(out, agents.HistoryTurn{Role: t.Role, Text: t.Content})
	}
	return out
}
