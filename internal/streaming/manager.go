// Package streaming provides in-memory pub/sub for cycle and invocation
// events, with per-session ring-buffer replay for reconnecting clients.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the orchestrator and invoker.
const (
	TypeCycleStarted      = "cycle_started"
	TypeCycleCompleted    = "cycle_completed"
	TypeAgentSelected     = "agent_selected"
	TypeInvocationStarted = "invocation_started"
	TypeInvocationDone    = "invocation_done"
	TypeScheduleRun       = "schedule_run"
)

// Event is one streaming event, keyed by session.
type Event struct {
	SessionID string    `json:"session_id"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Type      string    `json:"type"`
	Agent     string    `json:"agent,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to session subscribers. Slow subscribers drop
// events rather than block publishers; the ring covers the gap on reconnect.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose per-session replay ring holds capacity
// events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a session. The caller must drain
// the channel and call Unsubscribe when done.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns a sequence number, records the event in the replay ring,
// and sends it to all current subscribers without blocking.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[evt.SessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.SessionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// sends are non-blocking, so holding the lock keeps Unsubscribe's
	// close from racing a send
	for ch := range m.subscribers[evt.SessionID] {
		select {
		case ch <- evt:
		default:
			// drop for slow subscriber
		}
	}
	m.mu.Unlock()
}

// ReplaySince returns buffered events with Seq > since, best effort within
// the ring capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so SSE clients can resume from any event.
func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
