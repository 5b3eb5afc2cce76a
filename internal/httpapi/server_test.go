package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/agents"
	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/invoker"
	"github.com/exprisk/orchestrator/internal/orchestrator"
	"github.com/exprisk/orchestrator/internal/policy"
	"github.com/exprisk/orchestrator/internal/schedules"
	"github.com/exprisk/orchestrator/internal/session"
	"github.com/exprisk/orchestrator/internal/streaming"
)

type echoCapability struct {
	name agents.Name
	text string
}

func (c echoCapability) Name() agents.Name { return c.name }

func (c echoCapability) Execute(ctx context.Context, in agents.Input) (*agents.Output, error) {
	return &agents.Output{Text: c.text}, nil
}

// fakeStore is an in-memory schedules.Store for handler tests.
type fakeStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*schedules.Entry
	runs    []schedules.RunRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[uuid.UUID]*schedules.Entry{}}
}

func (s *fakeStore) Create(ctx context.Context, e *schedules.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID) (*schedules.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status == schedules.StatusDeleted {
		return nil, schedules.ErrScheduleNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) List(ctx context.Context, statusFilter string) ([]*schedules.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schedules.Entry
	for _, e := range s.entries {
		if e.Status == schedules.StatusDeleted {
			continue
		}
		if statusFilter != "" && string(e.Status) != statusFilter {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) Update(ctx context.Context, req *schedules.UpdateInput, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[req.ID]
	if !ok {
		return schedules.ErrScheduleNotFound
	}
	if req.Name != nil {
		e.Name = *req.Name
	}
	if req.CronExpression != nil {
		e.CronExpression = *req.CronExpression
	}
	if req.QueryTemplate != nil {
		e.QueryTemplate = *req.QueryTemplate
	}
	if nextRun != nil {
		e.NextRunAt = nextRun
	}
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return schedules.ErrScheduleNotFound
	}
	e.Status = status
	return nil
}

func (s *fakeStore) UpdateNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return schedules.ErrScheduleNotFound
	}
	e.NextRunAt = &next
	return nil
}

func (s *fakeStore) Due(ctx context.Context, now time.Time) ([]*schedules.Entry, error) {
	return nil, nil
}

func (s *fakeStore) RecordRun(ctx context.Context, rec schedules.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return nil
}

func (s *fakeStore) LatestRun(ctx context.Context) (*schedules.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, schedules.ErrNoRuns
	}
	latest := s.runs[0]
	for _, rec := range s.runs[1:] {
		if rec.StartedAt.After(latest.StartedAt) {
			latest = rec
		}
	}
	return &latest, nil
}

func (s *fakeStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Status == schedules.StatusActive {
			n++
		}
	}
	return n, nil
}

type testServer struct {
	srv     *httptest.Server
	store   *fakeStore
	streams *streaming.Manager
	ran     *int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	mr := miniredis.RunT(t)
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	sessions, err := session.NewManager(session.Config{RedisAddr: mr.Addr()}, clk, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	registry := agents.NewRegistry(
		echoCapability{name: agents.Assistant, text: "I can analyze schedule and political risk."},
	)
	inv := invoker.New(registry, invoker.Unlimited{}, invoker.DefaultConfig(), clk, nil, logger)
	classifier := policy.NewClassifier(policy.DefaultKeywords(), logger)
	streams := streaming.NewManager(64)
	orch := orchestrator.New(sessions, classifier, inv, streams, clk, logger)

	store := newFakeStore()
	mgr := schedules.NewManager(store, schedules.DefaultConfig(), clk, logger)
	ran := 0
	runner := schedules.RunnerFunc(func(ctx context.Context, sessionID, query string) (string, error) {
		ran++
		return "SUCCESS", nil
	})
	ticker := schedules.NewTicker(store, runner, clk, time.Second, logger)

	s := NewServer(orch, mgr, ticker, nil, nil, streams, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, streams: streams, ran: &ran}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (ts *testServer) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestChatReturnsCycleResponse(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/chat", map[string]string{
		"session_id": "sess-1",
		"message":    "what can you do?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[orchestrator.CycleResponse](t, resp)
	assert.Equal(t, "sess-1", body.SessionID)
	assert.Equal(t, agents.StatusSuccess, body.Status)
	assert.Equal(t, []agents.Name{agents.Assistant}, body.Route)
	assert.Contains(t, body.FinalText, "analyze")
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/chat", map[string]string{"session_id": "sess-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/chat", map[string]string{
		"session_id": "sess-h",
		"message":    "hello there",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	hist := ts.do(t, http.MethodGet, "/history?session_id=sess-h")
	require.Equal(t, http.StatusOK, hist.StatusCode)
	body := decode[struct {
		SessionID string         `json:"session_id"`
		History   []session.Turn `json:"history"`
	}](t, hist)
	require.Len(t, body.History, 2)
	assert.Equal(t, session.RoleUser, body.History[0].Role)
	assert.Equal(t, session.RoleAgent, body.History[1].Role)
}

func TestHistoryUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/history?session_id=nope")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)

	created := ts.postJSON(t, "/schedules", map[string]string{
		"name":            "hourly check",
		"cron_expression": "0 * * * *",
		"query_template":  "any delays?",
	})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	entry := decode[schedules.Entry](t, created)
	assert.Equal(t, schedules.StatusActive, entry.Status)
	require.NotNil(t, entry.NextRunAt)

	id := entry.ID.String()

	pause := ts.do(t, http.MethodPost, "/schedules/"+id+"/pause")
	require.Equal(t, http.StatusOK, pause.StatusCode)
	pause.Body.Close()

	got := ts.do(t, http.MethodGet, "/schedules/"+id)
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, schedules.StatusPaused, decode[schedules.Entry](t, got).Status)

	resume := ts.do(t, http.MethodPost, "/schedules/"+id+"/resume")
	require.Equal(t, http.StatusOK, resume.StatusCode)
	resume.Body.Close()

	del := ts.do(t, http.MethodDelete, "/schedules/"+id)
	require.Equal(t, http.StatusOK, del.StatusCode)
	del.Body.Close()

	gone := ts.do(t, http.MethodGet, "/schedules/"+id)
	defer gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestScheduleCreateRejectsBadCron(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/schedules", map[string]string{
		"name":            "bad",
		"cron_expression": "not a cron",
		"query_template":  "q",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkflowRunTriggersSchedule(t *testing.T) {
	ts := newTestServer(t)

	created := ts.postJSON(t, "/schedules", map[string]string{
		"name":            "manual",
		"cron_expression": "0 * * * *",
		"query_template":  "run it",
	})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	entry := decode[schedules.Entry](t, created)

	resp := ts.postJSON(t, "/workflow/run", map[string]string{
		"schedule_id": entry.ID.String(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[schedules.RunRecord](t, resp)
	assert.Equal(t, schedules.RunCompleted, rec.Status)
	assert.Equal(t, 1, *ts.ran)
}

func TestWorkflowRunUnknownSchedule(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/workflow/run", map[string]string{
		"schedule_id": uuid.New().String(),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowStatusReportsLatestRun(t *testing.T) {
	ts := newTestServer(t)

	empty := ts.do(t, http.MethodGet, "/workflow/status")
	assert.Equal(t, http.StatusNotFound, empty.StatusCode)
	empty.Body.Close()

	created := ts.postJSON(t, "/schedules", map[string]string{
		"name":            "status check",
		"cron_expression": "0 * * * *",
		"query_template":  "any delays?",
	})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	entry := decode[schedules.Entry](t, created)

	run := ts.postJSON(t, "/workflow/run", map[string]string{
		"schedule_id": entry.ID.String(),
	})
	require.Equal(t, http.StatusOK, run.StatusCode)
	run.Body.Close()

	status := ts.do(t, http.MethodGet, "/workflow/status")
	require.Equal(t, http.StatusOK, status.StatusCode)
	rec := decode[schedules.RunRecord](t, status)
	assert.Equal(t, entry.ID, rec.ScheduleID)
	assert.Equal(t, schedules.RunCompleted, rec.Status)
	assert.NotEmpty(t, rec.SessionID)
}

func TestRiskRoutesUnavailableWithoutDatabase(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/risks/summary", "/heatmap", "/schedule/comparison"} {
		resp := ts.do(t, http.MethodGet, path)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSERequiresSessionID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/stream/sse")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEReplaysBacklog(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		ts.streams.Publish(streaming.Event{
			SessionID: "sse-1",
			Type:      streaming.TypeAgentSelected,
			Message:   fmt.Sprintf("event-%d", i),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.srv.URL+"/stream/sse?session_id=sse-1&last_event_id=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Events 2 and 3 come back in the replay; 1 is excluded.
	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if len(ids) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids)
}
