// Package httpapi exposes the orchestrator over HTTP: chat submission,
// session history, schedule CRUD, report downloads, read-only risk views,
// and the SSE/WebSocket event streams.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/orchestrator"
	"github.com/exprisk/orchestrator/internal/reports"
	"github.com/exprisk/orchestrator/internal/scheduledata"
	"github.com/exprisk/orchestrator/internal/schedules"
	"github.com/exprisk/orchestrator/internal/session"
	"github.com/exprisk/orchestrator/internal/streaming"
)

// Server wires all HTTP handlers onto one mux.
type Server struct {
	orch      *orchestrator.Orchestrator
	schedules *schedules.Manager
	ticker    *schedules.Ticker
	schedData *scheduledata.Reader
	reports   *reports.Store
	streams   *StreamingHandler
	logger    *zap.Logger
}

// NewServer builds the HTTP surface. schedData and reports may be nil when
// the backing database is not configured; their routes then return 503.
func NewServer(
	orch *orchestrator.Orchestrator,
	scheduleMgr *schedules.Manager,
	ticker *schedules.Ticker,
	schedData *scheduledata.Reader,
	reportStore *reports.Store,
	streams *streaming.Manager,
	logger *zap.Logger,
) *Server {
	return &Server{
		orch:      orch,
		schedules: scheduleMgr,
		ticker:    ticker,
		schedData: schedData,
		reports:   reportStore,
		streams:   NewStreamingHandler(streams, logger),
		logger:    logger,
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /history", s.handleHistory)

	mux.HandleFunc("POST /schedules", s.handleScheduleCreate)
	mux.HandleFunc("GET /schedules", s.handleScheduleList)
	mux.HandleFunc("GET /schedules/{id}", s.handleScheduleGet)
	mux.HandleFunc("PATCH /schedules/{id}", s.handleScheduleUpdate)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleScheduleDelete)
	mux.HandleFunc("POST /schedules/{id}/pause", s.handleSchedulePause)
	mux.HandleFunc("POST /schedules/{id}/resume", s.handleScheduleResume)
	mux.HandleFunc("POST /workflow/run", s.handleWorkflowRun)
	mux.HandleFunc("GET /workflow/status", s.handleWorkflowStatus)

	mux.HandleFunc("GET /risks/summary", s.handleRiskSummary)
	mux.HandleFunc("GET /heatmap", s.handleHeatmap)
	mux.HandleFunc("GET /schedule/comparison", s.handleScheduleComparison)
	mux.HandleFunc("GET /reports/{id}", s.handleReportGet)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.streams.RegisterRoutes(mux)
	return mux
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleChat runs one conversation cycle. A concurrent cycle on the same
// session is rejected with 409.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := s.orch.SubmitMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionConflict) {
			writeError(w, http.StatusConflict, "a cycle is already running for this session")
			return
		}
		s.logger.Error("chat submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory returns the session transcript.
// GET /history?session_id=<id>
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	history, err := s.orch.GetHistory(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("load history failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load history failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"history":    history,
	})
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req schedules.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.QueryTemplate) == "" {
		writeError(w, http.StatusBadRequest, "name and query_template are required")
		return
	}
	entry, err := s.schedules.Create(r.Context(), &req)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.schedules.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.logger.Error("list schedules failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list schedules failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	entry, err := s.schedules.Get(r.Context(), id)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req schedules.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ID = id
	entry, err := s.schedules.Update(r.Context(), &req)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.schedules.Delete(r.Context(), id); err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSchedulePause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.schedules.Pause(r.Context(), id); err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": schedules.StatusPaused})
}

func (s *Server) handleScheduleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	next, err := s.schedules.Resume(r.Context(), id)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      schedules.StatusActive,
		"next_run_at": next,
	})
}

type workflowRunRequest struct {
	ScheduleID string `json:"schedule_id"`
}

// handleWorkflowRun triggers one immediate run of a schedule without moving
// its cron position.
func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req workflowRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := uuid.Parse(req.ScheduleID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "schedule_id must be a uuid")
		return
	}
	rec, err := s.ticker.TriggerNow(r.Context(), id)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleWorkflowStatus reports the most recent scheduled run.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.schedules.LatestRun(r.Context())
	if err != nil {
		if errors.Is(err, schedules.ErrNoRuns) {
			writeError(w, http.StatusNotFound, "no workflow runs recorded")
			return
		}
		s.logger.Error("load latest run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load latest run failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRiskSummary(w http.ResponseWriter, r *http.Request) {
	if s.schedData == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule database not configured")
		return
	}
	summary, err := s.schedData.RiskSummary(r.Context())
	if err != nil {
		s.logger.Error("risk summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "risk summary failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleHeatmap returns per-country schedule risk aggregates.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	if s.schedData == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule database not configured")
		return
	}
	countries, err := s.schedData.Heatmap(r.Context())
	if err != nil {
		s.logger.Error("heatmap failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "heatmap failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": countries})
}

// handleScheduleComparison lists planned vs forecast deliveries.
// GET /schedule/comparison?equipment_code=<c>&project_code=<p>
func (s *Server) handleScheduleComparison(w http.ResponseWriter, r *http.Request) {
	if s.schedData == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule database not configured")
		return
	}
	items, err := s.schedData.Comparison(r.Context(),
		r.URL.Query().Get("equipment_code"),
		r.URL.Query().Get("project_code"),
	)
	if err != nil {
		s.logger.Error("schedule comparison failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "schedule comparison failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleReportGet serves a stored report as downloadable markdown.
func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}
	rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, reports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error("load report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load report failed")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rep.Filename+`"`)
	_, _ = w.Write([]byte(rep.Content))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeScheduleError maps schedule manager errors to HTTP statuses.
func (s *Server) writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedules.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, schedules.ErrInvalidCronExpression),
		errors.Is(err, schedules.ErrIntervalTooShort),
		errors.Is(err, schedules.ErrInvalidTimezone):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schedules.ErrScheduleLimitReached):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("schedule operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "schedule operation failed")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
