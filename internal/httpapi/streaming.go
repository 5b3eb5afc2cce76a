package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/streaming"
)

// StreamingHandler serves SSE endpoints for cycle events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers the SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// parseStreamQuery extracts the shared subscription parameters.
func parseStreamQuery(r *http.Request) (sessionID string, typeFilter map[string]struct{}, lastID uint64) {
	sessionID = r.URL.Query().Get("session_id")
	typeFilter = map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}
	return sessionID, typeFilter, lastID
}

func filtered(typeFilter map[string]struct{}, evType string) bool {
	if len(typeFilter) == 0 {
		return false
	}
	_, ok := typeFilter[evType]
	return !ok
}

// handleSSE streams cycle events for a session via Server-Sent Events.
// GET /stream/sse?session_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID, typeFilter, lastID := parseStreamQuery(r)
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(sessionID, 256)
	defer h.mgr.Unsubscribe(sessionID, ch)

	// Initial comment establishes the stream
	fmt.Fprintf(w, ": connected to session %s\n\n", sessionID)
	flusher.Flush()

	// Replay backlog since lastID (best-effort)
	if lastID > 0 {
		for _, ev := range h.mgr.ReplaySince(sessionID, lastID) {
			if filtered(typeFilter, ev.Type) {
				continue
			}
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("session_id", sessionID))
			return
		case evt := <-ch:
			if filtered(typeFilter, evt.Type) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			// Keeps connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
