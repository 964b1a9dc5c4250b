package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/run"
	"github.com/teranos/relay/run/stream"
	"github.com/teranos/relay/version"
)

// HandleTrigger admits a trigger (POST /api/triggers). The admission
// outcome is always reported synchronously: 202 for admitted, 200 for
// duplicates resolving to an existing execution, 429/503 for rejections.
func (s *RelayServer) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var trigger run.Trigger
	if err := readJSON(w, r, &trigger); err != nil {
		return
	}

	result, err := s.coordinator.Admit(trigger)
	if err != nil {
		// Engine-side faults (ledger, persistence) are not the caller's
		// doing; only validation and render errors come back as 400.
		if errors.Is(err, run.ErrInternal) {
			s.logger.Errorw("Trigger admission failed",
				"trigger_id", trigger.ID,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "admission failed")
			return
		}
		s.logger.Warnw("Trigger admission error",
			"trigger_id", trigger.ID,
			"error", err,
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case result.Duplicate:
		writeJSON(w, http.StatusOK, result)
	case result.Rejected && result.Reason == run.RejectRateLimited:
		writeJSON(w, http.StatusTooManyRequests, result)
	case result.Rejected:
		writeJSON(w, http.StatusServiceUnavailable, result)
	default:
		writeJSON(w, http.StatusAccepted, result)
	}
}

// HandleExecutions lists executions (GET /api/executions), optionally
// filtered with ?status= and bounded with ?limit= (default 50).
func (s *RelayServer) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	var status *run.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !run.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		st := run.Status(raw)
		status = &st
	}

	executions, err := s.store.ListExecutions(status, limit)
	if err != nil {
		s.logger.Errorw("Failed to list executions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// HandleExecution serves one execution (GET /api/executions/{id}) and
// abort requests (POST /api/executions/{id}/abort).
func (s *RelayServer) HandleExecution(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/executions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "execution ID required")
		return
	}
	id := parts[0]

	if len(parts) >= 2 && parts[1] == "abort" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.coordinator.Abort(id); err != nil {
			if errors.Is(err, run.ErrNotFound) {
				writeError(w, http.StatusNotFound, "execution not running")
				return
			}
			s.logger.Errorw("Abort failed", "execution_id", shortID(id), "error", err)
			writeError(w, http.StatusInternalServerError, "abort failed")
			return
		}
		s.logger.Infow("Execution abort requested", "execution_id", shortID(id))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	execution, err := s.coordinator.Get(id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Errorw("Failed to get execution", "execution_id", shortID(id), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	writeJSON(w, http.StatusOK, execution)
}

// HandleStatus reports engine statistics and host metrics (GET /api/status)
func (s *RelayServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.coordinator.GetStats()
	if err != nil {
		s.logger.Errorw("Failed to collect stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}

	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    version.Get(),
		"engine":     stats,
		"system":     run.CollectSystemMetrics(),
		"ws_clients": clients,
	})
}

// HandleHealth is the liveness endpoint
func (s *RelayServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleExecutionStream attaches a WebSocket to an execution's live log
// stream (GET /ws/executions/{id}?from_seq=N). Lines with sequence
// numbers greater than from_seq are replayed before live delivery, so a
// reconnecting client passes its last-seen seq and never misses or
// repeats a line (a gap event flags lines lost to buffer eviction).
func (s *RelayServer) HandleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/executions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "execution ID required")
		return
	}

	var fromSeq uint64
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed",
			"execution_id", shortID(id),
			"error", err,
		)
		return
	}

	sub, err := s.hub.Attach(id, fromSeq)
	if errors.Is(err, stream.ErrUnknownStream) {
		// The live stream was already swept; if a persisted record
		// exists the connection still gets a well-formed terminal event
		// before closing, and the full logs stay available over HTTP.
		s.serveSweptStream(conn, id)
		return
	}
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		conn.Close()
		return
	}

	client := newClient(s, conn, sub, id)
	if !s.registerClient(client) {
		s.hub.Detach(sub)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
		conn.Close()
		return
	}

	s.logger.Debugw("Stream client attached",
		"client_id", client.id,
		"execution_id", shortID(id),
		"from_seq", fromSeq,
	)

	s.wg.Add(2)
	go func() { defer s.wg.Done(); client.writePump() }()
	go func() { defer s.wg.Done(); client.readPump() }()
}

// serveSweptStream answers a stream request for an execution whose live
// buffer is gone. Terminal executions get their final event; unknown
// IDs get an error frame.
func (s *RelayServer) serveSweptStream(conn *websocket.Conn, id string) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeWait))

	execution, err := s.store.GetExecution(id)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": "execution not found"})
		return
	}

	conn.WriteJSON(stream.Event{
		Type:      stream.EventComplete,
		Seq:       execution.Seq,
		Timestamp: time.Now(),
		Status:    string(execution.Status),
	})
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// checkOrigin validates the Origin header against configured allowed
// origins. No configured origins means same-host only; "*" allows all.
func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.Contains(origin, r.Host)
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
