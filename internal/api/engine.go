package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/routine-core/internal/audit"
	"github.com/nerrad567/routine-core/internal/engine"
)

// controlTimeout bounds pause, resume and stop requests. A routine's
// callbacks have their own timeout inside the engine; this only stops the
// HTTP request hanging on a wedged run.
const controlTimeout = 30 * time.Second

// defaultLogLimit is the number of log lines returned when no limit is given.
const defaultLogLimit = 100

// engineStatusResponse is the body of GET /engine.
type engineStatusResponse struct {
	engine.Status
	Logs []engine.LogEntry `json:"logs"`
}

// handleEngineStatus returns the engine state, the active run and the most
// recent log lines.
func (s *Server) handleEngineStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, engineStatusResponse{
		Status: s.engine.Status(),
		Logs:   s.engine.RecentLogs(defaultLogLimit),
	})
}

// handleEngineLogs returns recent log lines.
//
// Query parameters:
//   - limit: maximum number of lines (default 100, 0 for everything kept)
func (s *Server) handleEngineLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultLogLimit)
	if !ok {
		return
	}
	logs := s.engine.RecentLogs(limit)
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, audit.ActionPause, s.engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, audit.ActionResume, s.engine.Resume)
}

// handleStop ends the active run. Stopping an idle engine succeeds.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, audit.ActionStop, s.engine.Stop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	entry := audit.Entry{Action: op}
	if run := s.engine.Status().Run; run != nil {
		entry.RoutineID = run.RoutineID
		entry.RunID = run.ID
	}
	err := fn(ctx)
	s.record(r, entry, err)
	if err != nil {
		s.logger.Info("engine control rejected", "op", op, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// queryLimit parses the limit query parameter. It writes a 400 and returns
// false when the value is not a non-negative integer.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
