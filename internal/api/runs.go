package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// defaultRunLimit is the number of runs returned when no limit is given.
const defaultRunLimit = 50

// handleListRuns returns recorded runs, newest first.
//
// Query parameters:
//   - limit: maximum number of runs (default 50, 0 for all)
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultRunLimit)
	if !ok {
		return
	}

	runs, err := s.engine.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
