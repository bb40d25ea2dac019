package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/routine-core/internal/audit"
)

// startRequest is the optional body of POST /routines/{id}/start.
type startRequest struct {
	Params map[string]any `json:"params"`
}

// handleListRoutines returns the catalog.
func (s *Server) handleListRoutines(w http.ResponseWriter, _ *http.Request) {
	routines := s.catalog.List()
	writeJSON(w, http.StatusOK, map[string]any{"routines": routines, "count": len(routines)})
}

// handleGetRoutine returns one routine's metadata, including its parameter
// specs and device requirements.
func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	info, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleStartRoutine loads a routine and starts it with the given parameter
// overrides. It responds once the routine is running.
func (s *Server) handleStartRoutine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req startRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	caller := ""
	if claims := claimsFromContext(r.Context()); claims != nil {
		caller = claims.Subject
	}

	run, err := s.engine.LoadAndStartID(r.Context(), id, req.Params)
	entry := audit.Entry{Action: audit.ActionStart, RoutineID: id, RunID: run.ID}
	if len(req.Params) > 0 {
		entry.Details = map[string]any{"params": req.Params}
	}
	s.record(r, entry, err)
	if err != nil {
		s.logger.Info("routine start rejected", "routine_id", id, "caller", caller, "error", err)
		writeDomainError(w, err)
		return
	}

	s.logger.Info("routine started", "routine_id", id, "run_id", run.ID, "caller", caller)
	writeJSON(w, http.StatusCreated, run)
}
