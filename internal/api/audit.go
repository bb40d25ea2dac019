package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/routine-core/internal/audit"
)

// auditWriteTimeout bounds recording one entry. A slow disk must not hold
// up a stop request.
const auditWriteTimeout = 2 * time.Second

// record stores a control request in the audit trail. Failures are logged
// and never change the response.
func (s *Server) record(r *http.Request, e audit.Entry, err error) {
	if s.audit == nil {
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		e.Subject = claims.Subject
		e.Role = string(claims.Role)
	}
	e.Outcome = audit.OutcomeAccepted
	if err != nil {
		e.Outcome = audit.OutcomeRejected
		e.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditWriteTimeout)
	defer cancel()
	if recErr := s.audit.Record(ctx, &e); recErr != nil {
		s.logger.Warn("failed to record audit entry", "action", e.Action, "error", recErr)
	}
}

// handleListAudit returns recorded control requests, newest first.
//
// Query parameters:
//   - action: start, pause, resume or stop
//   - subject: token subject
//   - run_id: run the request applied to
//   - limit: page size (default 50, max 200)
//   - offset: entries to skip
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeNotImplemented, "audit trail not configured")
		return
	}

	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	res, err := s.audit.List(r.Context(), audit.Filter{
		Action:  q.Get("action"),
		Subject: q.Get("subject"),
		RunID:   q.Get("run_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
