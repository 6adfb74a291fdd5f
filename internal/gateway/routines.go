package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/pkg/models"
)

type createRoutineRequest struct {
	Name      string            `json:"name"`
	Schedule  string            `json:"schedule"`
	Timezone  string            `json:"timezone"`
	Steps     []models.ToolStep `json:"steps"`
	Summarize bool              `json:"summarize"`
	Enabled   *bool             `json:"enabled"`
}

type updateRoutineRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) routinesAvailable(w http.ResponseWriter) bool {
	if s.routines == nil {
		writeError(w, http.StatusNotFound, "routines are disabled")
		return false
	}
	return true
}

// routineError maps service errors onto HTTP statuses.
func (s *Server) routineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, routines.ErrNotFound):
		writeError(w, http.StatusNotFound, "routine not found")
	case errors.Is(err, routines.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("routine request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "routine request failed")
	}
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request, callerID string) {
	if !s.routinesAvailable(w) {
		return
	}
	list, err := s.routines.ListRoutines(r.Context(), callerID)
	if err != nil {
		s.routineError(w, "list", err)
		return
	}
	if list == nil {
		list = []*models.Routine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routines": list})
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request, callerID string) {
	if !s.routinesAvailable(w) {
		return
	}
	var req createRoutineRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	created, err := s.routines.CreateRoutine(r.Context(), &models.Routine{
		CallerID:  callerID,
		Name:      req.Name,
		Schedule:  req.Schedule,
		Timezone:  req.Timezone,
		Steps:     req.Steps,
		Summarize: req.Summarize,
		Enabled:   enabled,
	})
	if err != nil {
		s.routineError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request, callerID string) {
	if !s.routinesAvailable(w) {
		return
	}
	routine, err := s.routines.GetRoutine(r.Context(), callerID, r.PathValue("id"))
	if err != nil {
		s.routineError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handleUpdateRoutine(w http.ResponseWriter, r *http.Request, callerID string) {
	if !s.routinesAvailable(w) {
		return
	}
	var req updateRoutineRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	routine, err := s.routines.SetEnabled(r.Context(), callerID, r.PathValue("id"), *req.Enabled)
	if err != nil {
		s.routineError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request, callerID string) {
	if !s.routinesAvailable(w) {
		return
	}
	if err := s.routines.DeleteRoutine(r.Context(), callerID, r.PathValue("id")); err != nil {
		s.routineError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoutineExecutions(w http.ResponseWriter, r *http.Request, callerID string) {
	if !s.routinesAvailable(w) {
		return
	}
	execs, err := s.routines.Executions(r.Context(), callerID, r.PathValue("id"), queryInt(r, "limit", 20))
	if err != nil {
		s.routineError(w, "executions", err)
		return
	}
	if execs == nil {
		execs = []*models.RoutineExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// handleTick runs every due routine once. It is called by an external cron
// and authenticated with a shared secret rather than a caller identity.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil || s.cfg.RoutineSecret == "" {
		writeError(w, http.StatusNotFound, "routine trigger disabled")
		return
	}
	given := r.Header.Get(routineSecretHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.RoutineSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid routine secret")
		return
	}
	report, err := s.ticker.Tick(r.Context())
	if err != nil {
		s.logger.Error("routine tick failed", "error", err)
		writeError(w, http.StatusInternalServerError, "routine tick failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
