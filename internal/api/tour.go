package api

import (
	"net/http"

	"github.com/nugget/docent/internal/breakpoint"
)

func (s *Server) handleTourMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.orch.Planner.Meta(), s.logger)
}

func (s *Server) handleTourPlan(w http.ResponseWriter, r *http.Request) {
	duration, err := intParam(r, "duration_s", 300)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	plan := s.orch.Planner.MakePlan(q.Get("zone"), q.Get("profile"), int(duration))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, plan, s.logger)
}

func (s *Server) breakpoints(w http.ResponseWriter) (breakpoint.Store, bool) {
	if s.orch.Breakpoints == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "breakpoint store not configured")
		return nil, false
	}
	return s.orch.Breakpoints, true
}

func (s *Server) handleBreakpointGet(w http.ResponseWriter, r *http.Request) {
	store, ok := s.breakpoints(w)
	if !ok {
		return
	}
	rec, err := store.Get(r.Context(), r.PathValue("kind"), r.PathValue("clientId"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	if rec == nil {
		s.errorResponse(w, http.StatusNotFound, "no breakpoint")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleBreakpointDelete(w http.ResponseWriter, r *http.Request) {
	store, ok := s.breakpoints(w)
	if !ok {
		return
	}
	existed, err := store.Clear(r.Context(), r.PathValue("kind"), r.PathValue("clientId"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"cleared": existed}, s.logger)
}
