package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
	"github.com/antoniostano/handoff/internal/recovery"
)

type startActivityRequest struct {
	Agent  string `json:"agent"`
	TaskID *int64 `json:"task_id"`
}

var orphanResolutions = map[string]recovery.Resolution{
	"complete": recovery.ResolutionCompleted,
	"reset":    recovery.ResolutionReset,
	"ignore":   recovery.ResolutionIgnored,
}

func (s *Server) handleStartActivity(w http.ResponseWriter, r *http.Request) {
	var req startActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	a, err := s.svc.StartActivity(r.Context(), req.Agent, req.TaskID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.ActivityFilter{Agent: domain.NormalizeAgentName(q.Get("agent"))}
	switch status := domain.ActivityStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))); status {
	case "":
	case domain.ActivityInProgress, domain.ActivityCompleted:
		filter.Status = status
	default:
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), "status must be in_progress or completed")
		return
	}
	list, err := s.svc.ListActivity(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"activity": list})
}

func (s *Server) handleFinishActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.FinishActivity(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	minAge, err := queryDuration(r, "min_age")
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	list, err := s.svc.FindOrphans(r.Context(), minAge)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"orphans": list})
}

func (s *Server) handleResolveOrphan(w http.ResponseWriter, r *http.Request) {
	resolution, known := orphanResolutions[strings.ToLower(chi.URLParam(r, "resolution"))]
	if !known {
		respondError(w, http.StatusNotFound, string(domain.KindNotFound), "unknown orphan resolution")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, _, err := s.svc.ResolveOrphan(r.Context(), id, resolution); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
