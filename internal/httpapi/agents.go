package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/handoff/internal/domain"
)

type dispatchRequest struct {
	Reference string `json:"reference"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListAgents(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleAgentIdle(w http.ResponseWriter, r *http.Request) {
	name := domain.NormalizeAgentName(chi.URLParam(r, "name"))
	idle, err := s.svc.AgentIdle(r.Context(), name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent": name, "idle": idle})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.svc.Dispatch(r.Context(), chi.URLParam(r, "name"), req.Reference)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetAgentActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	if req.Active == nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), "active is required")
		return
	}
	agent, err := s.svc.SetAgentActive(r.Context(), chi.URLParam(r, "name"), *req.Active)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleFinishAgentActivity(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.FinishAgentActivity(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
