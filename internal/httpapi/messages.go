package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/messages"
)

var messageOps = map[string]domain.MessageOp{
	"approve":   domain.MessageOpApprove,
	"cancel":    domain.MessageOpCancel,
	"delivered": domain.MessageOpDeliver,
	"processed": domain.MessageOpProcess,
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messages.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	msg, err := s.svc.SendMessage(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.PendingMessages(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": list})
}

func (s *Server) handleMessageQueue(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.MessageQueue(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": list})
}

func (s *Server) handleMessagesAwaitingApproval(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.MessagesAwaitingApproval(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": list})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msg, err := s.svc.GetMessage(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMessageOp(w http.ResponseWriter, r *http.Request) {
	op, known := messageOps[strings.ToLower(chi.URLParam(r, "op"))]
	if !known {
		respondError(w, http.StatusNotFound, string(domain.KindNotFound), "unknown message operation")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.MessageOp(r.Context(), id, op); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startNarrationRequest struct {
	Source    string `json:"source"`
	Content   string `json:"content"`
	Target    string `json:"target"`
	SessionID string `json:"session_id"`
}

type narrationRequest struct {
	Content string `json:"content"`
	Summary string `json:"summary"`
}

func (s *Server) handleStartNarration(w http.ResponseWriter, r *http.Request) {
	var req startNarrationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	msg, err := s.svc.StartNarration(r.Context(), req.Source, req.Content, req.Target, req.SessionID)
	if err != nil {
		if open, ok := messages.OpenThreadOf(err); ok {
			respondJSON(w, http.StatusConflict, map[string]any{
				"error":         err.Error(),
				"code":          string(domain.KindConflict),
				"open_start_id": open.ID,
			})
			return
		}
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleNarrationProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req narrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.svc.NarrateProgress(r.Context(), id, req.Content)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleCompleteNarration(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req narrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	summary := req.Summary
	if strings.TrimSpace(summary) == "" {
		summary = req.Content
	}
	msg, err := s.svc.CompleteNarration(r.Context(), id, summary)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleActiveNarrations(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ActiveNarrations(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": list})
}

func (s *Server) handleNarrationHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	thread, err := s.svc.NarrationHistory(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"start":     thread.Start,
		"children":  thread.Children,
		"completed": thread.Completed(),
	})
}
