package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/tasks"
)

type createTaskRequest struct {
	Source string `json:"source"`
	tasks.CreateRequest
}

type completeTaskRequest struct {
	Result  string `json:"result"`
	Outcome string `json:"outcome"`
}

type markSentRequest struct {
	Method   string `json:"method"`
	Response string `json:"response"`
}

type acceptTaskResponse struct {
	Task   domain.Task `json:"task"`
	Prompt string      `json:"prompt"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	task, err := s.svc.CreateTask(r.Context(), req.Source, req.CreateRequest)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCreateAndDispatch(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return
	}
	res, err := s.svc.CreateAndDispatch(r.Context(), req.Source, req.CreateRequest)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tasks.ListFilter{Target: q.Get("target")}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := domain.ParseTaskStatus(part)
			if !ok {
				respondError(w, http.StatusBadRequest, string(domain.KindValidation), "unknown status "+strconv.Quote(part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, string(domain.KindValidation), "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	list, err := s.svc.ListTasks(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.PendingTasks(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleTasksAwaitingApproval(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.TasksAwaitingApproval(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ReadyTasks(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.ApproveTask(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.CancelTask(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req completeTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.svc.CompleteTask(r.Context(), id, req.Result, req.Outcome); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskNotified(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.MarkTaskNotified(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, prompt, err := s.svc.AcceptTask(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acceptTaskResponse{Task: task, Prompt: prompt})
}

func (s *Server) handleTaskSent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req markSentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	method := domain.DeliveryManual
	if strings.TrimSpace(req.Method) != "" {
		parsed, known := domain.ParseDeliveryMethod(req.Method)
		if !known {
			respondError(w, http.StatusBadRequest, string(domain.KindValidation), "unknown delivery method "+strconv.Quote(req.Method))
			return
		}
		method = parsed
	}
	if _, err := s.svc.MarkTaskSent(r.Context(), id, method, req.Response); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
