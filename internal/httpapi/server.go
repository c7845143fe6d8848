package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/handoff/internal/config"
	"github.com/antoniostano/handoff/internal/distributor"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/observability"
	"github.com/antoniostano/handoff/internal/orchestrator"
)

// Distributor runs a distribution pass on demand.
type Distributor interface {
	Tick(ctx context.Context) (distributor.Report, error)
}

type Server struct {
	cfg      config.Config
	svc      *orchestrator.Service
	loop     Distributor
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc *orchestrator.Service, loop Distributor, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		loop:    loop,
		metrics: svc.Metrics(),
		logger:  observability.OrDefault(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Agents and CLIs usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", s.handleSendMessage)
			r.Get("/pending", s.handlePendingMessages)
			r.Get("/queue", s.handleMessageQueue)
			r.Get("/awaiting-approval", s.handleMessagesAwaitingApproval)
			r.Get("/{id}", s.handleGetMessage)
			r.Post("/{id}/{op}", s.handleMessageOp)
		})
		r.Route("/narration", func(r chi.Router) {
			r.Post("/", s.handleStartNarration)
			r.Get("/active", s.handleActiveNarrations)
			r.Post("/{id}/progress", s.handleNarrationProgress)
			r.Post("/{id}/complete", s.handleCompleteNarration)
			r.Get("/{id}/history", s.handleNarrationHistory)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/pending", s.handlePendingTasks)
			r.Get("/awaiting-approval", s.handleTasksAwaitingApproval)
			r.Get("/ready", s.handleReadyTasks)
			r.Post("/dispatch", s.handleCreateAndDispatch)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/approve", s.handleApproveTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Post("/{id}/complete", s.handleCompleteTask)
			r.Post("/{id}/notified", s.handleTaskNotified)
			r.Post("/{id}/accept", s.handleAcceptTask)
			r.Post("/{id}/sent", s.handleTaskSent)
		})
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Get("/{name}/idle", s.handleAgentIdle)
			r.Post("/{name}/dispatch", s.handleDispatch)
			r.Post("/{name}/active", s.handleSetAgentActive)
			r.Post("/{name}/activity/finish", s.handleFinishAgentActivity)
		})
		r.Route("/activity", func(r chi.Router) {
			r.Post("/", s.handleStartActivity)
			r.Get("/", s.handleListActivity)
			r.Post("/{id}/complete", s.handleFinishActivity)
		})
		r.Route("/orphans", func(r chi.Router) {
			r.Get("/", s.handleListOrphans)
			r.Post("/{id}/{resolution}", s.handleResolveOrphan)
		})
		r.Post("/distribution/run", s.handleRunDistribution)
		r.Get("/stats/latency", s.handleLatency)
		r.Get("/events/ws", s.handleEventsWS)
	})

	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"store_mode":           s.svc.StoreMode(),
		"distribution_enabled": s.loop != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "unavailable",
			"store_mode": s.svc.StoreMode(),
			"error":      err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.svc.StoreMode(),
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Latency())
}

func (s *Server) handleRunDistribution(w http.ResponseWriter, r *http.Request) {
	if s.loop == nil {
		respondError(w, http.StatusNotImplemented, "distribution_disabled", "distribution loop is disabled")
		return
	}
	report, err := s.loop.Tick(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeBody decodes an optional JSON body; a missing body leaves out untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func statusOf(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindInvalidTransition:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondErr maps a service error to its status. Internal errors are logged and their
// detail is not echoed.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusOf(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", w.Header().Get("X-Request-ID"),
			"error", err,
		)
		msg = "internal error"
	}
	respondError(w, status, string(kind), msg)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, string(domain.KindValidation), fmt.Sprintf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

func queryDuration(r *http.Request, key string) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrValidation, key, err)
	}
	return d, nil
}
