// Package orchestrator wires the queue, hub, gateway, activity tracker and recovery
// service over one store and exposes them as a single service to the transports.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/handoff/internal/activity"
	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/dispatch"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/messages"
	"github.com/antoniostano/handoff/internal/notify"
	"github.com/antoniostano/handoff/internal/observability"
	"github.com/antoniostano/handoff/internal/persistence"
	"github.com/antoniostano/handoff/internal/recovery"
	"github.com/antoniostano/handoff/internal/tasks"
)

type Config struct {
	// StoreTimeout bounds every call's store work. Zero means 5s.
	StoreTimeout time.Duration
	// DisableAutoChain stops CompleteTask from dispatching the target's next task.
	DisableAutoChain bool
	Prompts          tasks.PromptSource
	Logger           *slog.Logger
	Metrics          *observability.Metrics
	Tracer           trace.Tracer
}

type Service struct {
	store        persistence.Store
	storeTimeout time.Duration
	autoChain    bool

	registry *agents.Registry
	locks    *agents.Locks
	queue    *tasks.Queue
	hub      *messages.Hub
	gateway  *dispatch.Gateway
	tracker  *activity.Tracker
	recovery *recovery.Service
	events   *notify.Broadcaster

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func New(store persistence.Store, cfg Config) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	logger := observability.OrDefault(cfg.Logger)
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}

	locks := agents.NewLocks()
	queue := tasks.NewQueue(store, locks, tasks.NewPrompts(cfg.Prompts))
	s := &Service{
		store:        store,
		storeTimeout: cfg.StoreTimeout,
		autoChain:    !cfg.DisableAutoChain,
		registry:     agents.NewRegistry(store),
		locks:        locks,
		queue:        queue,
		hub:          messages.NewHub(store),
		tracker:      activity.NewTracker(store),
		recovery:     recovery.NewService(store),
		events:       notify.NewBroadcaster(),
		logger:       logger,
		metrics:      cfg.Metrics,
		tracer:       tracer,
	}
	s.gateway = dispatch.NewGateway(store, queue,
		dispatch.WithMetrics(cfg.Metrics),
		dispatch.WithTracer(tracer),
		dispatch.WithLogger(logger),
	)

	queue.SetHooks(tasks.Hooks{
		OnCreated: func(task domain.Task) {
			s.metrics.ObserveTaskCreated()
			s.events.Publish(notify.TaskCreated(task))
		},
		OnTransition: func(task domain.Task, op domain.TaskOp) {
			s.metrics.ObserveTransition(string(op))
			s.events.Publish(notify.TaskTransition(task, op))
		},
		OnDelivery: func(d domain.Delivery) {
			s.metrics.ObserveDelivery(string(d.Method), "recorded")
		},
	})
	s.hub.SetMessageHook(func(msg domain.Message) {
		s.metrics.ObserveMessage(string(msg.Status))
		s.events.Publish(notify.MessageEvent(msg))
	})
	s.recovery.SetResetHook(func(task domain.Task) {
		queue.Transitioned(task, domain.TaskOpReset)
	})
	s.events.SetSubscriberHook(s.metrics.SetSubscribers)
	return s
}

// Components for the distribution loop and the CLI.

func (s *Service) Queue() *tasks.Queue             { return s.queue }
func (s *Service) Hub() *messages.Hub              { return s.hub }
func (s *Service) Events() *notify.Broadcaster     { return s.events }
func (s *Service) Store() persistence.Store        { return s.store }
func (s *Service) Metrics() *observability.Metrics { return s.metrics }
func (s *Service) StoreMode() string               { return s.store.Mode() }
func (s *Service) Subscribe(agent string) (<-chan notify.Event, func()) {
	return s.events.Subscribe(agent)
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Ping reports whether the store answers.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.Ping(ctx)
}

func (s *Service) Latency() observability.LatencySnapshot {
	return s.metrics.SnapshotLatency()
}

// Messages

func (s *Service) SendMessage(ctx context.Context, req messages.SendRequest) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.Send(ctx, req)
}

func (s *Service) PendingMessages(ctx context.Context, agent string) ([]domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.Pending(ctx, agent)
}

func (s *Service) MessageQueue(ctx context.Context) ([]domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.Queue(ctx)
}

func (s *Service) MessagesAwaitingApproval(ctx context.Context) ([]domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.AwaitingApproval(ctx)
}

func (s *Service) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.Get(ctx, id)
}

// MessageOp applies one acknowledgement or approval transition to a message.
func (s *Service) MessageOp(ctx context.Context, id int64, op domain.MessageOp) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	switch op {
	case domain.MessageOpApprove:
		return s.hub.Approve(ctx, id)
	case domain.MessageOpCancel:
		return s.hub.Cancel(ctx, id)
	case domain.MessageOpDeliver:
		return s.hub.MarkDelivered(ctx, id)
	case domain.MessageOpProcess:
		return s.hub.MarkProcessed(ctx, id)
	default:
		return domain.Message{}, fmt.Errorf("%w: unknown message operation %q", domain.ErrValidation, op)
	}
}

// Narration

func (s *Service) StartNarration(ctx context.Context, source, content, target, sessionID string) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.StartTask(ctx, source, content, target, sessionID)
}

func (s *Service) NarrateProgress(ctx context.Context, startID int64, content string) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.SendProgress(ctx, startID, content)
}

func (s *Service) CompleteNarration(ctx context.Context, startID int64, summary string) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.CompleteTask(ctx, startID, summary)
}

func (s *Service) ActiveNarrations(ctx context.Context, source string) ([]domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.ActiveTasks(ctx, source)
}

func (s *Service) NarrationHistory(ctx context.Context, startID int64) (messages.Thread, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.hub.TaskHistory(ctx, startID)
}

// Tasks

func (s *Service) CreateTask(ctx context.Context, source string, req tasks.CreateRequest) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	task, err := s.queue.Create(ctx, source, req)
	if err != nil {
		return domain.Task{}, err
	}
	s.logger.Info("task created", "task_id", task.ID, "agent", task.TargetAgent, "requires_approval", task.RequiresApproval)
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, filter tasks.ListFilter) ([]domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.List(ctx, filter)
}

func (s *Service) PendingTasks(ctx context.Context) ([]domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.Pending(ctx)
}

func (s *Service) TasksAwaitingApproval(ctx context.Context) ([]domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.AwaitingApproval(ctx)
}

func (s *Service) ReadyTasks(ctx context.Context) ([]domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.ReadyToSend(ctx)
}

func (s *Service) GetTask(ctx context.Context, id int64) (tasks.Detail, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.Get(ctx, id)
}

func (s *Service) ApproveTask(ctx context.Context, id int64) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.Approve(ctx, id)
}

func (s *Service) CancelTask(ctx context.Context, id int64) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	task, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	s.closeNarration(ctx, task, "cancelled")
	return task, nil
}

func (s *Service) MarkTaskNotified(ctx context.Context, id int64) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.MarkNotified(ctx, id)
}

func (s *Service) MarkTaskSent(ctx context.Context, id int64, method domain.DeliveryMethod, response string) (domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if method == "" {
		method = domain.DeliveryManual
	}
	return s.queue.MarkSent(ctx, id, method, response)
}

// AcceptTask is a pull agent taking the task it was notified about.
func (s *Service) AcceptTask(ctx context.Context, id int64) (task domain.Task, prompt string, err error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "tasks.accept", trace.WithAttributes(attribute.Int64("task_id", id)))
	defer func() {
		observability.EndSpan(span, err, attribute.String("agent", task.TargetAgent))
		if err == nil {
			s.metrics.ObserveStage(observability.StageAccept, time.Since(start))
		}
	}()
	return s.queue.Accept(ctx, id)
}

// CompleteResult is a completed task and, when auto-chaining found one, the dispatch
// of the target's next task.
type CompleteResult struct {
	Task domain.Task      `json:"task"`
	Next *dispatch.Result `json:"next,omitempty"`
}

// CompleteTask closes a sent task. The freed target is then offered its next ready
// task; that attempt never fails the completion.
func (s *Service) CompleteTask(ctx context.Context, id int64, result, outcome string) (CompleteResult, error) {
	bounded, cancel := s.bound(ctx)
	task, err := s.queue.Complete(bounded, id, result, outcome)
	if err == nil {
		summary := task.Result
		if summary == "" {
			summary = string(task.Outcome)
		}
		s.closeNarration(bounded, task, summary)
	}
	cancel()
	if err != nil {
		return CompleteResult{}, err
	}
	out := CompleteResult{Task: task}
	if !s.autoChain {
		return out, nil
	}
	next, err := s.Dispatch(ctx, task.TargetAgent, "")
	if err != nil {
		s.logger.Warn("auto-chain dispatch failed", "task_id", task.ID, "agent", task.TargetAgent, "error", err)
		return out, nil
	}
	if next.Dispatched() {
		out.Next = &next
	}
	return out, nil
}

// closeNarration ends the push thread announced for task, if one is still open, so it
// leaves the active list. Failures are logged only.
func (s *Service) closeNarration(ctx context.Context, task domain.Task, summary string) {
	start, err := s.hub.OpenThread(ctx, tasks.NarrationSession(task.ID))
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err == nil {
		_, err = s.hub.CompleteTask(ctx, start.ID, summary)
	}
	if err != nil {
		s.logger.Warn("close task narration failed", "task_id", task.ID, "error", err)
	}
}

// Agents

func (s *Service) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.registry.List(ctx)
}

func (s *Service) SetAgentActive(ctx context.Context, name string, active bool) (domain.Agent, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.registry.SetActive(ctx, name, active)
}

// EnsureAgent registers name, or relabels it when label is set.
func (s *Service) EnsureAgent(ctx context.Context, name, label string) (domain.Agent, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.registry.Ensure(ctx, name, label)
}

func (s *Service) AgentIdle(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queue.IsAgentIdle(ctx, name)
}

// Dispatch hands target its oldest ready task (or the one carrying reference) if the
// target is idle. A busy target is a result, not an error.
func (s *Service) Dispatch(ctx context.Context, target, reference string) (dispatch.Result, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.gateway.Dispatch(ctx, target, reference)
}

func (s *Service) CreateAndDispatch(ctx context.Context, source string, req tasks.CreateRequest) (dispatch.Result, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.gateway.CreateAndDispatch(ctx, source, req)
}

// Activity

func (s *Service) StartActivity(ctx context.Context, agent string, taskID *int64) (domain.Activity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.tracker.Start(ctx, agent, taskID)
}

func (s *Service) FinishActivity(ctx context.Context, id int64) (domain.Activity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.tracker.Finish(ctx, id, string(recovery.ResolutionCompleted))
}

func (s *Service) FinishAgentActivity(ctx context.Context, agent string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.tracker.FinishAgent(ctx, agent)
}

func (s *Service) ListActivity(ctx context.Context, filter persistence.ActivityFilter) ([]domain.Activity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.tracker.List(ctx, filter)
}

// Orphans

func (s *Service) FindOrphans(ctx context.Context, minAge time.Duration) ([]recovery.Orphan, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.recovery.FindOrphaned(ctx, minAge)
}

// ResolveOrphan closes an orphaned activity record with resolution. Reset also returns
// the linked task to pending and reports it.
func (s *Service) ResolveOrphan(ctx context.Context, id int64, resolution recovery.Resolution) (domain.Activity, *domain.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		a    domain.Activity
		task *domain.Task
		err  error
	)
	switch resolution {
	case recovery.ResolutionReset:
		a, task, err = s.recovery.Reset(ctx, id)
	case recovery.ResolutionIgnored:
		a, err = s.recovery.Ignore(ctx, id)
	default:
		resolution = recovery.ResolutionCompleted
		a, err = s.recovery.MarkCompleted(ctx, id)
	}
	if err != nil {
		return domain.Activity{}, nil, err
	}
	s.metrics.ObserveOrphan(string(resolution))
	s.logger.Info("orphaned activity resolved", "activity_id", a.ID, "agent", a.Agent, "resolution", resolution)
	return a, task, nil
}
