package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/observability"
	"github.com/antoniostano/handoff/internal/persistence"
	"github.com/antoniostano/handoff/internal/tasks"
)

type Kind string

const (
	KindDispatched     Kind = "dispatched"
	KindAgentBusy      Kind = "agent_busy"
	KindNoPendingTasks Kind = "no_pending_tasks"
	KindTaskNotFound   Kind = "task_not_found"
)

type Result struct {
	Kind      Kind   `json:"kind"`
	Agent     string `json:"agent"`
	TaskID    int64  `json:"task_id,omitempty"`
	Reference string `json:"reference,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	// Created is set by CreateAndDispatch when the task did not exist before.
	Created bool `json:"created,omitempty"`
}

var errInvalidTarget = fmt.Errorf("%w: target agent is required", domain.ErrValidation)

func (r Result) Dispatched() bool { return r.Kind == KindDispatched }

// Gateway is the one place a task is handed to an agent on demand. It holds the agent's
// lock across the idle check and the write so two callers can never both see the agent
// idle and both hand it work.
type Gateway struct {
	store   persistence.Store
	queue   *tasks.Queue
	locks   *agents.Locks
	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Gateway)

func WithMetrics(m *observability.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(g *Gateway) { g.tracer = t } }

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

func NewGateway(store persistence.Store, queue *tasks.Queue, opts ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		queue:  queue,
		locks:  queue.Locks(),
		tracer: observability.Tracer(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = observability.OrDefault(g.logger)
	return g
}

// Dispatch hands target its oldest eligible task, or the oldest one carrying reference
// when reference is set. reference may be an issue URL, "#42" or a bare number. A busy
// agent is reported before any task lookup.
func (g *Gateway) Dispatch(ctx context.Context, target, reference string) (Result, error) {
	target = domain.NormalizeAgentName(target)
	reference = domain.NormalizeReference(reference)
	if target == "" {
		return Result{}, errInvalidTarget
	}
	unlock := g.locks.Lock(target)
	defer unlock()
	return g.dispatchHeld(ctx, target, reference)
}

// CreateAndDispatch reuses the open task for (target, reference) or creates it, then
// dispatches it.
func (g *Gateway) CreateAndDispatch(ctx context.Context, source string, req tasks.CreateRequest) (Result, error) {
	target := domain.NormalizeAgentName(req.Target)
	if target == "" {
		return Result{}, errInvalidTarget
	}
	unlock := g.locks.Lock(target)
	defer unlock()

	task, created, err := g.queue.Upsert(ctx, source, req)
	if err != nil {
		return Result{}, err
	}
	res, err := g.dispatchHeld(ctx, task.TargetAgent, task.Reference)
	if err != nil {
		return Result{}, err
	}
	res.Created = created
	if !res.Dispatched() {
		res.TaskID = task.ID
		res.Reference = task.Reference
		res.Summary = task.Summary
	}
	return res, nil
}

func (g *Gateway) dispatchHeld(ctx context.Context, target, reference string) (res Result, err error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("agent", target), attribute.String("reference", reference)))
	defer func() {
		observability.EndSpan(span, err, attribute.String("result", string(res.Kind)), attribute.Int64("task_id", res.TaskID))
		if err == nil {
			g.metrics.ObserveDispatch(string(res.Kind))
			g.metrics.ObserveStage(observability.StageDispatch, time.Since(start))
		}
	}()

	res = Result{Agent: target}
	var (
		sent     domain.Task
		delivery domain.Delivery
	)
	err = g.store.Update(ctx, func(tx persistence.Tx) error {
		idle, err := agents.IsIdleTx(ctx, tx, target)
		if err != nil {
			return err
		}
		if !idle {
			res.Kind = KindAgentBusy
			return nil
		}
		// Unknown and deactivated agents have nothing to take.
		agent, err := tx.AgentByName(ctx, target)
		if errors.Is(err, domain.ErrNotFound) {
			res.Kind = KindNoPendingTasks
			return nil
		}
		if err != nil {
			return err
		}
		if !agent.Active {
			res.Kind = KindNoPendingTasks
			return nil
		}

		candidates, err := tx.ListTasks(ctx, persistence.TaskFilter{
			TargetAgent: target,
			Reference:   reference,
			Statuses:    []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusApproved},
		})
		if err != nil {
			return err
		}
		var pick *domain.Task
		for i := range candidates {
			if candidates[i].Ready() {
				pick = &candidates[i]
				break
			}
		}
		if pick == nil {
			if reference != "" {
				res.Kind = KindTaskNotFound
			} else {
				res.Kind = KindNoPendingTasks
			}
			return nil
		}

		sent, delivery, err = tasks.SendTx(ctx, tx, *pick, domain.TaskOpDispatch, domain.DeliveryDispatch, "", g.now())
		if err != nil {
			return err
		}
		res.Kind = KindDispatched
		res.TaskID = sent.ID
		res.Reference = sent.Reference
		res.Summary = sent.Summary
		res.Prompt, err = g.queue.Prompts().Render(sent)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Dispatched() {
		g.queue.Transitioned(sent, domain.TaskOpDispatch)
		g.queue.Delivered(delivery)
		g.logger.Info("task dispatched", "agent", target, "task_id", sent.ID, "reference", sent.Reference)
	} else {
		g.logger.Debug("dispatch skipped", "agent", target, "result", string(res.Kind))
	}
	return res, nil
}
