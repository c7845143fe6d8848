package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/handoff/internal/activity"
	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

var (
	openStatuses  = []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusApproved, domain.TaskStatusNotified, domain.TaskStatusSent}
	readyStatuses = []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusApproved}
)

// Queue owns the task status machine. Every transition is one unit of work against
// the store; transitions that hand a task to its target also append a delivery record
// and open an activity so the target reads busy from then on.
type Queue struct {
	store   persistence.Store
	oracle  *agents.Oracle
	locks   *agents.Locks
	prompts *Prompts
	hooks   Hooks
	now     func() time.Time
}

func NewQueue(store persistence.Store, locks *agents.Locks, prompts *Prompts) *Queue {
	if locks == nil {
		locks = agents.NewLocks()
	}
	if prompts == nil {
		prompts = NewPrompts(nil)
	}
	return &Queue{
		store:   store,
		oracle:  agents.NewOracle(store),
		locks:   locks,
		prompts: prompts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetHooks installs observers. Call before the queue is shared.
func (q *Queue) SetHooks(h Hooks) {
	q.hooks = h
}

func (q *Queue) Locks() *agents.Locks {
	return q.locks
}

func (q *Queue) Prompts() *Prompts {
	return q.prompts
}

func (q *Queue) Create(ctx context.Context, source string, req CreateRequest) (domain.Task, error) {
	req = req.normalized()
	if err := validateCreate(source, req); err != nil {
		return domain.Task{}, err
	}
	var task domain.Task
	err := q.store.Update(ctx, func(tx persistence.Tx) error {
		var err error
		task, err = q.createTx(ctx, tx, source, req)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	q.created(task)
	return task, nil
}

// Upsert returns the oldest non-terminal task for (target, reference) or creates one.
// The request must carry a reference.
func (q *Queue) Upsert(ctx context.Context, source string, req CreateRequest) (domain.Task, bool, error) {
	req = req.normalized()
	if err := validateCreate(source, req); err != nil {
		return domain.Task{}, false, err
	}
	ref := req.reference()
	if ref == "" {
		return domain.Task{}, false, fmt.Errorf("%w: issue_number or a reference_url with an issue number is required", domain.ErrValidation)
	}
	var (
		task    domain.Task
		created bool
	)
	err := q.store.Update(ctx, func(tx persistence.Tx) error {
		existing, err := tx.ListTasks(ctx, persistence.TaskFilter{TargetAgent: req.Target, Reference: ref, Statuses: openStatuses, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			task = existing[0]
			return nil
		}
		task, err = q.createTx(ctx, tx, source, req)
		created = err == nil
		return err
	})
	if err != nil {
		return domain.Task{}, false, err
	}
	if created {
		q.created(task)
	}
	return task, created, nil
}

func validateCreate(source string, req CreateRequest) error {
	switch {
	case strings.TrimSpace(source) == "":
		return fmt.Errorf("%w: source agent is required", domain.ErrValidation)
	case req.Target == "":
		return fmt.Errorf("%w: target is required", domain.ErrValidation)
	case req.Summary == "":
		return fmt.Errorf("%w: summary is required", domain.ErrValidation)
	}
	return nil
}

func (q *Queue) createTx(ctx context.Context, tx persistence.Tx, source string, req CreateRequest) (domain.Task, error) {
	src, err := agents.ResolveTx(ctx, tx, source)
	if err != nil {
		return domain.Task{}, err
	}
	target, err := agents.ResolveTx(ctx, tx, req.Target)
	if err != nil {
		return domain.Task{}, err
	}
	now := q.now()
	return tx.InsertTask(ctx, domain.Task{
		SourceAgent:      src.Name,
		TargetAgent:      target.Name,
		Summary:          req.Summary,
		Details:          req.Details,
		Reference:        req.reference(),
		ReferenceURL:     req.ReferenceURL,
		RequiresApproval: req.RequiresApproval,
		Status:           domain.TaskStatusPending,
		SessionID:        req.SessionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}

func (q *Queue) Get(ctx context.Context, id int64) (Detail, error) {
	var out Detail
	err := q.store.View(ctx, func(tx persistence.Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		deliveries, err := tx.ListDeliveries(ctx, id)
		if err != nil {
			return err
		}
		out = Detail{Task: task, Deliveries: deliveries}
		return nil
	})
	return out, err
}

func (q *Queue) List(ctx context.Context, filter ListFilter) ([]domain.Task, error) {
	var out []domain.Task
	err := q.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListTasks(ctx, persistence.TaskFilter{
			TargetAgent: domain.NormalizeAgentName(filter.Target),
			Statuses:    filter.Statuses,
			Limit:       filter.Limit,
		})
		return err
	})
	return out, err
}

// Pending lists tasks not yet handed out, gated ones included.
func (q *Queue) Pending(ctx context.Context) ([]domain.Task, error) {
	return q.List(ctx, ListFilter{Statuses: readyStatuses})
}

func (q *Queue) AwaitingApproval(ctx context.Context) ([]domain.Task, error) {
	pending, err := q.List(ctx, ListFilter{Statuses: []domain.TaskStatus{domain.TaskStatusPending}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(pending))
	for _, t := range pending {
		if t.AwaitingApproval() {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindByReference returns the oldest non-terminal task for target carrying ref, which
// may be given as an issue URL.
func (q *Queue) FindByReference(ctx context.Context, target, ref string) (domain.Task, error) {
	target = domain.NormalizeAgentName(target)
	ref = domain.NormalizeReference(ref)
	var out domain.Task
	err := q.store.View(ctx, func(tx persistence.Tx) error {
		found, err := tx.ListTasks(ctx, persistence.TaskFilter{TargetAgent: target, Reference: ref, Statuses: openStatuses, Limit: 1})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("task for %s with reference %q: %w", target, ref, domain.ErrNotFound)
		}
		out = found[0]
		return nil
	})
	return out, err
}

func (q *Queue) Approve(ctx context.Context, id int64) (domain.Task, error) {
	return q.transition(ctx, id, domain.TaskOpApprove, nil)
}

func (q *Queue) Cancel(ctx context.Context, id int64) (domain.Task, error) {
	return q.transition(ctx, id, domain.TaskOpCancel, nil)
}

// MarkNotified records that the target of a pull task has been told about it.
func (q *Queue) MarkNotified(ctx context.Context, id int64) (domain.Task, error) {
	return q.transition(ctx, id, domain.TaskOpNotify, nil)
}

// Complete closes a sent task. outcome may be empty (completed), failed or blocked.
// Open activity linked to the task is closed in the same unit of work.
func (q *Queue) Complete(ctx context.Context, id int64, result, outcome string) (domain.Task, error) {
	parsed, ok := domain.ParseOutcome(outcome)
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: unknown outcome %q", domain.ErrValidation, outcome)
	}
	result = strings.TrimSpace(result)
	return q.transition(ctx, id, domain.TaskOpComplete, func(ctx context.Context, tx persistence.Tx, task *domain.Task) error {
		task.Result = result
		task.Outcome = parsed
		return activity.CloseTaskTx(ctx, tx, task.ID, string(parsed), q.now())
	})
}

// Accept hands a notified task to its pull agent and returns the rendered prompt.
// A target still working another handed-out task gets a conflict. Open activity not
// linked to a task, such as a launcher's own `activity start`, does not block it.
func (q *Queue) Accept(ctx context.Context, id int64) (domain.Task, string, error) {
	target, err := q.targetOf(ctx, id)
	if err != nil {
		return domain.Task{}, "", err
	}
	unlock := q.locks.Lock(target)
	defer unlock()

	var (
		task     domain.Task
		prompt   string
		delivery domain.Delivery
	)
	err = q.store.Update(ctx, func(tx persistence.Tx) error {
		current, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if _, err := domain.TaskTransition(current, domain.TaskOpAccept); err != nil {
			return err
		}
		if busy, err := workingOnTaskTx(ctx, tx, current.TargetAgent); err != nil {
			return err
		} else if busy {
			return fmt.Errorf("%w: agent '%s' is busy", domain.ErrConflict, current.TargetAgent)
		}
		prompt, err = q.prompts.Render(current)
		if err != nil {
			return err
		}
		task, delivery, err = SendTx(ctx, tx, current, domain.TaskOpAccept, domain.DeliveryPull, "", q.now())
		return err
	})
	if err != nil {
		return domain.Task{}, "", err
	}
	q.transitioned(task, domain.TaskOpAccept)
	q.delivered(delivery)
	return task, prompt, nil
}

func workingOnTaskTx(ctx context.Context, tx persistence.Tx, agent string) (bool, error) {
	open, err := tx.ListActivities(ctx, persistence.ActivityFilter{Agent: agent, Status: domain.ActivityInProgress})
	if err != nil {
		return false, err
	}
	for _, a := range open {
		if a.TaskID != nil {
			return true, nil
		}
	}
	return false, nil
}

// MarkSent records that a task was handed to its target by method.
func (q *Queue) MarkSent(ctx context.Context, id int64, method domain.DeliveryMethod, response string) (domain.Task, error) {
	target, err := q.targetOf(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	unlock := q.locks.Lock(target)
	defer unlock()
	return q.MarkSentHeld(ctx, id, method, response)
}

// MarkSentHeld is MarkSent for a caller already holding the target's lock.
func (q *Queue) MarkSentHeld(ctx context.Context, id int64, method domain.DeliveryMethod, response string) (domain.Task, error) {
	var (
		task     domain.Task
		delivery domain.Delivery
	)
	err := q.store.Update(ctx, func(tx persistence.Tx) error {
		current, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		task, delivery, err = SendTx(ctx, tx, current, domain.TaskOpMarkSent, method, strings.TrimSpace(response), q.now())
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	q.transitioned(task, domain.TaskOpMarkSent)
	q.delivered(delivery)
	return task, nil
}

// ReadyToSend lists approved or ungated pending tasks whose target is active and idle,
// oldest first.
func (q *Queue) ReadyToSend(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	err := q.store.View(ctx, func(tx persistence.Tx) error {
		candidates, err := tx.ListTasks(ctx, persistence.TaskFilter{Statuses: readyStatuses})
		if err != nil {
			return err
		}
		available := make(map[string]bool)
		out = make([]domain.Task, 0, len(candidates))
		for _, t := range candidates {
			if !t.Ready() {
				continue
			}
			ok, seen := available[t.TargetAgent]
			if !seen {
				ok, err = availableTx(ctx, tx, t.TargetAgent)
				if err != nil {
					return err
				}
				available[t.TargetAgent] = ok
			}
			if ok {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func availableTx(ctx context.Context, tx persistence.Tx, name string) (bool, error) {
	agent, err := tx.AgentByName(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !agent.Active {
		return false, nil
	}
	return agents.IsIdleTx(ctx, tx, name)
}

func (q *Queue) IsAgentIdle(ctx context.Context, agent string) (bool, error) {
	return q.oracle.IsIdle(ctx, agent)
}

// Transitioned reports a transition committed outside the queue (dispatch, recovery)
// to the installed hooks.
func (q *Queue) Transitioned(task domain.Task, op domain.TaskOp) {
	q.transitioned(task, op)
}

func (q *Queue) Delivered(d domain.Delivery) {
	q.delivered(d)
}

func (q *Queue) targetOf(ctx context.Context, id int64) (string, error) {
	var target string
	err := q.store.View(ctx, func(tx persistence.Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		target = task.TargetAgent
		return nil
	})
	return target, err
}

type mutateFunc func(ctx context.Context, tx persistence.Tx, task *domain.Task) error

func (q *Queue) transition(ctx context.Context, id int64, op domain.TaskOp, mutate mutateFunc) (domain.Task, error) {
	var task domain.Task
	err := q.store.Update(ctx, func(tx persistence.Tx) error {
		current, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		task, err = ApplyTx(ctx, tx, current, op, q.now(), mutate)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	q.transitioned(task, op)
	return task, nil
}

// ApplyTx validates op against task's status, stamps the matching timestamp and writes
// the task back conditionally on the status it was read with.
func ApplyTx(ctx context.Context, tx persistence.Tx, task domain.Task, op domain.TaskOp, now time.Time, mutate mutateFunc) (domain.Task, error) {
	to, err := domain.TaskTransition(task, op)
	if err != nil {
		return domain.Task{}, err
	}
	prev := task.Status
	task.Status = to
	task.UpdatedAt = now
	switch to {
	case domain.TaskStatusApproved:
		task.ApprovedAt = &now
	case domain.TaskStatusNotified:
		task.NotifiedAt = &now
	case domain.TaskStatusSent:
		task.SentAt = &now
	case domain.TaskStatusCompleted:
		task.CompletedAt = &now
	case domain.TaskStatusCancelled:
		task.CancelledAt = &now
	case domain.TaskStatusPending:
		task.NotifiedAt = nil
		task.SentAt = nil
	}
	if mutate != nil {
		if err := mutate(ctx, tx, &task); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.UpdateTask(ctx, task, prev); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// SendTx moves task into sent through op, appends the delivery record and opens an
// in-progress activity for the target linked to the task.
func SendTx(ctx context.Context, tx persistence.Tx, task domain.Task, op domain.TaskOp, method domain.DeliveryMethod, response string, now time.Time) (domain.Task, domain.Delivery, error) {
	next, err := ApplyTx(ctx, tx, task, op, now, nil)
	if err != nil {
		return domain.Task{}, domain.Delivery{}, err
	}
	delivery, err := tx.InsertDelivery(ctx, domain.Delivery{
		TaskID:      next.ID,
		Agent:       next.TargetAgent,
		Method:      method,
		Response:    response,
		DeliveredAt: now,
	})
	if err != nil {
		return domain.Task{}, domain.Delivery{}, err
	}
	taskID := next.ID
	if _, err := activity.OpenTx(ctx, tx, next.TargetAgent, &taskID, now); err != nil {
		return domain.Task{}, domain.Delivery{}, err
	}
	return next, delivery, nil
}

// ResetTx returns a notified or sent task to pending.
func ResetTx(ctx context.Context, tx persistence.Tx, task domain.Task, now time.Time) (domain.Task, error) {
	return ApplyTx(ctx, tx, task, domain.TaskOpReset, now, nil)
}

func (q *Queue) created(task domain.Task) {
	if q.hooks.OnCreated != nil {
		q.hooks.OnCreated(task)
	}
}

func (q *Queue) transitioned(task domain.Task, op domain.TaskOp) {
	if q.hooks.OnTransition != nil {
		q.hooks.OnTransition(task, op)
	}
}

func (q *Queue) delivered(d domain.Delivery) {
	if q.hooks.OnDelivery != nil {
		q.hooks.OnDelivery(d)
	}
}
