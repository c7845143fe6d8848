package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/observability"
)

type EventType string

const (
	EventTaskAvailable  EventType = "task_available"
	EventTaskCreated    EventType = "task_created"
	EventTaskTransition EventType = "task_transition"
	EventMessage        EventType = "message"
)

// Event is what subscribers and notifiers receive.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Agent     string    `json:"agent"`
	TaskID    int64     `json:"task_id,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Op        string    `json:"op,omitempty"`
	Status    string    `json:"status,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

func newEvent(typ EventType, agent string) Event {
	return Event{ID: uuid.NewString(), Type: typ, Agent: agent, At: time.Now().UTC()}
}

// TaskAvailable is the event telling a pull agent a task waits for it.
func TaskAvailable(task domain.Task) Event {
	evt := newEvent(EventTaskAvailable, task.TargetAgent)
	evt.TaskID = task.ID
	evt.Status = string(task.Status)
	evt.Summary = task.Summary
	evt.Reference = task.Reference
	return evt
}

func TaskCreated(task domain.Task) Event {
	evt := TaskAvailable(task)
	evt.Type = EventTaskCreated
	return evt
}

func TaskTransition(task domain.Task, op domain.TaskOp) Event {
	evt := TaskAvailable(task)
	evt.Type = EventTaskTransition
	evt.Op = string(op)
	return evt
}

func MessageEvent(msg domain.Message) Event {
	evt := newEvent(EventMessage, msg.TargetAgent)
	evt.MessageID = msg.ID
	evt.Status = string(msg.Status)
	evt.Summary = msg.Type
	return evt
}

// Notifier delivers an event to the agent it names. A returned error means the agent
// was not reached and the caller should retry later.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

type NotifierFunc func(ctx context.Context, evt Event) error

func (f NotifierFunc) Notify(ctx context.Context, evt Event) error { return f(ctx, evt) }

// LogNotifier writes notifications to the log. It never fails.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: observability.OrDefault(logger)}
}

func (n *LogNotifier) Notify(_ context.Context, evt Event) error {
	summary, _ := observability.RedactText(evt.Summary)
	n.logger.Info("agent notified", "agent", evt.Agent, "task_id", evt.TaskID, "summary", summary)
	return nil
}

// Fanout notifies every notifier. It fails only when all of them fail.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, evt Event) error {
	if len(f) == 0 {
		return nil
	}
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(f) {
		return fmt.Errorf("%w: %w", domain.ErrDelivery, errors.Join(errs...))
	}
	return nil
}
