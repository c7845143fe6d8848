package persistence

import (
	"context"
	"time"

	"github.com/antoniostano/handoff/internal/domain"
)

// Store is the unit-of-work boundary. Update runs fn atomically: either every write fn
// made is committed or none is. A cancelled ctx aborts before commit.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

// Tx is the repository view handed to a unit of work. Lookups of a missing row return
// an error wrapping domain.ErrNotFound. Conditional updates that lose a race return an
// error wrapping domain.ErrConflict.
type Tx interface {
	AgentByName(ctx context.Context, name string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	InsertAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error)
	UpdateAgent(ctx context.Context, agent domain.Agent) error

	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id int64) (domain.Message, error)
	// UpdateMessage writes msg only if the stored status still equals expect.
	UpdateMessage(ctx context.Context, msg domain.Message, expect domain.MessageStatus) error
	ListMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error)

	InsertTask(ctx context.Context, task domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	// UpdateTask writes task only if the stored status still equals expect.
	UpdateTask(ctx context.Context, task domain.Task, expect domain.TaskStatus) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)

	InsertDelivery(ctx context.Context, d domain.Delivery) (domain.Delivery, error)
	ListDeliveries(ctx context.Context, taskID int64) ([]domain.Delivery, error)

	InsertActivity(ctx context.Context, a domain.Activity) (domain.Activity, error)
	GetActivity(ctx context.Context, id int64) (domain.Activity, error)
	// UpdateActivity writes a only if the stored status still equals expect.
	UpdateActivity(ctx context.Context, a domain.Activity, expect domain.ActivityStatus) error
	LatestActivity(ctx context.Context, agent string) (domain.Activity, error)
	ListActivities(ctx context.Context, filter ActivityFilter) ([]domain.Activity, error)
}

// MessageFilter selects messages; zero fields do not filter. Results are ordered by
// creation time then id, oldest first.
type MessageFilter struct {
	SourceAgent string
	TargetAgent string
	Types       []string
	Statuses    []domain.MessageStatus
	ParentID    *int64
	SessionID   string
	// RootsOnly restricts to messages without a parent.
	RootsOnly bool
}

// TaskFilter selects tasks; zero fields do not filter. Results are ordered oldest first.
type TaskFilter struct {
	TargetAgent string
	Reference   string
	Statuses    []domain.TaskStatus
	Limit       int
}

// ActivityFilter selects activity records ordered by start time, oldest first.
type ActivityFilter struct {
	Agent         string
	TaskID        *int64
	Status        domain.ActivityStatus
	StartedBefore time.Time
}

func (f MessageFilter) match(m domain.Message) bool {
	if f.SourceAgent != "" && m.SourceAgent != f.SourceAgent {
		return false
	}
	if f.TargetAgent != "" && m.TargetAgent != f.TargetAgent {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, m.Type) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == m.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ParentID != nil && (m.ParentMessageID == nil || *m.ParentMessageID != *f.ParentID) {
		return false
	}
	if f.RootsOnly && m.ParentMessageID != nil {
		return false
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	return true
}

func (f TaskFilter) match(t domain.Task) bool {
	if f.TargetAgent != "" && t.TargetAgent != f.TargetAgent {
		return false
	}
	if f.Reference != "" && t.Reference != f.Reference {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == t.Status {
				return true
			}
		}
		return false
	}
	return true
}

func (f ActivityFilter) match(a domain.Activity) bool {
	if f.Agent != "" && a.Agent != f.Agent {
		return false
	}
	if f.TaskID != nil && (a.TaskID == nil || *a.TaskID != *f.TaskID) {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.StartedBefore.IsZero() && !a.StartedAt.Before(f.StartedBefore) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
