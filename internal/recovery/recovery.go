package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/handoff/internal/activity"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
	"github.com/antoniostano/handoff/internal/tasks"
)

type Resolution string

const (
	ResolutionCompleted Resolution = "completed"
	ResolutionReset     Resolution = "reset"
	ResolutionIgnored   Resolution = "ignored"
)

// Orphan is an activity record left in progress, with the linked task if any.
type Orphan struct {
	Activity      domain.Activity   `json:"activity"`
	TaskID        *int64            `json:"task_id,omitempty"`
	TaskSummary   string            `json:"task_summary,omitempty"`
	TaskStatus    domain.TaskStatus `json:"task_status,omitempty"`
	TaskReference string            `json:"task_reference,omitempty"`
	Age           time.Duration     `json:"-"`
	AgeSeconds    int64             `json:"age_seconds"`
}

// Service surfaces stuck activity records and applies the resolution a human picks.
// Nothing here runs on its own.
type Service struct {
	store   persistence.Store
	onReset func(domain.Task)
	now     func() time.Time
}

func NewService(store persistence.Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetResetHook is called with the task a Reset returned to pending.
func (s *Service) SetResetHook(fn func(domain.Task)) {
	s.onReset = fn
}

// FindOrphaned lists open activity records started at least minAge ago.
func (s *Service) FindOrphaned(ctx context.Context, minAge time.Duration) ([]Orphan, error) {
	now := s.now()
	filter := persistence.ActivityFilter{Status: domain.ActivityInProgress}
	if minAge > 0 {
		filter.StartedBefore = now.Add(-minAge)
	}
	var out []Orphan
	err := s.store.View(ctx, func(tx persistence.Tx) error {
		open, err := tx.ListActivities(ctx, filter)
		if err != nil {
			return err
		}
		out = make([]Orphan, 0, len(open))
		for _, a := range open {
			if !a.Open() {
				continue
			}
			o := Orphan{Activity: a, TaskID: a.TaskID, Age: now.Sub(a.StartedAt)}
			o.AgeSeconds = int64(o.Age / time.Second)
			if a.TaskID != nil {
				task, err := tx.GetTask(ctx, *a.TaskID)
				switch {
				case err == nil:
					o.TaskSummary = task.Summary
					o.TaskStatus = task.Status
					o.TaskReference = task.Reference
				case !errors.Is(err, domain.ErrNotFound):
					return err
				}
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

// MarkCompleted closes the record and leaves its task alone.
func (s *Service) MarkCompleted(ctx context.Context, id int64) (domain.Activity, error) {
	out, _, err := s.resolve(ctx, id, ResolutionCompleted)
	return out, err
}

// Reset closes the record and returns a notified or sent task to pending so it is
// handed out again.
func (s *Service) Reset(ctx context.Context, id int64) (domain.Activity, *domain.Task, error) {
	out, task, err := s.resolve(ctx, id, ResolutionReset)
	if err == nil && task != nil && s.onReset != nil {
		s.onReset(*task)
	}
	return out, task, err
}

func (s *Service) Ignore(ctx context.Context, id int64) (domain.Activity, error) {
	out, _, err := s.resolve(ctx, id, ResolutionIgnored)
	return out, err
}

func (s *Service) resolve(ctx context.Context, id int64, res Resolution) (domain.Activity, *domain.Task, error) {
	var (
		closed domain.Activity
		reset  *domain.Task
	)
	err := s.store.Update(ctx, func(tx persistence.Tx) error {
		a, err := tx.GetActivity(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		closed, err = activity.CloseTx(ctx, tx, a, string(res), now)
		if err != nil {
			return err
		}
		if res != ResolutionReset || a.TaskID == nil {
			return nil
		}
		task, err := tx.GetTask(ctx, *a.TaskID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if task.Status != domain.TaskStatusNotified && task.Status != domain.TaskStatusSent {
			return nil
		}
		next, err := tasks.ResetTx(ctx, tx, task, now)
		if err != nil {
			return fmt.Errorf("reset task %d: %w", task.ID, err)
		}
		reset = &next
		return nil
	})
	if err != nil {
		return domain.Activity{}, nil, err
	}
	return closed, reset, nil
}
