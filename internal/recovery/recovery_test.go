package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/handoff/internal/activity"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
	"github.com/antoniostano/handoff/internal/tasks"
)

func sentTask(t *testing.T, q *tasks.Queue) domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "fix login", IssueNumber: 42})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	task, err = q.MarkSent(ctx, task.ID, domain.DeliveryDispatch, "")
	if err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	return task
}

func TestFindOrphanedJoinsTask(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := tasks.NewQueue(store, nil, nil)
	svc := NewService(store)
	task := sentTask(t, q)

	orphans, err := svc.FindOrphaned(context.Background(), 0)
	if err != nil {
		t.Fatalf("FindOrphaned() error = %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("FindOrphaned() = %d, want 1", len(orphans))
	}
	o := orphans[0]
	if o.TaskID == nil || *o.TaskID != task.ID || o.TaskSummary != "fix login" || o.TaskReference != "42" || o.TaskStatus != domain.TaskStatusSent {
		t.Fatalf("unexpected orphan: %+v", o)
	}

	recent, err := svc.FindOrphaned(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("FindOrphaned(minAge) error = %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("FindOrphaned(1h) = %d, want 0 for a fresh record", len(recent))
	}
}

func TestMarkCompletedClosesOnly(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := tasks.NewQueue(store, nil, nil)
	svc := NewService(store)
	ctx := context.Background()
	task := sentTask(t, q)
	orphans, _ := svc.FindOrphaned(ctx, 0)

	closed, err := svc.MarkCompleted(ctx, orphans[0].Activity.ID)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if closed.Status != domain.ActivityCompleted || closed.CompletedAt == nil {
		t.Fatalf("unexpected closed activity: %+v", closed)
	}
	idle, err := q.IsAgentIdle(ctx, "coder")
	if err != nil || !idle {
		t.Fatalf("IsAgentIdle() = %v, %v; want idle", idle, err)
	}
	detail, _ := q.Get(ctx, task.ID)
	if detail.Status != domain.TaskStatusSent {
		t.Fatalf("task status = %q, want sent untouched", detail.Status)
	}
	if _, err := svc.MarkCompleted(ctx, orphans[0].Activity.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second MarkCompleted() error = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Ignore(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Ignore(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestResetReturnsTaskToPending(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := tasks.NewQueue(store, nil, nil)
	svc := NewService(store)
	ctx := context.Background()
	task := sentTask(t, q)
	var hooked int64
	svc.SetResetHook(func(t domain.Task) { hooked = t.ID })
	orphans, _ := svc.FindOrphaned(ctx, 0)

	closed, reset, err := svc.Reset(ctx, orphans[0].Activity.ID)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if closed.Resolution != string(ResolutionReset) {
		t.Fatalf("resolution = %q", closed.Resolution)
	}
	if reset == nil || reset.Status != domain.TaskStatusPending || reset.SentAt != nil {
		t.Fatalf("unexpected reset task: %+v", reset)
	}
	if hooked != task.ID {
		t.Fatalf("reset hook saw %d, want %d", hooked, task.ID)
	}
	ready, err := q.ReadyToSend(ctx)
	if err != nil || len(ready) != 1 {
		t.Fatalf("ReadyToSend() = %d, %v; want the reset task", len(ready), err)
	}
}

func TestIgnoreLeavesUnlinkedRecord(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	a, err := activity.NewTracker(store).Start(ctx, "coder", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	closed, err := svc.Ignore(ctx, a.ID)
	if err != nil {
		t.Fatalf("Ignore() error = %v", err)
	}
	if closed.Resolution != string(ResolutionIgnored) {
		t.Fatalf("resolution = %q, want ignored", closed.Resolution)
	}
}
