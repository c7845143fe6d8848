package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

func TestStartAndFinish(t *testing.T) {
	store := persistence.NewMemoryStore()
	tracker := NewTracker(store)
	oracle := agents.NewOracle(store)
	ctx := context.Background()

	a, err := tracker.Start(ctx, "Coder", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if a.Agent != "coder" || !a.Open() {
		t.Fatalf("unexpected activity: %+v", a)
	}
	if idle, _ := oracle.IsIdle(ctx, "coder"); idle {
		t.Fatalf("agent should be busy after Start()")
	}

	done, err := tracker.Finish(ctx, a.ID, "")
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if done.CompletedAt == nil || done.Status != domain.ActivityCompleted {
		t.Fatalf("unexpected finished activity: %+v", done)
	}
	if idle, _ := oracle.IsIdle(ctx, "coder"); !idle {
		t.Fatalf("agent should be idle after Finish()")
	}

	if _, err := tracker.Finish(ctx, a.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Finish() twice error = %v, want ErrInvalidTransition", err)
	}
	if _, err := tracker.Finish(ctx, 999, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Finish(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStartRejectsUnknownTask(t *testing.T) {
	tracker := NewTracker(persistence.NewMemoryStore())
	id := int64(42)
	if _, err := tracker.Start(context.Background(), "coder", &id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Start() error = %v, want ErrNotFound", err)
	}
}

func TestFinishAgentClosesAllOpen(t *testing.T) {
	store := persistence.NewMemoryStore()
	tracker := NewTracker(store)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := tracker.Start(ctx, "coder", nil); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	n, err := tracker.FinishAgent(ctx, "coder")
	if err != nil {
		t.Fatalf("FinishAgent() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("FinishAgent() closed %d, want 2", n)
	}
	open, err := tracker.List(ctx, persistence.ActivityFilter{Status: domain.ActivityInProgress})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open activities = %d, want 0", len(open))
	}
}
