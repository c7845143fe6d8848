package agents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

func TestResolveCreatesUnknownAgent(t *testing.T) {
	store := persistence.NewMemoryStore()
	r := NewRegistry(store)

	agent, err := r.Resolve(context.Background(), "  Reviewer ")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if agent.Name != "reviewer" || agent.Label != "Reviewer" || !agent.Active {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	again, err := r.Resolve(context.Background(), "REVIEWER")
	if err != nil {
		t.Fatalf("Resolve() second error = %v", err)
	}
	if again.ID != agent.ID {
		t.Fatalf("Resolve() id = %d, want %d", again.ID, agent.ID)
	}
}

func TestResolveRejectsInactiveAgent(t *testing.T) {
	store := persistence.NewMemoryStore()
	r := NewRegistry(store)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "coder"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, err := r.SetActive(ctx, "coder", false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if _, err := r.Resolve(ctx, "coder"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Resolve() error = %v, want ErrValidation", err)
	}
	if _, err := r.Resolve(ctx, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Resolve(blank) error = %v, want ErrValidation", err)
	}
}

func TestEnsureUpdatesLabel(t *testing.T) {
	r := NewRegistry(persistence.NewMemoryStore())
	ctx := context.Background()
	if _, err := r.Ensure(ctx, "qa", ""); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	agent, err := r.Ensure(ctx, "qa", "QA Bot")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if agent.Label != "QA Bot" {
		t.Fatalf("Label = %q, want QA Bot", agent.Label)
	}
	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}
}

func TestOracleFollowsLatestActivity(t *testing.T) {
	store := persistence.NewMemoryStore()
	oracle := NewOracle(store)
	ctx := context.Background()

	idle, err := oracle.IsIdle(ctx, "coder")
	if err != nil {
		t.Fatalf("IsIdle() error = %v", err)
	}
	if !idle {
		t.Fatalf("agent with no activity should be idle")
	}

	start := time.Now().UTC()
	var open domain.Activity
	err = store.Update(ctx, func(tx persistence.Tx) error {
		var err error
		open, err = tx.InsertActivity(ctx, domain.Activity{Agent: "coder", Status: domain.ActivityInProgress, StartedAt: start})
		return err
	})
	if err != nil {
		t.Fatalf("InsertActivity() error = %v", err)
	}
	if idle, _ := oracle.IsIdle(ctx, "Coder"); idle {
		t.Fatalf("agent with open activity should be busy")
	}

	err = store.Update(ctx, func(tx persistence.Tx) error {
		done := start.Add(time.Second)
		open.Status = domain.ActivityCompleted
		open.CompletedAt = &done
		return tx.UpdateActivity(ctx, open, domain.ActivityInProgress)
	})
	if err != nil {
		t.Fatalf("UpdateActivity() error = %v", err)
	}
	if idle, _ := oracle.IsIdle(ctx, "coder"); !idle {
		t.Fatalf("agent whose latest activity completed should be idle")
	}
}

func TestLocksSerializePerAgent(t *testing.T) {
	locks := NewLocks()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("Coder")
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
	if len(locks.entries) != 0 {
		t.Fatalf("lock entries leaked: %d", len(locks.entries))
	}
}

func TestDefaultLabel(t *testing.T) {
	if got := DefaultLabel("coder"); got != "Coder" {
		t.Fatalf("DefaultLabel() = %q, want Coder", got)
	}
	if got := DefaultLabel(""); got != "" {
		t.Fatalf("DefaultLabel(empty) = %q", got)
	}
}
