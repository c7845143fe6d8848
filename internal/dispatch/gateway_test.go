package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/antoniostano/handoff/internal/activity"
	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
	"github.com/antoniostano/handoff/internal/tasks"
)

func newTestGateway(t *testing.T) (*Gateway, *tasks.Queue, persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	q := tasks.NewQueue(store, nil, nil)
	return NewGateway(store, q), q, store
}

func TestDispatchOldestReadyTask(t *testing.T) {
	g, q, _ := newTestGateway(t)
	ctx := context.Background()
	first, _ := q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "first"})
	_, _ = q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "second"})

	res, err := g.Dispatch(ctx, "Coder", "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Kind != KindDispatched || res.TaskID != first.ID || res.Summary != "first" {
		t.Fatalf("Dispatch() = %+v, want first task", res)
	}
	if res.Prompt == "" {
		t.Fatalf("Dispatch() returned no prompt")
	}
	detail, _ := q.Get(ctx, first.ID)
	if detail.Status != domain.TaskStatusSent || len(detail.Deliveries) != 1 || detail.Deliveries[0].Method != domain.DeliveryDispatch {
		t.Fatalf("unexpected task after dispatch: %+v", detail)
	}

	res, err = g.Dispatch(ctx, "coder", "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Kind != KindAgentBusy {
		t.Fatalf("second Dispatch() = %q, want agent_busy", res.Kind)
	}
}

func TestDispatchBusyBeforeLookup(t *testing.T) {
	g, _, store := newTestGateway(t)
	ctx := context.Background()
	if _, err := activity.NewTracker(store).Start(ctx, "coder", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, err := g.Dispatch(ctx, "coder", "999")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Kind != KindAgentBusy {
		t.Fatalf("Dispatch() = %q, want agent_busy even for an unknown reference", res.Kind)
	}
}

func TestDispatchByIssueURLOrHash(t *testing.T) {
	ctx := context.Background()
	for _, ref := range []string{"https://github.com/o/r/issues/42", "#42", "42"} {
		g, q, _ := newTestGateway(t)
		task, err := q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "fix", ReferenceURL: "https://github.com/o/r/issues/42"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		res, err := g.Dispatch(ctx, "coder", ref)
		if err != nil {
			t.Fatalf("Dispatch(%q) error = %v", ref, err)
		}
		if res.Kind != KindDispatched || res.TaskID != task.ID || res.Reference != "42" {
			t.Fatalf("Dispatch(%q) = %+v, want task %d", ref, res, task.ID)
		}
	}
}

func TestDispatchSkipsInactiveAgent(t *testing.T) {
	g, q, store := newTestGateway(t)
	ctx := context.Background()
	if _, err := q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "fix"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	registry := agents.NewRegistry(store)
	if _, err := registry.SetActive(ctx, "coder", false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	res, err := g.Dispatch(ctx, "coder", "")
	if err != nil || res.Kind != KindNoPendingTasks {
		t.Fatalf("Dispatch(inactive) = %+v, %v, want no_pending_tasks", res, err)
	}

	if _, err := registry.SetActive(ctx, "coder", true); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	res, err = g.Dispatch(ctx, "coder", "")
	if err != nil || res.Kind != KindDispatched {
		t.Fatalf("Dispatch(reactivated) = %+v, %v", res, err)
	}
}

func TestDispatchEmptyOutcomes(t *testing.T) {
	g, q, _ := newTestGateway(t)
	ctx := context.Background()

	res, err := g.Dispatch(ctx, "ghost", "")
	if err != nil || res.Kind != KindNoPendingTasks {
		t.Fatalf("Dispatch(unknown agent) = %+v, %v", res, err)
	}

	_, _ = q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "gated", IssueNumber: 5, RequiresApproval: true})
	res, err = g.Dispatch(ctx, "coder", "")
	if err != nil || res.Kind != KindNoPendingTasks {
		t.Fatalf("Dispatch(gated only) = %+v, %v", res, err)
	}
	res, err = g.Dispatch(ctx, "coder", "5")
	if err != nil || res.Kind != KindTaskNotFound {
		t.Fatalf("Dispatch(gated reference) = %+v, %v", res, err)
	}
	if _, err := g.Dispatch(ctx, " ", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Dispatch(blank) error = %v, want ErrValidation", err)
	}
}

func TestCreateAndDispatchIsIdempotent(t *testing.T) {
	g, q, _ := newTestGateway(t)
	ctx := context.Background()
	req := tasks.CreateRequest{Target: "coder", Summary: "fix #42", ReferenceURL: "https://github.com/acme/app/issues/42"}

	res, err := g.CreateAndDispatch(ctx, "lead", req)
	if err != nil {
		t.Fatalf("CreateAndDispatch() error = %v", err)
	}
	if res.Kind != KindDispatched || !res.Created || res.Reference != "42" {
		t.Fatalf("CreateAndDispatch() = %+v", res)
	}

	again, err := g.CreateAndDispatch(ctx, "lead", req)
	if err != nil {
		t.Fatalf("CreateAndDispatch() error = %v", err)
	}
	if again.Kind != KindAgentBusy || again.Created || again.TaskID != res.TaskID {
		t.Fatalf("second CreateAndDispatch() = %+v, want busy on the same task", again)
	}
	all, _ := q.List(ctx, tasks.ListFilter{Target: "coder"})
	if len(all) != 1 {
		t.Fatalf("tasks = %d, want 1", len(all))
	}
}

func TestConcurrentDispatchHandsOutOneTask(t *testing.T) {
	g, q, _ := newTestGateway(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := q.Create(ctx, "lead", tasks.CreateRequest{Target: "coder", Summary: "work"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		dispatched int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Dispatch(ctx, "coder", "")
			if err != nil {
				t.Errorf("Dispatch() error = %v", err)
				return
			}
			if res.Dispatched() {
				mu.Lock()
				dispatched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if dispatched != 1 {
		t.Fatalf("dispatched = %d, want exactly 1 in flight", dispatched)
	}
	sent, _ := q.List(ctx, tasks.ListFilter{Statuses: []domain.TaskStatus{domain.TaskStatusSent}})
	if len(sent) != 1 {
		t.Fatalf("sent tasks = %d, want 1", len(sent))
	}
}
