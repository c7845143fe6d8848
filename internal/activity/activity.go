package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

// Tracker records when agents start and finish work. Its records are what the idle
// oracle and orphan recovery read.
type Tracker struct {
	store persistence.Store
}

func NewTracker(store persistence.Store) *Tracker {
	return &Tracker{store: store}
}

// Start opens an in-progress record for agent, optionally linked to a task.
func (t *Tracker) Start(ctx context.Context, agent string, taskID *int64) (domain.Activity, error) {
	var out domain.Activity
	err := t.store.Update(ctx, func(tx persistence.Tx) error {
		resolved, err := agents.ResolveTx(ctx, tx, agent)
		if err != nil {
			return err
		}
		if taskID != nil {
			if _, err := tx.GetTask(ctx, *taskID); err != nil {
				return err
			}
		}
		out, err = OpenTx(ctx, tx, resolved.Name, taskID, time.Now().UTC())
		return err
	})
	return out, err
}

// Finish closes one record. Closing an already closed record is an invalid transition.
func (t *Tracker) Finish(ctx context.Context, id int64, resolution string) (domain.Activity, error) {
	var out domain.Activity
	err := t.store.Update(ctx, func(tx persistence.Tx) error {
		a, err := tx.GetActivity(ctx, id)
		if err != nil {
			return err
		}
		out, err = CloseTx(ctx, tx, a, resolution, time.Now().UTC())
		return err
	})
	return out, err
}

// FinishAgent closes every open record of agent and reports how many it closed.
func (t *Tracker) FinishAgent(ctx context.Context, agent string) (int, error) {
	agent = domain.NormalizeAgentName(agent)
	if agent == "" {
		return 0, fmt.Errorf("%w: agent name is required", domain.ErrValidation)
	}
	closed := 0
	err := t.store.Update(ctx, func(tx persistence.Tx) error {
		open, err := tx.ListActivities(ctx, persistence.ActivityFilter{Agent: agent, Status: domain.ActivityInProgress})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		closed = 0
		for _, a := range open {
			if _, err := CloseTx(ctx, tx, a, "", now); err != nil {
				return err
			}
			closed++
		}
		return nil
	})
	return closed, err
}

func (t *Tracker) List(ctx context.Context, filter persistence.ActivityFilter) ([]domain.Activity, error) {
	var out []domain.Activity
	err := t.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListActivities(ctx, filter)
		return err
	})
	return out, err
}

// OpenTx inserts an in-progress record inside the caller's unit of work.
func OpenTx(ctx context.Context, tx persistence.Tx, agent string, taskID *int64, now time.Time) (domain.Activity, error) {
	return tx.InsertActivity(ctx, domain.Activity{
		Agent:     domain.NormalizeAgentName(agent),
		TaskID:    taskID,
		Status:    domain.ActivityInProgress,
		StartedAt: now,
	})
}

// CloseTx marks a completed with an optional resolution note.
func CloseTx(ctx context.Context, tx persistence.Tx, a domain.Activity, resolution string, now time.Time) (domain.Activity, error) {
	if !a.Open() {
		return domain.Activity{}, fmt.Errorf("%w: Cannot close activity %d with status '%s'", domain.ErrInvalidTransition, a.ID, a.Status)
	}
	prev := a.Status
	a.Status = domain.ActivityCompleted
	a.CompletedAt = &now
	a.Resolution = resolution
	if err := tx.UpdateActivity(ctx, a, prev); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// CloseTaskTx closes every open record linked to taskID.
func CloseTaskTx(ctx context.Context, tx persistence.Tx, taskID int64, resolution string, now time.Time) error {
	open, err := tx.ListActivities(ctx, persistence.ActivityFilter{TaskID: &taskID, Status: domain.ActivityInProgress})
	if err != nil {
		return err
	}
	for _, a := range open {
		if _, err := CloseTx(ctx, tx, a, resolution, now); err != nil {
			return err
		}
	}
	return nil
}
