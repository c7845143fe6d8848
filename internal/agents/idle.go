package agents

import (
	"context"
	"errors"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

// Oracle answers whether an agent is free, from its most recent activity record.
// Answers are read fresh from the store every time.
type Oracle struct {
	store persistence.Store
}

func NewOracle(store persistence.Store) *Oracle {
	return &Oracle{store: store}
}

func (o *Oracle) IsIdle(ctx context.Context, agent string) (bool, error) {
	var idle bool
	err := o.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		idle, err = IsIdleTx(ctx, tx, agent)
		return err
	})
	return idle, err
}

// IsIdleTx is IsIdle inside a caller's unit of work.
func IsIdleTx(ctx context.Context, tx persistence.Tx, agent string) (bool, error) {
	latest, err := tx.LatestActivity(ctx, domain.NormalizeAgentName(agent))
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return latest.Status != domain.ActivityInProgress, nil
}
