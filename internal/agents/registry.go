package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

// Registry maps agent names to persisted identities. Agents are created on first contact
// and never deleted.
type Registry struct {
	store persistence.Store
}

func NewRegistry(store persistence.Store) *Registry {
	return &Registry{store: store}
}

// Resolve returns the active agent called name, creating it if unknown.
func (r *Registry) Resolve(ctx context.Context, name string) (domain.Agent, error) {
	var agent domain.Agent
	err := r.store.Update(ctx, func(tx persistence.Tx) error {
		var err error
		agent, err = ResolveTx(ctx, tx, name)
		return err
	})
	return agent, err
}

// ResolveTx is Resolve inside a caller's unit of work.
func ResolveTx(ctx context.Context, tx persistence.Tx, name string) (domain.Agent, error) {
	name = domain.NormalizeAgentName(name)
	if name == "" {
		return domain.Agent{}, fmt.Errorf("%w: agent name is required", domain.ErrValidation)
	}
	agent, err := tx.AgentByName(ctx, name)
	switch {
	case err == nil:
		if !agent.Active {
			return domain.Agent{}, fmt.Errorf("%w: agent '%s' is inactive", domain.ErrValidation, name)
		}
		return agent, nil
	case errors.Is(err, domain.ErrNotFound):
		return tx.InsertAgent(ctx, domain.Agent{
			Name:      name,
			Label:     DefaultLabel(name),
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
	default:
		return domain.Agent{}, err
	}
}

// Ensure registers name with label, updating the label of an existing agent. Activation
// is left untouched.
func (r *Registry) Ensure(ctx context.Context, name, label string) (domain.Agent, error) {
	name = domain.NormalizeAgentName(name)
	if name == "" {
		return domain.Agent{}, fmt.Errorf("%w: agent name is required", domain.ErrValidation)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = DefaultLabel(name)
	}
	var agent domain.Agent
	err := r.store.Update(ctx, func(tx persistence.Tx) error {
		existing, err := tx.AgentByName(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			agent, err = tx.InsertAgent(ctx, domain.Agent{Name: name, Label: label, Active: true, CreatedAt: time.Now().UTC()})
			return err
		}
		if err != nil {
			return err
		}
		existing.Label = label
		agent = existing
		return tx.UpdateAgent(ctx, existing)
	})
	return agent, err
}

func (r *Registry) Get(ctx context.Context, name string) (domain.Agent, error) {
	var agent domain.Agent
	err := r.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		agent, err = tx.AgentByName(ctx, name)
		return err
	})
	return agent, err
}

func (r *Registry) List(ctx context.Context) ([]domain.Agent, error) {
	var out []domain.Agent
	err := r.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListAgents(ctx)
		return err
	})
	return out, err
}

func (r *Registry) SetActive(ctx context.Context, name string, active bool) (domain.Agent, error) {
	var agent domain.Agent
	err := r.store.Update(ctx, func(tx persistence.Tx) error {
		var err error
		agent, err = tx.AgentByName(ctx, name)
		if err != nil {
			return err
		}
		agent.Active = active
		return tx.UpdateAgent(ctx, agent)
	})
	return agent, err
}

// DefaultLabel upper-cases the first letter of name.
func DefaultLabel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}
