package messages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/handoff/internal/agents"
	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

var queuedStatuses = []domain.MessageStatus{domain.MessageStatusPending, domain.MessageStatusApproved}

type SendRequest struct {
	Source           string         `json:"source"`
	Target           string         `json:"target"`
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	SessionID        string         `json:"session_id,omitempty"`
}

// Hub stores free-form messages between agents and moves them through approval and
// acknowledgement.
type Hub struct {
	store     persistence.Store
	onMessage func(domain.Message)
	now       func() time.Time
}

func NewHub(store persistence.Store) *Hub {
	return &Hub{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetMessageHook is called with every message after its change is committed.
func (h *Hub) SetMessageHook(fn func(domain.Message)) {
	h.onMessage = fn
}

func (h *Hub) Send(ctx context.Context, req SendRequest) (domain.Message, error) {
	req.Source = strings.TrimSpace(req.Source)
	req.Target = strings.TrimSpace(req.Target)
	req.Type = strings.TrimSpace(req.Type)
	req.SessionID = strings.TrimSpace(req.SessionID)
	switch {
	case req.Source == "":
		return domain.Message{}, fmt.Errorf("%w: source is required", domain.ErrValidation)
	case req.Target == "":
		return domain.Message{}, fmt.Errorf("%w: target is required", domain.ErrValidation)
	case req.Type == "":
		return domain.Message{}, fmt.Errorf("%w: type is required", domain.ErrValidation)
	case strings.TrimSpace(req.Content) == "":
		return domain.Message{}, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	return h.insert(ctx, domain.Message{
		SourceAgent:      req.Source,
		TargetAgent:      req.Target,
		Type:             req.Type,
		Content:          req.Content,
		Metadata:         req.Metadata,
		RequiresApproval: req.RequiresApproval,
		Status:           domain.MessageStatusPending,
		SessionID:        req.SessionID,
	}, nil)
}

// insert resolves both ends and stores msg. check runs inside the same unit of work
// before the insert.
func (h *Hub) insert(ctx context.Context, msg domain.Message, check func(tx persistence.Tx) error) (domain.Message, error) {
	var out domain.Message
	err := h.store.Update(ctx, func(tx persistence.Tx) error {
		src, err := agents.ResolveTx(ctx, tx, msg.SourceAgent)
		if err != nil {
			return err
		}
		msg.SourceAgent = src.Name
		if domain.NormalizeAgentName(msg.TargetAgent) == domain.BroadcastTarget {
			msg.TargetAgent = domain.BroadcastTarget
		} else {
			target, err := agents.ResolveTx(ctx, tx, msg.TargetAgent)
			if err != nil {
				return err
			}
			msg.TargetAgent = target.Name
		}
		if check != nil {
			if err := check(tx); err != nil {
				return err
			}
		}
		msg.CreatedAt = h.now()
		out, err = tx.InsertMessage(ctx, msg)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	h.notify(out)
	return out, nil
}

// Pending lists the messages target may read now, oldest first. Gated messages stay
// hidden until approved.
func (h *Hub) Pending(ctx context.Context, target string) ([]domain.Message, error) {
	target = domain.NormalizeAgentName(target)
	if target == "" {
		return nil, fmt.Errorf("%w: agent is required", domain.ErrValidation)
	}
	all, err := h.list(ctx, persistence.MessageFilter{TargetAgent: target, Statuses: queuedStatuses})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if m.Visible() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Queue lists every message not yet delivered or cancelled.
func (h *Hub) Queue(ctx context.Context) ([]domain.Message, error) {
	return h.list(ctx, persistence.MessageFilter{Statuses: queuedStatuses})
}

func (h *Hub) AwaitingApproval(ctx context.Context) ([]domain.Message, error) {
	pending, err := h.list(ctx, persistence.MessageFilter{Statuses: []domain.MessageStatus{domain.MessageStatusPending}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(pending))
	for _, m := range pending {
		if m.RequiresApproval {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *Hub) Get(ctx context.Context, id int64) (domain.Message, error) {
	var out domain.Message
	err := h.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.GetMessage(ctx, id)
		return err
	})
	return out, err
}

func (h *Hub) Approve(ctx context.Context, id int64) (domain.Message, error) {
	return h.transition(ctx, id, domain.MessageOpApprove)
}

func (h *Hub) Cancel(ctx context.Context, id int64) (domain.Message, error) {
	return h.transition(ctx, id, domain.MessageOpCancel)
}

func (h *Hub) MarkDelivered(ctx context.Context, id int64) (domain.Message, error) {
	return h.transition(ctx, id, domain.MessageOpDeliver)
}

func (h *Hub) MarkProcessed(ctx context.Context, id int64) (domain.Message, error) {
	return h.transition(ctx, id, domain.MessageOpProcess)
}

func (h *Hub) transition(ctx context.Context, id int64, op domain.MessageOp) (domain.Message, error) {
	var out domain.Message
	err := h.store.Update(ctx, func(tx persistence.Tx) error {
		msg, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		to, err := domain.MessageTransition(msg, op)
		if err != nil {
			return err
		}
		prev := msg.Status
		now := h.now()
		switch op {
		case domain.MessageOpApprove:
			msg.ApprovedAt = &now
		case domain.MessageOpDeliver:
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &now
			}
		case domain.MessageOpProcess:
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &now
			}
			msg.ProcessedAt = &now
		}
		msg.Status = to
		if err := tx.UpdateMessage(ctx, msg, prev); err != nil {
			return err
		}
		out = msg
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	h.notify(out)
	return out, nil
}

func (h *Hub) list(ctx context.Context, filter persistence.MessageFilter) ([]domain.Message, error) {
	var out []domain.Message
	err := h.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListMessages(ctx, filter)
		return err
	})
	return out, err
}

func (h *Hub) notify(msg domain.Message) {
	if h.onMessage != nil {
		h.onMessage(msg)
	}
}
