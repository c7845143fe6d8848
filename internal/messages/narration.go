package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/persistence"
)

// Thread is a task_start message with its progress and completion children.
type Thread struct {
	Start    domain.Message   `json:"start"`
	Children []domain.Message `json:"children"`
}

func (t Thread) Completed() bool {
	for _, c := range t.Children {
		if c.Type == domain.MessageTypeTaskComplete {
			return true
		}
	}
	return false
}

// OpenThreadError is the conflict StartTask returns when the session already has an
// open start.
type OpenThreadError struct {
	Start domain.Message
}

func (e *OpenThreadError) Error() string {
	return fmt.Sprintf("session %q already has open task narration %d", e.Start.SessionID, e.Start.ID)
}

func (e *OpenThreadError) Unwrap() error { return domain.ErrConflict }

// StartTask opens a narration thread. An empty target addresses everyone. A session
// id may hold at most one open thread.
func (h *Hub) StartTask(ctx context.Context, source, content, target, sessionID string) (domain.Message, error) {
	source = strings.TrimSpace(source)
	target = strings.TrimSpace(target)
	sessionID = strings.TrimSpace(sessionID)
	if source == "" {
		return domain.Message{}, fmt.Errorf("%w: source is required", domain.ErrValidation)
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	if target == "" {
		target = domain.BroadcastTarget
	}
	var check func(tx persistence.Tx) error
	if sessionID != "" {
		check = func(tx persistence.Tx) error {
			open, err := openStartTx(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if open != nil {
				return &OpenThreadError{Start: *open}
			}
			return nil
		}
	}
	return h.insert(ctx, domain.Message{
		SourceAgent: source,
		TargetAgent: target,
		Type:        domain.MessageTypeTaskStart,
		Content:     content,
		Status:      domain.MessageStatusPending,
		SessionID:   sessionID,
	}, check)
}

// OpenThread returns the open start for sessionID, or NotFound.
func (h *Hub) OpenThread(ctx context.Context, sessionID string) (domain.Message, error) {
	var out domain.Message
	err := h.store.View(ctx, func(tx persistence.Tx) error {
		open, err := openStartTx(ctx, tx, strings.TrimSpace(sessionID))
		if err != nil {
			return err
		}
		if open == nil {
			return fmt.Errorf("open narration for session %q: %w", sessionID, domain.ErrNotFound)
		}
		out = *open
		return nil
	})
	return out, err
}

func (h *Hub) SendProgress(ctx context.Context, parentID int64, content string) (domain.Message, error) {
	return h.child(ctx, parentID, domain.MessageTypeTaskProgress, content)
}

func (h *Hub) CompleteTask(ctx context.Context, parentID int64, summary string) (domain.Message, error) {
	return h.child(ctx, parentID, domain.MessageTypeTaskComplete, summary)
}

func (h *Hub) child(ctx context.Context, parentID int64, typ, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	var parent domain.Message
	err := h.store.View(ctx, func(tx persistence.Tx) error {
		var err error
		parent, err = tx.GetMessage(ctx, parentID)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	if parent.Type != domain.MessageTypeTaskStart {
		return domain.Message{}, fmt.Errorf("%w: message %d is not a task start", domain.ErrValidation, parentID)
	}
	pid := parent.ID
	return h.insert(ctx, domain.Message{
		SourceAgent:     parent.SourceAgent,
		TargetAgent:     parent.TargetAgent,
		Type:            typ,
		Content:         content,
		Status:          domain.MessageStatusPending,
		ParentMessageID: &pid,
		SessionID:       parent.SessionID,
	}, func(tx persistence.Tx) error {
		done, err := completedTx(ctx, tx, pid)
		if err != nil {
			return err
		}
		if done {
			return fmt.Errorf("%w: task narration %d is already completed", domain.ErrInvalidTransition, pid)
		}
		return nil
	})
}

// ActiveTasks lists start messages without a completion child, optionally for one
// source agent.
func (h *Hub) ActiveTasks(ctx context.Context, source string) ([]domain.Message, error) {
	source = domain.NormalizeAgentName(source)
	var out []domain.Message
	err := h.store.View(ctx, func(tx persistence.Tx) error {
		starts, err := tx.ListMessages(ctx, persistence.MessageFilter{
			SourceAgent: source,
			Types:       []string{domain.MessageTypeTaskStart},
			RootsOnly:   true,
		})
		if err != nil {
			return err
		}
		out = make([]domain.Message, 0, len(starts))
		for _, s := range starts {
			done, err := completedTx(ctx, tx, s.ID)
			if err != nil {
				return err
			}
			if !done {
				out = append(out, s)
			}
		}
		return nil
	})
	return out, err
}

func (h *Hub) TaskHistory(ctx context.Context, startID int64) (Thread, error) {
	var out Thread
	err := h.store.View(ctx, func(tx persistence.Tx) error {
		start, err := tx.GetMessage(ctx, startID)
		if err != nil {
			return err
		}
		if start.Type != domain.MessageTypeTaskStart {
			return fmt.Errorf("task narration %d: %w", startID, domain.ErrNotFound)
		}
		children, err := tx.ListMessages(ctx, persistence.MessageFilter{ParentID: &startID})
		if err != nil {
			return err
		}
		out = Thread{Start: start, Children: children}
		return nil
	})
	return out, err
}

func openStartTx(ctx context.Context, tx persistence.Tx, sessionID string) (*domain.Message, error) {
	starts, err := tx.ListMessages(ctx, persistence.MessageFilter{
		Types:     []string{domain.MessageTypeTaskStart},
		SessionID: sessionID,
		RootsOnly: true,
	})
	if err != nil {
		return nil, err
	}
	for i := range starts {
		done, err := completedTx(ctx, tx, starts[i].ID)
		if err != nil {
			return nil, err
		}
		if !done {
			return &starts[i], nil
		}
	}
	return nil, nil
}

func completedTx(ctx context.Context, tx persistence.Tx, startID int64) (bool, error) {
	done, err := tx.ListMessages(ctx, persistence.MessageFilter{
		ParentID: &startID,
		Types:    []string{domain.MessageTypeTaskComplete},
	})
	if err != nil {
		return false, err
	}
	return len(done) > 0, nil
}

// OpenThreadOf extracts the already open start from a StartTask conflict.
func OpenThreadOf(err error) (domain.Message, bool) {
	var open *OpenThreadError
	if errors.As(err, &open) {
		return open.Start, true
	}
	return domain.Message{}, false
}
