package domain

import (
	"strings"
	"time"
)

type Agent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeAgentName folds an agent name to its lookup form.
func NormalizeAgentName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusApproved  MessageStatus = "approved"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusProcessed MessageStatus = "processed"
	MessageStatusCancelled MessageStatus = "cancelled"
)

const (
	MessageTypeTaskStart    = "task_start"
	MessageTypeTaskProgress = "task_progress"
	MessageTypeTaskComplete = "task_complete"

	// BroadcastTarget addresses a narration start nobody in particular should consume.
	BroadcastTarget = "all"
)

type Message struct {
	ID               int64          `json:"id"`
	SourceAgent      string         `json:"source_agent"`
	TargetAgent      string         `json:"target_agent"`
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Status           MessageStatus  `json:"status"`
	ParentMessageID  *int64         `json:"parent_message_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
}

// Visible reports whether the message may be handed to its target.
func (m Message) Visible() bool {
	switch m.Status {
	case MessageStatusPending:
		return !m.RequiresApproval
	case MessageStatusApproved:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusApproved  TaskStatus = "approved"
	TaskStatusNotified  TaskStatus = "notified"
	TaskStatusSent      TaskStatus = "sent"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func ParseTaskStatus(raw string) (TaskStatus, bool) {
	switch s := TaskStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case TaskStatusPending, TaskStatusApproved, TaskStatusNotified,
		TaskStatusSent, TaskStatusCompleted, TaskStatusCancelled:
		return s, true
	default:
		return "", false
	}
}

// Outcome annotates a completed task. Failed and blocked are completions, not statuses.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
)

func ParseOutcome(raw string) (Outcome, bool) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OutcomeCompleted:
		return OutcomeCompleted, true
	case OutcomeFailed:
		return OutcomeFailed, true
	case OutcomeBlocked:
		return OutcomeBlocked, true
	default:
		return "", false
	}
}

type Task struct {
	ID               int64      `json:"id"`
	SourceAgent      string     `json:"source_agent"`
	TargetAgent      string     `json:"target_agent"`
	Summary          string     `json:"summary"`
	Details          string     `json:"details,omitempty"`
	Reference        string     `json:"reference,omitempty"`
	ReferenceURL     string     `json:"reference_url,omitempty"`
	RequiresApproval bool       `json:"requires_approval"`
	Status           TaskStatus `json:"status"`
	Result           string     `json:"result,omitempty"`
	Outcome          Outcome    `json:"outcome,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	NotifiedAt       *time.Time `json:"notified_at,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

func (t Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}

// AwaitingApproval reports whether a human still has to release the task.
func (t Task) AwaitingApproval() bool {
	return t.RequiresApproval && t.Status == TaskStatusPending
}

// Ready reports whether the task may be handed out, ignoring the target's idle state.
func (t Task) Ready() bool {
	switch t.Status {
	case TaskStatusApproved:
		return true
	case TaskStatusPending:
		return !t.RequiresApproval
	default:
		return false
	}
}

type DeliveryMethod string

const (
	DeliveryPush     DeliveryMethod = "push"
	DeliveryPull     DeliveryMethod = "pull"
	DeliveryDispatch DeliveryMethod = "dispatch"
	DeliveryManual   DeliveryMethod = "manual"
)

func ParseDeliveryMethod(raw string) (DeliveryMethod, bool) {
	switch DeliveryMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case DeliveryPush:
		return DeliveryPush, true
	case DeliveryPull:
		return DeliveryPull, true
	case DeliveryDispatch:
		return DeliveryDispatch, true
	case "", DeliveryManual:
		return DeliveryManual, true
	default:
		return "", false
	}
}

type Delivery struct {
	ID          int64          `json:"id"`
	TaskID      int64          `json:"task_id"`
	Agent       string         `json:"agent"`
	Method      DeliveryMethod `json:"method"`
	Response    string         `json:"response,omitempty"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

type ActivityStatus string

const (
	ActivityInProgress ActivityStatus = "in_progress"
	ActivityCompleted  ActivityStatus = "completed"
)

type Activity struct {
	ID          int64          `json:"id"`
	Agent       string         `json:"agent"`
	TaskID      *int64         `json:"task_id,omitempty"`
	Status      ActivityStatus `json:"status"`
	Resolution  string         `json:"resolution,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (a Activity) Open() bool {
	return a.Status == ActivityInProgress && a.CompletedAt == nil
}
