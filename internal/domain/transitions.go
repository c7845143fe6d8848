package domain

import "fmt"

type TaskOp string

const (
	TaskOpApprove  TaskOp = "approve"
	TaskOpCancel   TaskOp = "cancel"
	TaskOpNotify   TaskOp = "notify"
	TaskOpAccept   TaskOp = "accept"
	TaskOpMarkSent TaskOp = "mark_sent"
	TaskOpDispatch TaskOp = "dispatch"
	TaskOpComplete TaskOp = "complete"
	TaskOpReset    TaskOp = "reset"
)

type taskTransition struct {
	from map[TaskStatus]struct{}
	to   TaskStatus
	// gated ops refuse a pending task that still waits for approval.
	gated bool
}

var taskTransitions = map[TaskOp]taskTransition{
	TaskOpApprove: {
		from: statusSet(TaskStatusPending),
		to:   TaskStatusApproved,
	},
	TaskOpCancel: {
		from: statusSet(TaskStatusPending, TaskStatusApproved, TaskStatusNotified),
		to:   TaskStatusCancelled,
	},
	TaskOpNotify: {
		from:  statusSet(TaskStatusPending, TaskStatusApproved),
		to:    TaskStatusNotified,
		gated: true,
	},
	TaskOpAccept: {
		from: statusSet(TaskStatusNotified),
		to:   TaskStatusSent,
	},
	TaskOpMarkSent: {
		from:  statusSet(TaskStatusPending, TaskStatusApproved, TaskStatusNotified),
		to:    TaskStatusSent,
		gated: true,
	},
	TaskOpDispatch: {
		from:  statusSet(TaskStatusPending, TaskStatusApproved),
		to:    TaskStatusSent,
		gated: true,
	},
	TaskOpComplete: {
		from: statusSet(TaskStatusSent),
		to:   TaskStatusCompleted,
	},
	// Only orphan recovery resets a task.
	TaskOpReset: {
		from: statusSet(TaskStatusNotified, TaskStatusSent),
		to:   TaskStatusPending,
	},
}

func statusSet(statuses ...TaskStatus) map[TaskStatus]struct{} {
	out := make(map[TaskStatus]struct{}, len(statuses))
	for _, s := range statuses {
		out[s] = struct{}{}
	}
	return out
}

// TaskTransition returns the status op leads to from task's current status, or an
// ErrInvalidTransition describing why it is not allowed.
func TaskTransition(task Task, op TaskOp) (TaskStatus, error) {
	tr, ok := taskTransitions[op]
	if !ok {
		return "", fmt.Errorf("%w: unknown task operation %q", ErrInvalidTransition, op)
	}
	if _, ok := tr.from[task.Status]; !ok {
		return "", fmt.Errorf("%w: Cannot %s task with status '%s'", ErrInvalidTransition, opVerb(op), task.Status)
	}
	if tr.gated && task.AwaitingApproval() {
		return "", fmt.Errorf("%w: Cannot %s task %d before it is approved", ErrInvalidTransition, opVerb(op), task.ID)
	}
	return tr.to, nil
}

func opVerb(op TaskOp) string {
	switch op {
	case TaskOpNotify:
		return "notify"
	case TaskOpMarkSent:
		return "mark sent"
	default:
		return string(op)
	}
}

type MessageOp string

const (
	MessageOpApprove MessageOp = "approve"
	MessageOpCancel  MessageOp = "cancel"
	MessageOpDeliver MessageOp = "deliver"
	MessageOpProcess MessageOp = "process"
)

var messageTransitions = map[MessageOp]struct {
	from []MessageStatus
	to   MessageStatus
}{
	MessageOpApprove: {
		from: []MessageStatus{MessageStatusPending},
		to:   MessageStatusApproved,
	},
	MessageOpCancel: {
		from: []MessageStatus{MessageStatusPending, MessageStatusApproved},
		to:   MessageStatusCancelled,
	},
	MessageOpDeliver: {
		from: []MessageStatus{MessageStatusPending, MessageStatusApproved, MessageStatusDelivered},
		to:   MessageStatusDelivered,
	},
	MessageOpProcess: {
		from: []MessageStatus{MessageStatusPending, MessageStatusApproved, MessageStatusDelivered, MessageStatusProcessed},
		to:   MessageStatusProcessed,
	},
}

func MessageTransition(msg Message, op MessageOp) (MessageStatus, error) {
	tr, ok := messageTransitions[op]
	if !ok {
		return "", fmt.Errorf("%w: unknown message operation %q", ErrInvalidTransition, op)
	}
	for _, s := range tr.from {
		if s == msg.Status {
			return tr.to, nil
		}
	}
	return "", fmt.Errorf("%w: Cannot %s message with status '%s'", ErrInvalidTransition, op, msg.Status)
}
