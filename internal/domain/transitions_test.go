package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestTaskTransitionTable(t *testing.T) {
	cases := []struct {
		status TaskStatus
		gated  bool
		op     TaskOp
		want   TaskStatus
		ok     bool
	}{
		{TaskStatusPending, false, TaskOpApprove, TaskStatusApproved, true},
		{TaskStatusApproved, false, TaskOpApprove, "", false},
		{TaskStatusPending, false, TaskOpDispatch, TaskStatusSent, true},
		{TaskStatusPending, true, TaskOpDispatch, "", false},
		{TaskStatusApproved, true, TaskOpDispatch, TaskStatusSent, true},
		{TaskStatusPending, true, TaskOpNotify, "", false},
		{TaskStatusApproved, false, TaskOpNotify, TaskStatusNotified, true},
		{TaskStatusNotified, false, TaskOpAccept, TaskStatusSent, true},
		{TaskStatusPending, false, TaskOpAccept, "", false},
		{TaskStatusNotified, false, TaskOpMarkSent, TaskStatusSent, true},
		{TaskStatusSent, false, TaskOpComplete, TaskStatusCompleted, true},
		{TaskStatusApproved, false, TaskOpComplete, "", false},
		{TaskStatusNotified, false, TaskOpCancel, TaskStatusCancelled, true},
		{TaskStatusSent, false, TaskOpCancel, "", false},
		{TaskStatusSent, false, TaskOpReset, TaskStatusPending, true},
		{TaskStatusPending, false, TaskOpReset, "", false},
	}
	for _, tc := range cases {
		task := Task{ID: 1, Status: tc.status, RequiresApproval: tc.gated}
		got, err := TaskTransition(task, tc.op)
		if tc.ok {
			if err != nil {
				t.Fatalf("TaskTransition(%s, %s) error = %v", tc.status, tc.op, err)
			}
			if got != tc.want {
				t.Fatalf("TaskTransition(%s, %s) = %q, want %q", tc.status, tc.op, got, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("TaskTransition(%s, %s) error = %v, want ErrInvalidTransition", tc.status, tc.op, err)
		}
	}
}

func TestTerminalTasksRejectEveryOp(t *testing.T) {
	ops := []TaskOp{TaskOpApprove, TaskOpCancel, TaskOpNotify, TaskOpAccept, TaskOpMarkSent, TaskOpDispatch, TaskOpComplete, TaskOpReset}
	for _, status := range []TaskStatus{TaskStatusCompleted, TaskStatusCancelled} {
		for _, op := range ops {
			if _, err := TaskTransition(Task{Status: status}, op); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("TaskTransition(%s, %s) error = %v, want ErrInvalidTransition", status, op, err)
			}
		}
	}
}

func TestMessageApproveTwiceMessage(t *testing.T) {
	_, err := MessageTransition(Message{Status: MessageStatusApproved}, MessageOpApprove)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	want := "invalid state transition: Cannot approve message with status 'approved'"
	if err.Error() != want {
		t.Fatalf("error text = %q, want %q", err.Error(), want)
	}
}

func TestCancelledMessageRejectsAcknowledgement(t *testing.T) {
	for _, op := range []MessageOp{MessageOpApprove, MessageOpCancel, MessageOpDeliver, MessageOpProcess} {
		if _, err := MessageTransition(Message{Status: MessageStatusCancelled}, op); err == nil {
			t.Fatalf("MessageTransition(cancelled, %s) succeeded, want error", op)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		fmt.Errorf("%w: x", ErrValidation):        KindValidation,
		fmt.Errorf("wrap: %w", ErrNotFound):       KindNotFound,
		fmt.Errorf("%w: y", ErrInvalidTransition): KindInvalidTransition,
		fmt.Errorf("%w: z", ErrConflict):          KindConflict,
		errors.New("connection refused"):          KindInternal,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestExtractReference(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/app/issues/42":          "42",
		"https://github.com/acme/app/pull/7/files":       "7",
		"https://gitlab.com/acme/app/-/merge_requests/9": "9",
		"fix login #15":               "15",
		"  123 ":                      "123",
		"https://github.com/acme/app": "",
		"":                            "",
	}
	for in, want := range cases {
		if got := ExtractReference(in); got != want {
			t.Fatalf("ExtractReference(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeReference(t *testing.T) {
	cases := map[string]string{
		"https://github.com/o/r/issues/42": "42",
		"#42":                              "42",
		" 42 ":                             "42",
		" release-train ":                  "release-train",
	}
	for in, want := range cases {
		if got := NormalizeReference(in); got != want {
			t.Fatalf("NormalizeReference(%q) = %q, want %q", in, got, want)
		}
	}
}
