package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type tempErr struct{ temporary bool }

func (e tempErr) Error() string   { return "collaborator failed" }
func (e tempErr) Temporary() bool { return e.temporary }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"stale", fmt.Errorf("write: %w", ErrStaleWrite), ClassConcurrency},
		{"not found", fmt.Errorf("project p1: %w", ErrNotFound), ClassNotFound},
		{"unknown stage", ErrUnknownStage, ClassNotFound},
		{"transition", ErrInvalidTransition, ClassValidation},
		{"incomplete", NewIncompleteResponse([]string{"q2", "q1"}), ClassValidation},
		{"invalid", &InvalidResponseError{Problems: map[string]string{"q1": "bad"}}, ClassValidation},
		{"bad request", fmt.Errorf("%w: invalid JSON", ErrBadRequest), ClassValidation},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"temporary", fmt.Errorf("draft: %w", tempErr{temporary: true}), ClassTransient},
		{"permanent", tempErr{temporary: false}, ClassFatal},
		{"other", errors.New("disk full"), ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIncompleteResponseSortsMissing(t *testing.T) {
	err := NewIncompleteResponse([]string{"q3", "q1", "q2"})
	if err.Error() != "incomplete response: missing q1, q2, q3" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrIncompleteResponse) {
		t.Error("expected errors.Is to match ErrIncompleteResponse")
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	for _, ec := range errorCodes {
		wrapped := fmt.Errorf("context: %w", ec.err)
		if got := ErrorCode(wrapped); got != ec.code {
			t.Errorf("ErrorCode(%v) = %q, want %q", ec.err, got, ec.code)
		}
		if got := ErrorForCode(ec.code); got != ec.err {
			t.Errorf("ErrorForCode(%q) = %v, want %v", ec.code, got, ec.err)
		}
	}
	if ErrorCode(errors.New("plain")) != "" {
		t.Error("expected no code for a plain error")
	}
	if ErrorForCode("nope") != nil {
		t.Error("expected nil for an unknown code")
	}
}
