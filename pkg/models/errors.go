package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrIncompleteResponse = errors.New("incomplete response")
	ErrInvalidResponse    = errors.New("invalid response")
	ErrTerminalState      = errors.New("terminal state violation")
	ErrStaleWrite         = errors.New("stale write")
	ErrProposalResolved   = errors.New("proposal already resolved")
	ErrNotFound           = errors.New("not found")
	ErrUnknownStage       = errors.New("unknown stage")
	ErrBadRequest         = errors.New("bad request")
)

// errorCodes pairs each sentinel with its wire code. Order matters: the first
// match wins when an error wraps several sentinels.
var errorCodes = []struct {
	code string
	err  error
}{
	{"stale_write", ErrStaleWrite},
	{"not_found", ErrNotFound},
	{"unknown_stage", ErrUnknownStage},
	{"incomplete_response", ErrIncompleteResponse},
	{"invalid_response", ErrInvalidResponse},
	{"terminal_state", ErrTerminalState},
	{"proposal_resolved", ErrProposalResolved},
	{"invalid_transition", ErrInvalidTransition},
	{"bad_request", ErrBadRequest},
}

// ErrorCode returns the wire code of the first sentinel err wraps, or ""
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// ErrorForCode returns the sentinel for a wire code, or nil if unknown
func ErrorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}

// IncompleteResponseError names the mandatory items that lacked a response
type IncompleteResponseError struct {
	Missing []string
}

func (e *IncompleteResponseError) Error() string {
	return fmt.Sprintf("incomplete response: missing %s", strings.Join(e.Missing, ", "))
}

func (e *IncompleteResponseError) Is(target error) bool {
	return target == ErrIncompleteResponse
}

// NewIncompleteResponse builds an IncompleteResponseError with sorted item ids
func NewIncompleteResponse(missing []string) *IncompleteResponseError {
	ids := append([]string{}, missing...)
	sort.Strings(ids)
	return &IncompleteResponseError{Missing: ids}
}

// InvalidResponseError reports responses whose shape or value does not match the item
type InvalidResponseError struct {
	Problems map[string]string
}

func (e *InvalidResponseError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for k := range e.Problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Problems[k]))
	}
	return fmt.Sprintf("invalid response: %s", strings.Join(parts, "; "))
}

func (e *InvalidResponseError) Is(target error) bool {
	return target == ErrInvalidResponse
}

// ErrorClass is the handling category of an error
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassValidation  ErrorClass = "validation"
	ClassConcurrency ErrorClass = "concurrency"
	ClassNotFound    ErrorClass = "not_found"
	ClassTransient   ErrorClass = "transient"
	ClassFatal       ErrorClass = "fatal"
)

// Retryable reports whether a caller should retry with backoff
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient
}

// Classify maps an error onto the handling taxonomy. Validation errors are never
// retried automatically, stale writes need a re-fetch, transient errors are
// retried with backoff.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrStaleWrite):
		return ClassConcurrency
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownStage):
		return ClassNotFound
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrIncompleteResponse),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrTerminalState),
		errors.Is(err, ErrProposalResolved),
		errors.Is(err, ErrBadRequest):
		return ClassValidation
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return ClassTransient
	}
	return ClassFatal
}
