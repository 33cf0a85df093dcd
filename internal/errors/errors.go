// Package errors classifies failures by the kind of subsystem that produced
// them, so callers can decide propagation policy (terminate a stream,
// surface to the model, log and drop a task, or treat as fatal at startup)
// without string-matching error messages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind categorizes a failure by subsystem. See spec §7 for the propagation
// policy attached to each kind.
type Kind string

const (
	// Configuration errors are fatal at startup: a missing or invalid option.
	Configuration Kind = "configuration"

	// Provider errors come from the LLM gateway: network failure, non-2xx
	// response, rate limiting, malformed stream data. Terminal to the
	// current stream, not to the session.
	Provider Kind = "provider"

	// ToolExecution errors are captured into a tool result and fed back to
	// the model, which decides whether to recover.
	ToolExecution Kind = "tool_execution"

	// Storage errors come from persistence I/O or a size-cap violation.
	// They return a descriptive failure string without mutating state.
	Storage Kind = "storage"

	// Authorization errors mean the user denied a gated action.
	Authorization Kind = "authorization"

	// Protocol errors are malformed wire messages at the transport layer.
	Protocol Kind = "protocol"

	// Scheduling errors are queue or lifecycle inconsistencies in the
	// sleep-time scheduler. Logged; the offending task is dropped.
	Scheduling Kind = "scheduling"
)

// Error wraps an underlying error with a Kind, so callers can branch on
// classification with errors.As without inspecting message text.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "memory.core.edit"
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err isn't a classified
// Error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}
