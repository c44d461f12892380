// Package fault defines the closed error taxonomy shared by every use-case.
//
// Errors carry a stable machine-readable code, a human message, and a
// resolution hint that the hint enhancer turns into a corrective next action.
// Callers never observe raw repository or driver errors; everything crossing
// the dispatcher boundary is a *fault.Error.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure. The set is closed; new codes require a wire
// contract change.
type Code string

const (
	CodeUnknownTool            Code = "UNKNOWN_TOOL"
	CodeInvalidParameters      Code = "INVALID_PARAMETERS"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeTimeout                Code = "TIMEOUT"

	CodeMissingCompletionSummary Code = "MISSING_COMPLETION_SUMMARY"
	CodeIncompleteSubtasks       Code = "INCOMPLETE_SUBTASKS"
	CodeInvalidStateTransition   Code = "INVALID_STATE_TRANSITION"
	// CodeStaleContext is advisory only: it appears in hints and warnings,
	// never as an error envelope code.
	CodeStaleContext Code = "STALE_CONTEXT"

	CodeInvalidHandoffState Code = "INVALID_HANDOFF_STATE"
	CodeAssignmentConflict  Code = "ASSIGNMENT_CONFLICT"
	CodeAgentUnavailable    Code = "AGENT_UNAVAILABLE"

	CodeVisionNodeMissing    Code = "VISION_NODE_MISSING"
	CodeAlignmentUnavailable Code = "ALIGNMENT_UNAVAILABLE"

	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// Error is the single error type crossing use-case boundaries.
type Error struct {
	Code           Code
	Message        string
	ResolutionHint string
	// Fields lists offending parameter names for INVALID_PARAMETERS.
	Fields []string
	// Subjects carries entity ids the error refers to, e.g. the open
	// subtask ids behind INCOMPLETE_SUBTASKS.
	Subjects []string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two faults by code so errors.Is(err, fault.New(code, "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New builds a fault with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a fault around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithHint attaches a resolution hint and returns the same error.
func (e *Error) WithHint(hint string) *Error {
	e.ResolutionHint = hint
	return e
}

// WithFields attaches offending parameter names.
func (e *Error) WithFields(fields ...string) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// WithSubjects attaches related entity ids.
func (e *Error) WithSubjects(ids ...string) *Error {
	e.Subjects = append(e.Subjects, ids...)
	return e
}

// NotFound reports a missing entity.
func NotFound(kind, id string) *Error {
	return &Error{
		Code:           CodeNotFound,
		Message:        fmt.Sprintf("%s not found: %s", kind, id),
		ResolutionHint: fmt.Sprintf("verify the %s id and retry", kind),
		Subjects:       []string{id},
	}
}

// InvalidParameters reports a parameter shape mismatch.
func InvalidParameters(fields ...string) *Error {
	return &Error{
		Code:           CodeInvalidParameters,
		Message:        "invalid or missing parameters",
		ResolutionHint: "supply the listed fields with the documented types",
		Fields:         fields,
	}
}

// CodeOf extracts the taxonomy code from any error. Unknown errors map to
// STORAGE_UNAVAILABLE so nothing untyped crosses the dispatcher.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeStorageUnavailable
}

// As returns the underlying *Error when err belongs to the taxonomy.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Recoverable reports whether a corrective next action exists for the code.
// TIMEOUT and STORAGE_UNAVAILABLE are retryable; everything else except
// UNKNOWN_TOOL has a concrete fix the caller can apply.
func (c Code) Recoverable() bool {
	return c != CodeUnknownTool
}
