package dragonpilot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error codes for specific failure types
const (
	ErrCodeSchema        = "SCHEMA_ERROR"
	ErrCodeUnknownTool   = "UNKNOWN_TOOL"
	ErrCodeDuplicateTool = "DUPLICATE_TOOL"
	ErrCodeLink          = "LINK_ERROR"
	ErrCodeRejected      = "REJECTED"
	ErrCodeTimedOut      = "TIMED_OUT"
	ErrCodeImpossible    = "IMPOSSIBLE"
	ErrCodeProtocol      = "PROTOCOL_ERROR"
	ErrCodeEmptyPlan     = "EMPTY_PLAN"
	ErrCodeNoTelemetry   = "NO_TELEMETRY"
	ErrCodePrecondition  = "PRECONDITION_FAILED"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBusy          = "VEHICLE_BUSY"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeInternal      = "INTERNAL"
)

// Stages used in error values.
const (
	StageSetup        = "setup"
	StageValidation   = "validation"
	StageDispatch     = "dispatch"
	StageVerification = "verification"
	StageProtocol     = "protocol"
	StageExecution    = "execution"
)

// Error is the coded error type used across the engine.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeUnknownTool)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "dispatch")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so errors.Is works against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrSchema        = &Error{Code: ErrCodeSchema}
	ErrUnknownTool   = &Error{Code: ErrCodeUnknownTool}
	ErrDuplicateTool = &Error{Code: ErrCodeDuplicateTool}
	ErrLink          = &Error{Code: ErrCodeLink}
	ErrRejected      = &Error{Code: ErrCodeRejected}
	ErrTimedOut      = &Error{Code: ErrCodeTimedOut}
	ErrImpossible    = &Error{Code: ErrCodeImpossible}
	ErrProtocol      = &Error{Code: ErrCodeProtocol}
	ErrEmptyPlan     = &Error{Code: ErrCodeEmptyPlan}
	ErrNoTelemetry   = &Error{Code: ErrCodeNoTelemetry}
	ErrPrecondition  = &Error{Code: ErrCodePrecondition}
	ErrCancelled     = &Error{Code: ErrCodeCancelled}
	ErrNotFound      = &Error{Code: ErrCodeNotFound}
	ErrBusy          = &Error{Code: ErrCodeBusy}
	ErrConfiguration = &Error{Code: ErrCodeConfiguration}
	ErrInternal      = &Error{Code: ErrCodeInternal}
)

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the error code, or ErrCodeInternal for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var s *SchemaError
	if errors.As(err, &s) {
		return ErrCodeSchema
	}
	return ErrCodeInternal
}

// SchemaError lists every problem found while validating tool arguments.
type SchemaError struct {
	Tool     string
	Missing  []string
	Mistyped []string
	Unknown  []string

	// OutOfRange names numeric arguments outside their declared bounds.
	OutOfRange []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Mistyped) > 0 {
		parts = append(parts, "mistyped: "+strings.Join(e.Mistyped, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.OutOfRange) > 0 {
		parts = append(parts, "out of range: "+strings.Join(e.OutOfRange, ", "))
	}
	return fmt.Sprintf("[%s:%s] invalid arguments for tool '%s' (%s)",
		StageValidation, ErrCodeSchema, e.Tool, strings.Join(parts, "; "))
}

// Is lets errors.Is(err, ErrSchema) match.
func (e *SchemaError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Code == ErrCodeSchema
}

// HasProblems reports whether any list is non-empty.
func (e *SchemaError) HasProblems() bool {
	return len(e.Missing)+len(e.Mistyped)+len(e.Unknown)+len(e.OutOfRange) > 0
}

// Sort orders every list so output is deterministic.
func (e *SchemaError) Sort() {
	sort.Strings(e.Missing)
	sort.Strings(e.Mistyped)
	sort.Strings(e.Unknown)
	sort.Strings(e.OutOfRange)
}

// Specific error constructors

func NewUnknownToolError(stage, toolName string) *Error {
	return NewError(ErrCodeUnknownTool, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewDuplicateToolError(toolName string) *Error {
	return NewError(ErrCodeDuplicateTool, StageSetup, fmt.Sprintf("tool '%s' already registered", toolName), nil)
}

func NewLinkError(message string, cause error) *Error {
	return NewError(ErrCodeLink, StageDispatch, message, cause)
}

func NewRejectedError(toolName, reason string, cause error) *Error {
	return NewError(ErrCodeRejected, StageDispatch, fmt.Sprintf("vehicle rejected '%s': %s", toolName, reason), cause)
}

func NewTimedOutError(toolName string, maxWait time.Duration, reason string) *Error {
	msg := fmt.Sprintf("'%s' not completed within %s", toolName, maxWait)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	return NewError(ErrCodeTimedOut, StageVerification, msg, nil)
}

func NewImpossibleError(toolName, reason string) *Error {
	return NewError(ErrCodeImpossible, StageVerification, fmt.Sprintf("'%s' cannot complete: %s", toolName, reason), nil)
}

func NewProtocolError(message string, cause error) *Error {
	return NewError(ErrCodeProtocol, StageProtocol, message, cause)
}

func NewEmptyPlanError() *Error {
	return NewError(ErrCodeEmptyPlan, StageValidation, "plan has no steps", nil)
}

func NewNoTelemetryError() *Error {
	return NewError(ErrCodeNoTelemetry, StageVerification, "no telemetry received yet", nil)
}

func NewPreconditionError(toolName, expr string, cause error) *Error {
	return NewError(ErrCodePrecondition, StageDispatch, fmt.Sprintf("precondition '%s' of '%s' not met", expr, toolName), cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewNotFoundError(stage, what, id string) *Error {
	return NewError(ErrCodeNotFound, stage, fmt.Sprintf("%s '%s' not found", what, id), nil)
}

func NewBusyError(runningPlan string) *Error {
	return NewError(ErrCodeBusy, StageExecution, fmt.Sprintf("vehicle is busy with plan '%s'", runningPlan), nil)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, StageSetup, message, cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}
