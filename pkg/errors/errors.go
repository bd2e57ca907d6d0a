// Package errors provides structured error types for chainctl.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeLocked     ErrorCode = "STATE_LOCKED"
	ErrCodeBackend    ErrorCode = "BACKEND_ERROR"
	ErrCodeParse      ErrorCode = "PARSE_ERROR"
	ErrCodeOCI        ErrorCode = "OCI_ERROR"

	// Deployment run errors.
	ErrCodeInvalidPlan          ErrorCode = "INVALID_PLAN"
	ErrCodeUnresolvedDependency ErrorCode = "UNRESOLVED_DEPENDENCY"
	ErrCodeOperationFailed      ErrorCode = "BACKEND_OPERATION_FAILED"
	ErrCodeDuplicateOutcome     ErrorCode = "DUPLICATE_OUTCOME"
)

// Detail keys attached to step-scoped errors.
const (
	DetailStepID    = "step_id"
	DetailStepKind  = "step_kind"
	DetailComponent = "component"
)

// Error is the base error type for chainctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a string detail, or "" when unset.
func (e *Error) Detail(key string) string {
	if v, ok := e.Details[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// LockInfo contains metadata about a lock
type LockInfo struct {
	ID        string
	Path      string
	Who       string
	Operation string
	Created   time.Time
}

// StateLocked creates a state locked error
func StateLocked(lockInfo LockInfo) *Error {
	return &Error{
		Code:    ErrCodeLocked,
		Message: fmt.Sprintf("deployment state is locked by %s (%s)", lockInfo.Who, lockInfo.Operation),
		Details: map[string]interface{}{
			"lock_id":   lockInfo.ID,
			"locked_by": lockInfo.Who,
			"operation": lockInfo.Operation,
			"created":   lockInfo.Created,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// BackendError creates a state backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// InvalidPlan creates a plan construction error for the given step.
func InvalidPlan(stepID, message string) *Error {
	e := &Error{
		Code:    ErrCodeInvalidPlan,
		Message: message,
		Details: map[string]interface{}{},
	}
	if stepID != "" {
		e.Message = fmt.Sprintf("step %q: %s", stepID, message)
		e.Details[DetailStepID] = stepID
	}
	return e
}

// UnresolvedDependency reports a reference to a step with no recorded outcome.
func UnresolvedDependency(stepID, missing string) *Error {
	return &Error{
		Code:    ErrCodeUnresolvedDependency,
		Message: fmt.Sprintf("step %q references %q which has no recorded outcome", stepID, missing),
		Details: map[string]interface{}{
			DetailStepID: stepID,
			"missing":    missing,
		},
	}
}

// OperationFailed wraps a gateway failure with the identity of the failing step.
// The cause is carried unchanged.
func OperationFailed(stepID, kind, component string, cause error) *Error {
	return &Error{
		Code:    ErrCodeOperationFailed,
		Message: fmt.Sprintf("step %q (%s %s) failed", stepID, kind, component),
		Cause:   cause,
		Details: map[string]interface{}{
			DetailStepID:    stepID,
			DetailStepKind:  kind,
			DetailComponent: component,
		},
	}
}

// DuplicateOutcome reports a second write for an already recorded step.
func DuplicateOutcome(stepID string) *Error {
	return &Error{
		Code:    ErrCodeDuplicateOutcome,
		Message: fmt.Sprintf("outcome for step %q already recorded", stepID),
		Details: map[string]interface{}{
			DetailStepID: stepID,
		},
	}
}

// Is checks if the error, or any error it wraps, carries the given code
func Is(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}
