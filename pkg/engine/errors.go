// Package engine implements the provisioning core: it interprets a declarative
// resource graph and reconciles tracked state against it through the
// Evaluate -> Diff -> Plan -> Apply -> Drift pipeline.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient is a temporary failure; a retry may succeed.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled means the cloud API rate-limited the call.
	// Retried with a longer backoff than plain transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict is a state conflict, for example a concurrent
	// modification or an optimistic-lock failure on stored state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent is not recoverable by retrying: invalid
	// configuration, permission denied, unknown resource type.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ProvisionError is a classified error with resource and operation context.
type ProvisionError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Err       error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *ProvisionError) Error() string {
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.causeMessage())
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Class, e.Message, e.Resource, e.causeMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.causeMessage())
	}
}

func (e *ProvisionError) Unwrap() error { return e.Err }

func (e *ProvisionError) causeMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches on class and code so callers can compare sentinel errors.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient (retryable) error.
func NewTransientError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a rate-limit error.
func NewThrottledError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a state-conflict error.
func NewConflictError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds the resource ID that caused the error.
func (e *ProvisionError) WithResource(resourceID string) *ProvisionError {
	e.Resource = resourceID
	return e
}

// WithOperation adds the operation being performed when the error occurred.
func (e *ProvisionError) WithOperation(operation string) *ProvisionError {
	e.Operation = operation
	return e
}

// WithCode adds a machine-readable error code.
func (e *ProvisionError) WithCode(code string) *ProvisionError {
	e.Code = code
	return e
}

// WithDetail attaches a context-specific detail field.
func (e *ProvisionError) WithDetail(key string, value interface{}) *ProvisionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled reports whether err is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsNotFound reports whether err carries the not-found code.
func IsNotFound(err error) bool {
	var e *ProvisionError
	return errors.As(err, &e) && e.Code == ErrCodeNotFound
}

// IsRetryable reports whether the scheduler may retry the failed call.
// Transient, throttled and conflict failures are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Error codes shared across the engine.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)
