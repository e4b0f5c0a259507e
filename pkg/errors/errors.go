// Package errors provides a structured error system for the processing core
// with error codes, categories, and transient/permanent classification.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for pipeline operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Processor errors (external collaborator)
	ErrCodeProcessorTimeout     ErrorCode = "PROCESSOR_TIMEOUT"
	ErrCodeProcessorRateLimited ErrorCode = "PROCESSOR_RATE_LIMITED"
	ErrCodeProcessorUnavailable ErrorCode = "PROCESSOR_UNAVAILABLE"
	ErrCodeNetworkError         ErrorCode = "NETWORK_ERROR"

	// Input validation errors (never retried)
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeUnsupportedParams ErrorCode = "UNSUPPORTED_PARAMS"

	// Cache tier errors
	ErrCodeTierUnavailable ErrorCode = "TIER_UNAVAILABLE"
	ErrCodeDurableWrite    ErrorCode = "DURABLE_WRITE"

	// Queue and worker errors
	ErrCodeQueueClosed  ErrorCode = "QUEUE_CLOSED"
	ErrCodeJobNotFound  ErrorCode = "JOB_NOT_FOUND"
	ErrCodeJobCanceled  ErrorCode = "JOB_CANCELED"
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// Terminal retry outcomes
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeChunkFailed    ErrorCode = "CHUNK_FAILED"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryProcessor     ErrorCategory = "processor"
	CategoryValidation    ErrorCategory = "validation"
	CategoryCache         ErrorCategory = "cache"
	CategoryQueue         ErrorCategory = "queue"
	CategoryRetry         ErrorCategory = "retry"
	CategoryInternal      ErrorCategory = "internal"
)

// PipelineError is a structured error with classification and context.
type PipelineError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks the error as transient. Permanent errors fail
	// immediately without retry.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error wrapping compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code (for errors.Is compatibility).
func (e *PipelineError) Is(target error) bool {
	if pe, ok := target.(*PipelineError); ok {
		return e.Code == pe.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *PipelineError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("PipelineError{%s}", strings.Join(parts, ", "))
}

// New creates a new PipelineError with defaults derived from the code.
func New(code ErrorCode, message string) *PipelineError {
	return &PipelineError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new PipelineError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *PipelineError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new PipelineError with the given cause attached.
func Wrap(code ErrorCode, message string, cause error) *PipelineError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeProcessorTimeout, ErrCodeProcessorRateLimited,
		ErrCodeProcessorUnavailable, ErrCodeNetworkError:
		return CategoryProcessor
	case ErrCodeInvalidInput, ErrCodeUnsupportedParams:
		return CategoryValidation
	case ErrCodeTierUnavailable, ErrCodeDurableWrite:
		return CategoryCache
	case ErrCodeQueueClosed, ErrCodeJobNotFound, ErrCodeJobCanceled, ErrCodeInvalidState:
		return CategoryQueue
	case ErrCodeRetryExhausted, ErrCodeChunkFailed:
		return CategoryRetry
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error code is transient by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeProcessorTimeout, ErrCodeProcessorRateLimited,
		ErrCodeProcessorUnavailable, ErrCodeNetworkError,
		ErrCodeTierUnavailable, ErrCodePanicRecovered:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err should be retried with backoff.
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsPermanent reports whether err must fail immediately without retry.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// IsExhausted reports whether err is a transient failure promoted to a
// terminal failure after the retry budget ran out. Operators use this to
// distinguish "gave up" from "impossible".
func IsExhausted(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Code == ErrCodeRetryExhausted
	}
	return false
}

// Classify returns the error code of err, or ErrCodeInternalError for
// unclassified errors.
func Classify(err error) ErrorCode {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternalError
}

// WithContext adds contextual information to an error.
func (e *PipelineError) WithContext(key, value string) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *PipelineError) WithComponent(component string) *PipelineError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *PipelineError) WithOperation(operation string) *PipelineError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *PipelineError) WithCause(cause error) *PipelineError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default transient classification.
func (e *PipelineError) WithRetryable(retryable bool) *PipelineError {
	e.Retryable = retryable
	return e
}
