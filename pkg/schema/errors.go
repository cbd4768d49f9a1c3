package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeSignature       = "SIGNATURE_ERROR"
	ErrCodeDuplicateEvent  = "DUPLICATE_EVENT"
	ErrCodeProvider        = "PROVIDER_ERROR"
	ErrCodeExpiredContext  = "EXPIRED_CONTEXT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeStore           = "STORE_ERROR"
)

// FlowError is the structured error type for all flowcore operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class may be retried.
// Policy violations, validation errors, and signature failures are
// terminal regardless of how many attempts remain.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeProvider, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
