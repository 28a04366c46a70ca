package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateInvalid   = "TEMPLATE_INVALID"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeNotConfigured     = "INTEGRATION_NOT_CONFIGURED"
	ErrCodeIntegration       = "INTEGRATION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExecutionTimeout  = "EXECUTION_TIMEOUT"

	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// FlowError is the structured error type for all engine operations.
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

// IsRetryable reports whether the error represents a transient condition.
// Integration errors carry an explicit transient flag; circuit rejections and
// everything else (validation, interpolation, permanent integration failures)
// must not be retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeIntegration:
		transient, _ := e.Details["transient"].(bool)
		return transient
	case ErrCodeExecutionTimeout:
		return false
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

// NewIntegrationError creates an integration failure with its transient flag set.
func NewIntegrationError(transient bool, code, message string) *FlowError {
	return &FlowError{
		Code:    ErrCodeIntegration,
		Message: message,
		Details: map[string]any{"transient": transient, "provider_code": code},
	}
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
	if e.Details == nil {
		e.Details = details
		return e
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}
