package schema

import "time"

// Execution is one running or finished instance of a template.
// Owned exclusively by the engine until terminal; read-only thereafter.
type Execution struct {
	ID             string         `json:"id"`
	TemplateID     string         `json:"template_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Status         WorkflowStatus `json:"status"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	Error          *StepError     `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StepResults    []StepResult   `json:"step_results,omitempty"`
}

// StepResult records one attempt of one step. Append-only: retries add rows,
// they never overwrite earlier attempts.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Kind      StepKind       `json:"kind,omitempty"`
	Attempt   int            `json:"attempt"`
	Status    StepStatus     `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     *StepError     `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// StepError is the durable record of why a step (or execution) failed.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorRecord converts a FlowError into its persisted form.
func ErrorRecord(err error) *StepError {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FlowError); ok {
		return &StepError{Code: fe.Code, Message: fe.Message}
	}
	return &StepError{Code: ErrCodeStepFailed, Message: err.Error()}
}

// Terminal reports whether the execution has reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status.Terminal()
}
