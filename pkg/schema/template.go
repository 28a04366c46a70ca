package schema

// WorkflowTemplate is the immutable definition of an automation: an ordered
// set of steps forming a DAG rooted at a single trigger. Publishing a changed
// template means publishing a new template id; existing executions keep
// referencing the version they started with.
type WorkflowTemplate struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	BusinessType         string   `json:"business_type,omitempty"`
	Category             string   `json:"category,omitempty"`
	Steps                []Step   `json:"steps"`
	RequiredIntegrations []string `json:"required_integrations,omitempty"`
	// EstimatedMinutes is the manual effort one completed run replaces,
	// used by the time-saved analytics aggregate.
	EstimatedMinutes int `json:"estimated_minutes,omitempty"`
}

// Step describes a single node in a template graph.
type Step struct {
	ID     string         `json:"id"`
	Kind   StepKind       `json:"kind"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
	// NextSteps lists successor step ids in dispatch order. Empty for leaves.
	NextSteps []string `json:"next_steps,omitempty"`
	// Branches maps a condition outcome ("true"/"false") to the successor
	// step id. Only condition steps use it; other kinds use NextSteps.
	Branches map[string]string `json:"branches,omitempty"`
	Retry    *RetryPolicy      `json:"retry,omitempty"`
}

// StepKind enumerates the kinds of steps in a template.
type StepKind string

const (
	StepKindTrigger   StepKind = "trigger"
	StepKindAction    StepKind = "action"
	StepKindCondition StepKind = "condition"
	StepKindDelay     StepKind = "delay"
)

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindTrigger, StepKindAction, StepKindCondition, StepKindDelay:
		return true
	}
	return false
}

// Branch outcome keys for condition steps.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// RetryPolicy configures re-invocation of a failed transient integration call.
// Attempt 1 is immediate; attempt k>1 waits BaseDelay * BackoffFactor^(k-2),
// randomized by +/- JitterFraction.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts"`
	BaseDelay      string  `json:"base_delay,omitempty"` // e.g. "1s", "100ms"
	BackoffFactor  float64 `json:"backoff_factor,omitempty"`
	JitterFraction float64 `json:"jitter_fraction,omitempty"`
}

// Step config keys, by kind.
const (
	// Trigger config.
	ConfigKeyEvent         = "event"
	ConfigKeyPayloadSchema = "payload_schema"

	// Action config.
	ConfigKeyService = "service"
	ConfigKeyAction  = "action"
	ConfigKeyParams  = "params"

	// Condition config.
	ConfigKeyExpression = "expression"
	ConfigKeyEngine     = "engine"

	// Delay config.
	ConfigKeySeconds = "seconds"
	ConfigKeyMinutes = "minutes"
	ConfigKeyHours   = "hours"
)

// TriggerStep returns the template's trigger step, or nil if absent.
// Validation guarantees exactly one for stored templates.
func (t *WorkflowTemplate) TriggerStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Kind == StepKindTrigger {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (t *WorkflowTemplate) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// Successors returns the ordered successor ids for a step: the branch arms in
// true-then-false order for conditions, NextSteps otherwise.
func (s *Step) Successors() []string {
	if s.Kind == StepKindCondition {
		out := make([]string, 0, 2)
		if id, ok := s.Branches[BranchTrue]; ok {
			out = append(out, id)
		}
		if id, ok := s.Branches[BranchFalse]; ok {
			out = append(out, id)
		}
		return out
	}
	return s.NextSteps
}
