package engine

import (
	"context"

	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/pkg/schema"
)

// EventAppender is satisfied by the Store and by streaming sinks; FSMs use it
// to emit lifecycle events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// EventFan appends each event to every sink. The first sink is the durable
// one and its error is returned; later sinks (live streams) are best-effort.
type EventFan struct {
	sinks []EventAppender
}

// NewEventFan creates a fan over the given sinks. Nil sinks are skipped.
func NewEventFan(sinks ...EventAppender) *EventFan {
	f := &EventFan{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *EventFan) AppendEvent(ctx context.Context, event *store.Event) error {
	if len(f.sinks) == 0 {
		return nil
	}
	err := f.sinks[0].AppendEvent(ctx, event)
	for _, s := range f.sinks[1:] {
		_ = s.AppendEvent(ctx, event)
	}
	return err
}

// --- Execution FSM ---

// ExecutionFSM validates execution lifecycle transitions and emits the
// corresponding event. The caller persists the new status to the store.
type ExecutionFSM struct {
	appender EventAppender
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition validates and records an execution state transition.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.WorkflowStatus) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := executionEventType(to)
	if eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidExecutionTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.StatusRunning:
		return schema.EventExecutionStarted
	case schema.StatusCompleted:
		return schema.EventExecutionCompleted
	case schema.StatusFailed:
		return schema.EventExecutionFailed
	case schema.StatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM validates step attempt transitions and emits the corresponding event.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a StepFSM that emits events via the appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and records a step state transition.
func (f *StepFSM) Transition(ctx context.Context, executionID, stepID string, from, to schema.StepStatus) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(to)
	if eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSuccess:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed lifecycle transitions for
// executions. Pending moves straight to cancelled when a Cancel wins the race
// against the run goroutine, and straight to failed when startup persistence
// breaks before any step dispatches; terminal states admit nothing.
var ValidExecutionTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.StatusPending:   {schema.StatusRunning, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusRunning:   {schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusCompleted: {},
	schema.StatusFailed:    {},
	schema.StatusCancelled: {},
}

// ValidStepTransitions defines the allowed transitions for a step's attempt
// chain. Retrying sits between a failed transient attempt and the next one.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:  {schema.StepStatusRunning},
	schema.StepStatusRunning:  {schema.StepStatusSuccess, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying: {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusSuccess:  {},
	schema.StepStatusFailed:   {},
}
