package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/servicehero/flowd/internal/expressions"
	"github.com/servicehero/flowd/internal/logging"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/pkg/schema"
)

// executeStep runs a single step and returns the successor ids the walker
// should continue with. A returned error is fatal for the execution.
func (e *executorImpl) executeStep(ctx context.Context, run *executionRun, step *schema.Step) ([]string, error) {
	stepCtx := logging.WithStepID(ctx, step.ID)

	switch step.Kind {
	case schema.StepKindCondition:
		return e.runConditionStep(stepCtx, run, step)
	case schema.StepKindDelay:
		if err := e.runDelayStep(stepCtx, run, step); err != nil {
			return nil, err
		}
		return step.Successors(), nil
	case schema.StepKindAction:
		if err := e.runActionStep(stepCtx, run, step); err != nil {
			return nil, err
		}
		return step.Successors(), nil
	default:
		// The plan keeps the trigger out of successor edges, so this only
		// fires on a corrupted plan.
		return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"step %q has non-executable kind %q", step.ID, step.Kind).WithStep(step.ID)
	}
}

// fireTrigger records the trigger step as the first completed step. The
// trigger payload is already validated and seeded into the merged context.
func (e *executorImpl) fireTrigger(ctx context.Context, run *executionRun, payload map[string]any) error {
	trigger := run.plan.trigger
	stepCtx := logging.WithStepID(ctx, trigger.ID)

	if err := e.stepFSM.Transition(stepCtx, run.executionID, trigger.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return err
	}
	startedAt := time.Now().UTC()

	eventName := configString(trigger.Config, schema.ConfigKeyEvent)
	evtPayload, _ := json.Marshal(map[string]any{"event": eventName})
	_ = e.events.AppendEvent(stepCtx, &store.Event{
		ExecutionID: run.executionID,
		StepID:      trigger.ID,
		Type:        schema.EventTriggerFired,
		Payload:     evtPayload,
	})

	endedAt := time.Now().UTC()
	res := &schema.StepResult{
		StepID:    trigger.ID,
		Kind:      trigger.Kind,
		Attempt:   1,
		Status:    schema.StepStatusSuccess,
		Output:    payload,
		StartedAt: startedAt,
		EndedAt:   &endedAt,
	}
	if err := e.appendResult(stepCtx, run.executionID, res); err != nil {
		return err
	}
	if err := e.stepFSM.Transition(stepCtx, run.executionID, trigger.ID, schema.StepStatusRunning, schema.StepStatusSuccess); err != nil {
		return err
	}

	logging.LogWith(stepCtx, e.logger).Info("trigger fired", "event", eventName)
	return nil
}

// runConditionStep evaluates the step's expression against the merged context
// and returns the branch arm selected by the boolean outcome. Evaluation
// failures, including non-boolean results, fail the step with no retry.
func (e *executorImpl) runConditionStep(ctx context.Context, run *executionRun, step *schema.Step) ([]string, error) {
	if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()

	expression := configString(step.Config, schema.ConfigKeyExpression)
	engineName := configString(step.Config, schema.ConfigKeyEngine)

	outcome, err := e.conditions.Evaluate(ctx, engineName, expression, run.builder.Snapshot())
	if err != nil {
		return nil, e.failStep(ctx, run, step, 1, startedAt, schema.StepStatusRunning, err)
	}

	arm := schema.BranchFalse
	if outcome {
		arm = schema.BranchTrue
	}

	evtPayload, _ := json.Marshal(map[string]any{
		"expression": expression,
		"engine":     engineName,
		"result":     outcome,
		"branch":     arm,
	})
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: run.executionID,
		StepID:      step.ID,
		Type:        schema.EventConditionEvaluated,
		Payload:     evtPayload,
	})

	output := map[string]any{"result": outcome, "branch": arm}
	endedAt := time.Now().UTC()
	res := &schema.StepResult{
		StepID:    step.ID,
		Kind:      step.Kind,
		Attempt:   1,
		Status:    schema.StepStatusSuccess,
		Output:    output,
		StartedAt: startedAt,
		EndedAt:   &endedAt,
	}
	if err := e.appendResult(ctx, run.executionID, res); err != nil {
		return nil, err
	}
	if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusRunning, schema.StepStatusSuccess); err != nil {
		return nil, err
	}
	if err := run.builder.AddStepOutput(step.ID, output); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).Info("condition evaluated", "result", outcome, "branch", arm)

	next, ok := step.Branches[arm]
	if !ok || next == "" {
		// No arm declared for this outcome: the branch ends here.
		return nil, nil
	}
	return []string{next}, nil
}

// runDelayStep pauses the branch for the configured duration. The duration
// config can carry placeholders, resolved against the merged context when the
// step dispatches. Cancellation interrupts the wait.
func (e *executorImpl) runDelayStep(ctx context.Context, run *executionRun, step *schema.Step) error {
	if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return err
	}
	startedAt := time.Now().UTC()

	dur, err := delayDuration(step.Config, run.builder.Snapshot())
	if err != nil {
		if flowErr, ok := err.(*schema.FlowError); ok {
			err = flowErr.WithStep(step.ID)
		}
		return e.failStep(ctx, run, step, 1, startedAt, schema.StepStatusRunning, err)
	}

	evtPayload, _ := json.Marshal(map[string]any{"duration_ms": dur.Milliseconds()})
	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: run.executionID,
		StepID:      step.ID,
		Type:        schema.EventDelayStarted,
		Payload:     evtPayload,
	})
	logging.LogWith(ctx, e.logger).Info("delay started", "duration", dur.String())

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return e.failStep(ctx, run, step, 1, startedAt, schema.StepStatusRunning, interruptErr(ctx, step.ID))
	}

	_ = e.events.AppendEvent(ctx, &store.Event{
		ExecutionID: run.executionID,
		StepID:      step.ID,
		Type:        schema.EventDelayCompleted,
		Payload:     evtPayload,
	})

	output := map[string]any{"delayed_ms": dur.Milliseconds()}
	endedAt := time.Now().UTC()
	res := &schema.StepResult{
		StepID:    step.ID,
		Kind:      step.Kind,
		Attempt:   1,
		Status:    schema.StepStatusSuccess,
		Output:    output,
		StartedAt: startedAt,
		EndedAt:   &endedAt,
	}
	if err := e.appendResult(ctx, run.executionID, res); err != nil {
		return err
	}
	if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusRunning, schema.StepStatusSuccess); err != nil {
		return err
	}
	return run.builder.AddStepOutput(step.ID, output)
}

// runActionStep calls the step's integration action, retrying transient
// failures per the step's retry policy. One attempt row is appended for every
// attempt made; the final row carries the terminal status.
func (e *executorImpl) runActionStep(ctx context.Context, run *executionRun, step *schema.Step) error {
	logger := logging.LogWith(ctx, e.logger)

	if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return err
	}

	service := configString(step.Config, schema.ConfigKeyService)
	action := configString(step.Config, schema.ConfigKeyAction)
	if service == "" || action == "" {
		cause := schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"action step %q is missing service or action", step.ID).WithStep(step.ID)
		return e.failStep(ctx, run, step, 1, time.Now().UTC(), schema.StepStatusRunning, cause)
	}

	attempts := maxAttempts(step.Retry)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusRetrying, schema.StepStatusRunning); err != nil {
				return err
			}
		}
		startedAt := time.Now().UTC()

		out, callErr := e.callIntegration(ctx, run, step, service, action)
		if callErr == nil {
			pctx := persistCtx(ctx, run, step.ID)
			endedAt := time.Now().UTC()
			res := &schema.StepResult{
				StepID:    step.ID,
				Kind:      step.Kind,
				Attempt:   attempt,
				Status:    schema.StepStatusSuccess,
				Output:    out,
				StartedAt: startedAt,
				EndedAt:   &endedAt,
			}
			if err := e.appendResult(pctx, run.executionID, res); err != nil {
				return err
			}
			if err := e.stepFSM.Transition(pctx, run.executionID, step.ID, schema.StepStatusRunning, schema.StepStatusSuccess); err != nil {
				return err
			}
			if err := run.builder.AddStepOutput(step.ID, out); err != nil {
				return err
			}
			logger.Info("action step succeeded",
				"service", service, "action", action, "attempt", attempt)
			return nil
		}

		if attempt < attempts && IsRetryableError(callErr) {
			endedAt := time.Now().UTC()
			res := &schema.StepResult{
				StepID:    step.ID,
				Kind:      step.Kind,
				Attempt:   attempt,
				Status:    schema.StepStatusRetrying,
				Error:     schema.ErrorRecord(callErr),
				StartedAt: startedAt,
				EndedAt:   &endedAt,
			}
			if err := e.appendResult(ctx, run.executionID, res); err != nil {
				return err
			}
			if err := e.stepFSM.Transition(ctx, run.executionID, step.ID, schema.StepStatusRunning, schema.StepStatusRetrying); err != nil {
				return err
			}

			delay := ComputeBackoff(step.Retry, attempt+1)
			logger.Warn("action step retrying",
				"service", service, "action", action,
				"attempt", attempt, "delay", delay.String(), "error", callErr.Error())
			if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
				cause := interruptErr(ctx, step.ID)
				pctx := persistCtx(ctx, run, step.ID)
				_ = e.stepFSM.Transition(pctx, run.executionID, step.ID, schema.StepStatusRetrying, schema.StepStatusFailed)
				return cause
			}
			continue
		}

		finalErr := callErr
		if attempts > 1 && IsRetryableError(callErr) {
			finalErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %s failed after %d attempts", step.ID, attempts).
				WithStep(step.ID).WithCause(callErr)
		}
		return e.failStep(ctx, run, step, attempt, startedAt, schema.StepStatusRunning, finalErr)
	}
	return nil
}

// callIntegration performs one integration call: circuit breaker admission,
// registry lookup, parameter interpolation, then the call under the per-call
// timeout. Breaker counters move only around the call itself, never on
// admission, lookup, or interpolation failures.
func (e *executorImpl) callIntegration(ctx context.Context, run *executionRun, step *schema.Step, service, action string) (map[string]any, error) {
	if err := e.breakers.AllowRequest(service); err != nil {
		return nil, err
	}

	integ, err := e.registry.Get(service)
	if err != nil {
		return nil, err
	}

	params, _ := step.Config[schema.ConfigKeyParams].(map[string]any)
	resolved, err := expressions.Resolve(params, run.builder.Snapshot())
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if e.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
	}

	out, callErr := integ.Execute(callCtx, action, resolved)
	if callErr != nil {
		if ctx.Err() != nil {
			// The execution died mid-call; the provider is not at fault.
			return nil, interruptErr(ctx, step.ID)
		}
		if callCtx.Err() == context.DeadlineExceeded {
			callErr = schema.NewIntegrationError(true, "call_timeout",
				fmt.Sprintf("%s.%s timed out after %s", service, action, e.config.CallTimeout)).
				WithStep(step.ID).WithCause(callErr)
		}
		e.breakers.RecordFailure(service)
		return nil, callErr
	}

	e.breakers.RecordSuccess(service)
	return out, nil
}

// failStep records a terminal failed attempt row, closes the step's FSM
// chain, and hands the cause back for propagation.
func (e *executorImpl) failStep(ctx context.Context, run *executionRun, step *schema.Step, attempt int, startedAt time.Time, from schema.StepStatus, cause error) error {
	pctx := persistCtx(ctx, run, step.ID)

	endedAt := time.Now().UTC()
	res := &schema.StepResult{
		StepID:    step.ID,
		Kind:      step.Kind,
		Attempt:   attempt,
		Status:    schema.StepStatusFailed,
		Error:     schema.ErrorRecord(cause),
		StartedAt: startedAt,
		EndedAt:   &endedAt,
	}
	if err := e.appendResult(pctx, run.executionID, res); err != nil {
		return err
	}
	if err := e.stepFSM.Transition(pctx, run.executionID, step.ID, from, schema.StepStatusFailed); err != nil {
		return err
	}

	logging.LogWith(ctx, e.logger).Error("step failed",
		"kind", string(step.Kind), "attempt", attempt, "error", cause.Error())
	return cause
}

// appendResult durably records one attempt row.
func (e *executorImpl) appendResult(ctx context.Context, executionID string, res *schema.StepResult) error {
	if err := e.store.AppendStepResult(ctx, executionID, res); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"append step result for %s: %s", res.StepID, err.Error()).WithCause(err)
	}
	return nil
}

// persistCtx returns a context safe for durable writes: the run context while
// it lives, a fresh one carrying the same correlation ids once it is dead.
// Cancelled runs still record their in-flight results through this.
func persistCtx(ctx context.Context, run *executionRun, stepID string) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	return logging.WithIDs(context.Background(), run.executionID, stepID, run.tenantID)
}

// interruptErr maps a dead run context to the error recorded on rows written
// after the interruption.
func interruptErr(ctx context.Context, stepID string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return schema.NewErrorf(schema.ErrCodeExecutionTimeout,
			"execution deadline reached at step %s", stepID).WithStep(stepID)
	}
	return schema.NewErrorf(schema.ErrCodeCancelled,
		"execution cancelled at step %s", stepID).WithStep(stepID)
}

// configString reads a string-valued config key, empty when absent or not a
// string.
func configString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	s, _ := config[key].(string)
	return s
}

// delayDuration sums the seconds, minutes, and hours config keys into one
// duration. String values may carry placeholders and resolve against the
// merged context at dispatch time.
func delayDuration(config map[string]any, mc *expressions.MergedContext) (time.Duration, error) {
	units := []struct {
		key  string
		unit time.Duration
	}{
		{schema.ConfigKeySeconds, time.Second},
		{schema.ConfigKeyMinutes, time.Minute},
		{schema.ConfigKeyHours, time.Hour},
	}

	var total time.Duration
	for _, u := range units {
		raw, ok := config[u.key]
		if !ok {
			continue
		}
		val, err := resolveNumber(u.key, raw, mc)
		if err != nil {
			return 0, err
		}
		if val < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"delay %s is negative: %v", u.key, val)
		}
		total += time.Duration(val * float64(u.unit))
	}
	return total, nil
}

// resolveNumber coerces a config value to a number, resolving placeholders in
// string values first.
func resolveNumber(key string, raw any, mc *expressions.MergedContext) (float64, error) {
	if s, ok := raw.(string); ok {
		resolved, err := expressions.ResolveString(s, mc)
		if err != nil {
			return 0, err
		}
		raw = resolved
	}

	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"delay %s is not numeric: %q", key, v)
		}
		return parsed, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"delay %s is not numeric: %T", key, raw)
	}
}
