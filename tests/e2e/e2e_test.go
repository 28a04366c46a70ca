package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/internal/engine"
	"github.com/servicehero/flowd/internal/expressions"
	"github.com/servicehero/flowd/internal/identity"
	"github.com/servicehero/flowd/internal/integrations"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/internal/streaming"
	"github.com/servicehero/flowd/internal/validation"
	"github.com/servicehero/flowd/pkg/schema"
)

// --- Harness ---

// harness wires a real store, registry, validator, hub, and executor the way
// the daemon assembles them, minus the HTTP listener and provider processes.
type harness struct {
	store     *store.LibSQLStore
	registry  *integrations.Registry
	validator *validation.TemplateValidator
	hub       *streaming.MemoryHub
	quota     *identity.Quota
	executor  engine.Executor
	logger    *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessConfig(t, engine.ExecutorConfig{
		PoolSize:         4,
		ExecutionTimeout: 30 * time.Second,
		CallTimeout:      5 * time.Second,
	})
}

func newHarnessConfig(t *testing.T, cfg engine.ExecutorConfig) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := integrations.NewRegistry()
	creds := integrations.VaultCredentials{}
	builtins := []integrations.Integration{
		integrations.NewHTTPIntegration(integrations.HTTPConfig{}),
		integrations.NewSMSIntegration(creds, logger),
		integrations.NewEmailIntegration(creds, logger),
		integrations.NewCalendarIntegration(creds, logger),
	}
	for _, integ := range builtins {
		require.NoError(t, registry.Register(integ))
	}

	conditions, err := expressions.NewConditions()
	require.NoError(t, err)
	validator, err := validation.NewTemplateValidator(conditions)
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	quota := identity.NewQuota(st)

	exec := engine.NewExecutor(st, registry, conditions, validator, cfg,
		engine.WithLogger(logger),
		engine.WithQuotaGate(quota),
		engine.WithEventSink(streaming.NewHubSink(hub)))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.Shutdown(shutdownCtx)
		_ = st.Close()
	})

	return &harness{
		store:     st,
		registry:  registry,
		validator: validator,
		hub:       hub,
		quota:     quota,
		executor:  exec,
		logger:    logger,
	}
}

// define validates and stores a template, failing the test on rejection.
func (h *harness) define(t *testing.T, tpl *schema.WorkflowTemplate) {
	t.Helper()
	require.NoError(t, h.validator.ValidateTemplate(tpl), "template %s rejected", tpl.ID)
	require.NoError(t, h.store.PutTemplate(context.Background(), tpl))
}

// start launches an execution and fails the test if admission is refused.
func (h *harness) start(t *testing.T, templateID, tenantID string, payload map[string]any) string {
	t.Helper()
	id, err := h.executor.Start(context.Background(), templateID, tenantID, payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

// waitTerminal polls execution status until it reaches a terminal state.
func (h *harness) waitTerminal(t *testing.T, executionID string) *schema.Execution {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := h.executor.Status(context.Background(), executionID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state in time", executionID)
	return nil
}

// run starts an execution and waits for it to finish, whatever the outcome.
func (h *harness) run(t *testing.T, templateID string, payload map[string]any) *schema.Execution {
	t.Helper()
	id := h.start(t, templateID, "", payload)
	return h.waitTerminal(t, id)
}

// runCompleted runs an execution and requires it to complete successfully.
func (h *harness) runCompleted(t *testing.T, templateID string, payload map[string]any) *schema.Execution {
	t.Helper()
	exec := h.run(t, templateID, payload)
	require.Equal(t, schema.StatusCompleted, exec.Status,
		"execution did not complete: %+v", exec.Error)
	return exec
}

// events fetches the full event trail for an execution, in sequence order.
func (h *harness) events(t *testing.T, executionID string) []*store.Event {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), executionID, 0)
	require.NoError(t, err)
	return events
}

// --- Step result helpers ---

// resultsByStep groups attempt rows by step id, preserving append order.
func resultsByStep(exec *schema.Execution) map[string][]schema.StepResult {
	out := make(map[string][]schema.StepResult)
	for _, res := range exec.StepResults {
		out[res.StepID] = append(out[res.StepID], res)
	}
	return out
}

// lastResult returns the final attempt row for a step.
func lastResult(t *testing.T, exec *schema.Execution, stepID string) schema.StepResult {
	t.Helper()
	rows := resultsByStep(exec)[stepID]
	require.NotEmpty(t, rows, "no attempt rows for step %s", stepID)
	return rows[len(rows)-1]
}

func eventTypes(events []*store.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func containsType(events []*store.Event, eventType string) bool {
	for _, e := range events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// --- Test integrations ---

// recorderIntegration captures the resolved params of every call so tests can
// assert on what the engine actually handed to the service.
type recorderIntegration struct {
	name string
	mu   sync.Mutex
	got  []map[string]any
}

func newRecorder(name string) *recorderIntegration {
	return &recorderIntegration{name: name}
}

func (r *recorderIntegration) Name() string { return r.name }

func (r *recorderIntegration) Actions() []integrations.ActionInfo {
	return []integrations.ActionInfo{{Name: "run", Description: "records resolved params"}}
}

func (r *recorderIntegration) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	if action != "run" {
		return nil, schema.NewIntegrationError(false, "unknown_action",
			fmt.Sprintf("%s: unknown action %q", r.name, action))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, params)
	return map[string]any{"recorded": true, "call": len(r.got)}, nil
}

func (r *recorderIntegration) calls() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.got))
	copy(out, r.got)
	return out
}

// flakyIntegration fails its first failures calls with a transient error,
// then succeeds. Call counting is global across executions.
type flakyIntegration struct {
	name     string
	failures int
	mu       sync.Mutex
	calls    int
}

func (f *flakyIntegration) Name() string { return f.name }

func (f *flakyIntegration) Actions() []integrations.ActionInfo {
	return []integrations.ActionInfo{{Name: "run", Description: "fails then recovers"}}
}

func (f *flakyIntegration) Execute(context.Context, string, map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, schema.NewIntegrationError(true, "unavailable",
			fmt.Sprintf("%s: temporary outage (call %d)", f.name, f.calls))
	}
	return map[string]any{"call": f.calls, "ok": true}, nil
}

func (f *flakyIntegration) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingIntegration always fails; transient controls retryability.
type failingIntegration struct {
	name      string
	transient bool
	mu        sync.Mutex
	calls     int
}

func (f *failingIntegration) Name() string { return f.name }

func (f *failingIntegration) Actions() []integrations.ActionInfo {
	return []integrations.ActionInfo{{Name: "run", Description: "always fails"}}
}

func (f *failingIntegration) Execute(context.Context, string, map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, schema.NewIntegrationError(f.transient, "boom", f.name+": refused")
}

func (f *failingIntegration) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- Template builders ---

func triggerStep(id, event string, next ...string) schema.Step {
	return schema.Step{
		ID:        id,
		Kind:      schema.StepKindTrigger,
		Name:      id,
		Config:    map[string]any{"event": event},
		NextSteps: next,
	}
}

func actionStep(id, service, action string, params map[string]any, next ...string) schema.Step {
	return schema.Step{
		ID:   id,
		Kind: schema.StepKindAction,
		Name: id,
		Config: map[string]any{
			"service": service,
			"action":  action,
			"params":  params,
		},
		NextSteps: next,
	}
}

func conditionStep(id, expression, onTrue, onFalse string) schema.Step {
	return schema.Step{
		ID:     id,
		Kind:   schema.StepKindCondition,
		Name:   id,
		Config: map[string]any{"expression": expression},
		Branches: map[string]string{
			schema.BranchTrue:  onTrue,
			schema.BranchFalse: onFalse,
		},
	}
}

func delayStep(id string, seconds any, next ...string) schema.Step {
	return schema.Step{
		ID:        id,
		Kind:      schema.StepKindDelay,
		Name:      id,
		Config:    map[string]any{"seconds": seconds},
		NextSteps: next,
	}
}

func template(id string, steps ...schema.Step) *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:    id,
		Name:  id,
		Steps: steps,
	}
}

// --- Scenarios ---

// 1. A linear trigger -> sms -> email chain runs to completion with one
// success row per step, in dispatch order.
func TestLinearWorkflowCompletes(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("linear",
		triggerStep("job_created", "job.created", "notify_tech"),
		actionStep("notify_tech", "sms", "send", map[string]any{
			"to":   "{{phone}}",
			"body": "New job: {{summary}}",
		}, "notify_office"),
		actionStep("notify_office", "email", "send", map[string]any{
			"to":      "office@example.com",
			"subject": "Job logged",
			"body":    "{{summary}}",
		}),
	))

	exec := h.runCompleted(t, "linear", map[string]any{
		"phone":   "555-0100",
		"summary": "Leaky faucet",
	})

	require.Len(t, exec.StepResults, 3)
	assert.Equal(t, "job_created", exec.StepResults[0].StepID)
	assert.Equal(t, "notify_tech", exec.StepResults[1].StepID)
	assert.Equal(t, "notify_office", exec.StepResults[2].StepID)
	for _, res := range exec.StepResults {
		assert.Equal(t, schema.StepStatusSuccess, res.Status)
		assert.NotNil(t, res.EndedAt)
	}

	sms := lastResult(t, exec, "notify_tech")
	msgID, _ := sms.Output["message_id"].(string)
	assert.Contains(t, msgID, "mock_sms_")
	assert.Equal(t, "sent", sms.Output["status"])

	mail := lastResult(t, exec, "notify_office")
	mailID, _ := mail.Output["message_id"].(string)
	assert.Contains(t, mailID, "mock_email_")

	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.EndedAt)
	assert.Nil(t, exec.Error)
}

// 2. Placeholders resolve from the trigger payload and the full message
// reaches the integration verbatim.
func TestTriggerPayloadInterpolation(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder("dispatch")
	require.NoError(t, h.registry.Register(rec))

	h.define(t, template("dispatch-job",
		triggerStep("job_assigned", "job.assigned", "text_tech"),
		actionStep("text_tech", "dispatch", "run", map[string]any{
			"to":   "{{technician_phone}}",
			"body": "New job at {{address}}: {{job_description}}",
		}),
	))

	h.runCompleted(t, "dispatch-job", map[string]any{
		"technician_phone": "+15550100",
		"address":          "123 Main St",
		"job_description":  "Replace water heater",
	})

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "+15550100", calls[0]["to"])
	assert.Equal(t, "New job at 123 Main St: Replace water heater", calls[0]["body"])
}

// 3. A later step sees the outputs of earlier steps merged over the trigger
// payload, so a confirmation can reference the message id of the first send.
func TestStepOutputsFlowDownstream(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder("audit")
	require.NoError(t, h.registry.Register(rec))

	h.define(t, template("chained",
		triggerStep("start", "chain.start", "send_sms"),
		actionStep("send_sms", "sms", "send", map[string]any{
			"to":   "{{phone}}",
			"body": "hello",
		}, "audit_log"),
		actionStep("audit_log", "audit", "run", map[string]any{
			"reference": "{{message_id}}",
			"delivered": "{{status}}",
		}),
	))

	h.runCompleted(t, "chained", map[string]any{"phone": "555-0101"})

	calls := rec.calls()
	require.Len(t, calls, 1)
	ref, _ := calls[0]["reference"].(string)
	assert.Contains(t, ref, "mock_sms_")
	assert.Equal(t, "sent", calls[0]["delivered"])
}

// 4. A whole-token placeholder keeps the referenced value's type instead of
// stringifying it.
func TestInterpolationPreservesTypes(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder("typed")
	require.NoError(t, h.registry.Register(rec))

	h.define(t, template("typed-params",
		triggerStep("start", "typed.start", "record"),
		actionStep("record", "typed", "run", map[string]any{
			"amount":  "{{amount}}",
			"urgent":  "{{urgent}}",
			"caption": "amount is {{amount}}",
		}),
	))

	h.runCompleted(t, "typed-params", map[string]any{
		"amount": 249.5,
		"urgent": true,
	})

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 249.5, calls[0]["amount"])
	assert.Equal(t, true, calls[0]["urgent"])
	assert.Equal(t, "amount is 249.5", calls[0]["caption"])
}

// 5. An unresolvable placeholder aborts the step before the integration is
// called and fails the execution with an interpolation error.
func TestStrictInterpolationFailsExecution(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder("strict")
	require.NoError(t, h.registry.Register(rec))

	h.define(t, template("strict-interp",
		triggerStep("start", "strict.start", "send"),
		actionStep("send", "strict", "run", map[string]any{
			"to":   "{{phone}}",
			"body": "hi {{nonexistent_key}}",
		}),
	))

	exec := h.run(t, "strict-interp", map[string]any{"phone": "555-0102"})

	require.Equal(t, schema.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeInterpolation, exec.Error.Code)
	assert.Empty(t, rec.calls(), "integration must not see a half-resolved call")

	failed := lastResult(t, exec, "send")
	assert.Equal(t, schema.StepStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, schema.ErrCodeInterpolation, failed.Error.Code)
}

// 6. A condition routes down the true arm when its expression holds.
func TestConditionRoutesTrueBranch(t *testing.T) {
	h := newHarness(t)
	urgent := newRecorder("pager")
	routine := newRecorder("backlog")
	require.NoError(t, h.registry.Register(urgent))
	require.NoError(t, h.registry.Register(routine))

	h.define(t, template("triage",
		triggerStep("request", "request.received", "check"),
		conditionStep("check", `urgency == "critical"`, "page", "queue"),
		actionStep("page", "pager", "run", map[string]any{"who": "{{customer}}"}),
		actionStep("queue", "backlog", "run", map[string]any{"who": "{{customer}}"}),
	))

	exec := h.runCompleted(t, "triage", map[string]any{
		"urgency":  "critical",
		"customer": "Dana",
	})

	cond := lastResult(t, exec, "check")
	assert.Equal(t, true, cond.Output["result"])
	assert.Equal(t, schema.BranchTrue, cond.Output["branch"])

	require.Len(t, urgent.calls(), 1)
	assert.Empty(t, routine.calls())
	_, queued := resultsByStep(exec)["queue"]
	assert.False(t, queued, "false arm must not execute")
}

// 7. The same condition routes down the false arm otherwise.
func TestConditionRoutesFalseBranch(t *testing.T) {
	h := newHarness(t)
	urgent := newRecorder("pager")
	routine := newRecorder("backlog")
	require.NoError(t, h.registry.Register(urgent))
	require.NoError(t, h.registry.Register(routine))

	h.define(t, template("triage-low",
		triggerStep("request", "request.received", "check"),
		conditionStep("check", `urgency == "critical"`, "page", "queue"),
		actionStep("page", "pager", "run", map[string]any{"who": "{{customer}}"}),
		actionStep("queue", "backlog", "run", map[string]any{"who": "{{customer}}"}),
	))

	exec := h.runCompleted(t, "triage-low", map[string]any{
		"urgency":  "routine",
		"customer": "Riley",
	})

	cond := lastResult(t, exec, "check")
	assert.Equal(t, false, cond.Output["result"])
	require.Len(t, routine.calls(), 1)
	assert.Empty(t, urgent.calls())
}

// 8. Conditions can pick their expression engine per step; CEL and jq both
// evaluate against the same merged context.
func TestConditionEngines(t *testing.T) {
	h := newHarness(t)
	hit := newRecorder("hit")
	miss := newRecorder("miss")
	require.NoError(t, h.registry.Register(hit))
	require.NoError(t, h.registry.Register(miss))

	celCond := schema.Step{
		ID:     "cel_check",
		Kind:   schema.StepKindCondition,
		Name:   "cel_check",
		Config: map[string]any{"expression": `vars.amount > 100.0`, "engine": "cel"},
		Branches: map[string]string{
			schema.BranchTrue:  "jq_check",
			schema.BranchFalse: "reject",
		},
	}
	jqCond := schema.Step{
		ID:     "jq_check",
		Kind:   schema.StepKindCondition,
		Name:   "jq_check",
		Config: map[string]any{"expression": `.tier == "gold"`, "engine": "jq"},
		Branches: map[string]string{
			schema.BranchTrue:  "accept",
			schema.BranchFalse: "reject",
		},
	}

	h.define(t, template("engines",
		triggerStep("start", "engines.start", "cel_check"),
		celCond,
		jqCond,
		actionStep("accept", "hit", "run", map[string]any{}),
		actionStep("reject", "miss", "run", map[string]any{}),
	))

	h.runCompleted(t, "engines", map[string]any{
		"amount": 250.0,
		"tier":   "gold",
	})

	require.Len(t, hit.calls(), 1)
	assert.Empty(t, miss.calls())
}

// 9. A delay step holds its branch for the configured duration before the
// successor dispatches.
func TestDelayStepWaits(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("delayed",
		triggerStep("start", "delay.start", "hold"),
		delayStep("hold", 0.3, "after"),
		actionStep("after", "sms", "send", map[string]any{
			"to":   "555-0103",
			"body": "after the wait",
		}),
	))

	began := time.Now()
	exec := h.runCompleted(t, "delayed", nil)
	elapsed := time.Since(began)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	hold := lastResult(t, exec, "hold")
	assert.EqualValues(t, 300, hold.Output["delayed_ms"])

	events := h.events(t, exec.ID)
	assert.True(t, containsType(events, schema.EventDelayStarted))
	assert.True(t, containsType(events, schema.EventDelayCompleted))
}

// 10. Delay durations can come from the trigger payload via a placeholder.
func TestDelayDurationFromPayload(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("delay-param",
		triggerStep("start", "delay.start", "hold"),
		delayStep("hold", "{{wait_seconds}}", "after"),
		actionStep("after", "sms", "send", map[string]any{
			"to":   "555-0104",
			"body": "done waiting",
		}),
	))

	exec := h.runCompleted(t, "delay-param", map[string]any{"wait_seconds": 0.2})

	hold := lastResult(t, exec, "hold")
	assert.EqualValues(t, 200, hold.Output["delayed_ms"])
}

// 11. A transient failure retries per the step policy and the execution
// recovers; every attempt leaves its own row.
func TestRetryTransientFailureRecovers(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyIntegration{name: "crm", failures: 2}
	require.NoError(t, h.registry.Register(flaky))

	tpl := template("retry-recovers",
		triggerStep("start", "retry.start", "sync"),
		actionStep("sync", "crm", "run", map[string]any{"record": "{{record_id}}"}),
	)
	tpl.Steps[1].Retry = &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "40ms", BackoffFactor: 2}
	h.define(t, tpl)

	exec := h.runCompleted(t, "retry-recovers", map[string]any{"record_id": "r-1"})

	assert.Equal(t, 3, flaky.callCount())
	rows := resultsByStep(exec)["sync"]
	require.Len(t, rows, 3)
	assert.Equal(t, schema.StepStatusRetrying, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempt)
	assert.Equal(t, schema.StepStatusRetrying, rows[1].Status)
	assert.Equal(t, 2, rows[1].Attempt)
	assert.Equal(t, schema.StepStatusSuccess, rows[2].Status)
	assert.Equal(t, 3, rows[2].Attempt)

	events := h.events(t, exec.ID)
	assert.True(t, containsType(events, schema.EventStepRetrying))
}

// 12. Retries back off exponentially between attempts.
func TestRetryBacksOff(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyIntegration{name: "slowapi", failures: 2}
	require.NoError(t, h.registry.Register(flaky))

	tpl := template("retry-backoff",
		triggerStep("start", "retry.start", "call"),
		actionStep("call", "slowapi", "run", map[string]any{}),
	)
	tpl.Steps[1].Retry = &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "100ms", BackoffFactor: 2}
	h.define(t, tpl)

	began := time.Now()
	h.runCompleted(t, "retry-backoff", nil)
	elapsed := time.Since(began)

	// Attempt 2 waits ~100ms and attempt 3 ~200ms, jitter is +/-10%.
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
}

// 13. When every attempt fails the step reports retry exhaustion and the
// execution fails with the exhaustion error, original cause attached.
func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	broken := &failingIntegration{name: "deadapi", transient: true}
	require.NoError(t, h.registry.Register(broken))

	tpl := template("retry-exhausted",
		triggerStep("start", "retry.start", "call"),
		actionStep("call", "deadapi", "run", map[string]any{}),
	)
	tpl.Steps[1].Retry = &schema.RetryPolicy{MaxAttempts: 2, BaseDelay: "20ms"}
	h.define(t, tpl)

	exec := h.run(t, "retry-exhausted", nil)

	require.Equal(t, schema.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, exec.Error.Code)
	assert.Equal(t, 2, broken.callCount())

	rows := resultsByStep(exec)["call"]
	require.Len(t, rows, 2)
	assert.Equal(t, schema.StepStatusRetrying, rows[0].Status)
	assert.Equal(t, schema.StepStatusFailed, rows[1].Status)
}

// 14. Permanent integration errors skip the retry loop entirely.
func TestPermanentErrorSkipsRetry(t *testing.T) {
	h := newHarness(t)
	broken := &failingIntegration{name: "rejector", transient: false}
	require.NoError(t, h.registry.Register(broken))

	tpl := template("no-retry",
		triggerStep("start", "retry.start", "call"),
		actionStep("call", "rejector", "run", map[string]any{}),
	)
	tpl.Steps[1].Retry = &schema.RetryPolicy{MaxAttempts: 5, BaseDelay: "10ms"}
	h.define(t, tpl)

	exec := h.run(t, "no-retry", nil)

	require.Equal(t, schema.StatusFailed, exec.Status)
	assert.Equal(t, 1, broken.callCount())

	rows := resultsByStep(exec)["call"]
	require.Len(t, rows, 1)
	assert.Equal(t, schema.StepStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, schema.ErrCodeIntegration, rows[0].Error.Code)
}

// 15. A failed step halts its branch; downstream steps never run.
func TestFailureStopsDownstream(t *testing.T) {
	h := newHarness(t)
	broken := &failingIntegration{name: "gate", transient: false}
	after := newRecorder("afterward")
	require.NoError(t, h.registry.Register(broken))
	require.NoError(t, h.registry.Register(after))

	h.define(t, template("halts",
		triggerStep("start", "halt.start", "blocked"),
		actionStep("blocked", "gate", "run", map[string]any{}, "never"),
		actionStep("never", "afterward", "run", map[string]any{}),
	))

	exec := h.run(t, "halts", nil)

	require.Equal(t, schema.StatusFailed, exec.Status)
	assert.Empty(t, after.calls())
	_, ran := resultsByStep(exec)["never"]
	assert.False(t, ran, "downstream step must not run after a failure")

	events := h.events(t, exec.ID)
	assert.True(t, containsType(events, schema.EventExecutionFailed))
}

// 16. Start rejects a payload that fails the trigger's declared schema, before
// any execution row is created.
func TestPayloadValidationRejectsStart(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("guarded",
		schema.Step{
			ID:   "booking",
			Kind: schema.StepKindTrigger,
			Name: "booking",
			Config: map[string]any{
				"event": "booking.created",
				"payload_schema": map[string]any{
					"type":     "object",
					"required": []any{"customer_phone"},
					"properties": map[string]any{
						"customer_phone": map[string]any{"type": "string"},
					},
				},
			},
			NextSteps: []string{"confirm"},
		},
		actionStep("confirm", "sms", "send", map[string]any{
			"to":   "{{customer_phone}}",
			"body": "confirmed",
		}),
	))

	_, err := h.executor.Start(context.Background(), "guarded", "", map[string]any{"name": "Ash"})
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)

	// The valid payload goes through.
	h.runCompleted(t, "guarded", map[string]any{"customer_phone": "555-0105"})
}

// 17. Starting an unknown template fails synchronously.
func TestStartUnknownTemplate(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.Start(context.Background(), "no-such-template", "", nil)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeTemplateNotFound, flowErr.Code)
}

// 18. An action naming a service nobody registered fails the execution with a
// configuration error, not a panic or a hang.
func TestUnconfiguredServiceFailsExecution(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("missing-service",
		triggerStep("start", "svc.start", "call"),
		actionStep("call", "not_installed", "run", map[string]any{}),
	))

	exec := h.run(t, "missing-service", nil)

	require.Equal(t, schema.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeNotConfigured, exec.Error.Code)
}

// 19. Cancelling a running execution stops it mid-delay, records the
// interrupted step, and starts nothing new.
func TestCancelRunningExecution(t *testing.T) {
	h := newHarness(t)
	after := newRecorder("post_cancel")
	require.NoError(t, h.registry.Register(after))

	h.define(t, template("cancellable",
		triggerStep("start", "cancel.start", "long_wait"),
		delayStep("long_wait", 30, "never"),
		actionStep("never", "post_cancel", "run", map[string]any{}),
	))

	id := h.start(t, "cancellable", "", nil)

	// Wait for the trigger to land before cancelling, so the delay is the
	// step in flight.
	require.Eventually(t, func() bool {
		exec, err := h.executor.Status(context.Background(), id)
		if err != nil {
			return false
		}
		_, started := resultsByStep(exec)["start"]
		return started
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.executor.Cancel(context.Background(), id))
	exec := h.waitTerminal(t, id)

	require.Equal(t, schema.StatusCancelled, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeCancelled, exec.Error.Code)
	assert.Empty(t, after.calls())

	events := h.events(t, id)
	assert.True(t, containsType(events, schema.EventExecutionCancelled))
}

// 20. Cancelling an execution that already finished is an invalid transition.
func TestCancelTerminalExecutionRejected(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("quick",
		triggerStep("start", "quick.start", "send"),
		actionStep("send", "sms", "send", map[string]any{"to": "555-0106", "body": "hi"}),
	))

	exec := h.runCompleted(t, "quick", nil)

	err := h.executor.Cancel(context.Background(), exec.ID)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
}

// 21. The execution-level deadline kills a run that outlives it and marks the
// timeout distinctly from a failure or a cancel.
func TestExecutionTimeout(t *testing.T) {
	h := newHarnessConfig(t, engine.ExecutorConfig{
		PoolSize:         2,
		ExecutionTimeout: 300 * time.Millisecond,
		CallTimeout:      5 * time.Second,
	})

	h.define(t, template("overdue",
		triggerStep("start", "slow.start", "forever"),
		delayStep("forever", 30),
	))

	exec := h.run(t, "overdue", nil)

	require.Equal(t, schema.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeExecutionTimeout, exec.Error.Code)

	events := h.events(t, exec.ID)
	assert.True(t, containsType(events, schema.EventExecutionTimedOut))
}

// 22. Parallel fan-out runs both branches; a converging step runs exactly once
// even though two branches point at it.
func TestParallelBranchesConverge(t *testing.T) {
	h := newHarness(t)
	left := newRecorder("left_svc")
	right := newRecorder("right_svc")
	join := newRecorder("join_svc")
	require.NoError(t, h.registry.Register(left))
	require.NoError(t, h.registry.Register(right))
	require.NoError(t, h.registry.Register(join))

	h.define(t, template("diamond",
		triggerStep("start", "fan.start", "a", "b"),
		actionStep("a", "left_svc", "run", map[string]any{}, "merge"),
		actionStep("b", "right_svc", "run", map[string]any{}, "merge"),
		actionStep("merge", "join_svc", "run", map[string]any{}),
	))

	exec := h.runCompleted(t, "diamond", nil)

	assert.Len(t, left.calls(), 1)
	assert.Len(t, right.calls(), 1)
	assert.Len(t, join.calls(), 1, "converging step must run once")

	rows := resultsByStep(exec)
	assert.Len(t, rows["a"], 1)
	assert.Len(t, rows["b"], 1)
	assert.Len(t, rows["merge"], 1)
}

// 23. Concurrent executions of the same template stay isolated: each sees only
// its own payload.
func TestConcurrentExecutionsIsolated(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder("sink")
	require.NoError(t, h.registry.Register(rec))

	h.define(t, template("parallel-runs",
		triggerStep("start", "load.start", "emit"),
		actionStep("emit", "sink", "run", map[string]any{"marker": "{{marker}}"}),
	))

	const n = 8
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = h.start(t, "parallel-runs", "", map[string]any{"marker": fmt.Sprintf("run-%d", i)})
	}

	seen := make(map[string]bool)
	for i, id := range ids {
		exec := h.waitTerminal(t, id)
		require.Equal(t, schema.StatusCompleted, exec.Status, "run %d failed: %+v", i, exec.Error)
		marker, _ := exec.TriggerPayload["marker"].(string)
		seen[marker] = true
	}
	assert.Len(t, seen, n)

	calls := rec.calls()
	require.Len(t, calls, n)
	markers := make(map[any]bool)
	for _, call := range calls {
		markers[call["marker"]] = true
	}
	assert.Len(t, markers, n, "each execution must deliver its own marker")
}

// 24. The event trail tells the whole story in sequence order: admission,
// trigger, per-step lifecycle, terminal state.
func TestEventTrailRecorded(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("storied",
		triggerStep("start", "story.start", "send"),
		actionStep("send", "sms", "send", map[string]any{"to": "555-0107", "body": "ping"}),
	))

	exec := h.runCompleted(t, "storied", nil)
	events := h.events(t, exec.ID)
	require.NotEmpty(t, events)

	types := eventTypes(events)
	assert.Equal(t, schema.EventExecutionStarted, types[0])
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
	assert.True(t, containsType(events, schema.EventTriggerFired))
	assert.True(t, containsType(events, schema.EventStepStarted))
	assert.True(t, containsType(events, schema.EventStepCompleted))

	var lastSeq int64 = -1
	for _, e := range events {
		assert.Greater(t, e.Sequence, lastSeq, "events must be strictly ordered")
		lastSeq = e.Sequence
		assert.Equal(t, exec.ID, e.ExecutionID)
	}
}

// 25. A hub subscriber sees the live stream for its execution, ending with the
// terminal event.
func TestHubStreamsExecutionEvents(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("streamed",
		triggerStep("start", "stream.start", "send"),
		actionStep("send", "email", "send", map[string]any{
			"to": "watch@example.com", "subject": "s", "body": "b",
		}),
	))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ch, unsub, err := h.hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer unsub()

	id := h.start(t, "streamed", "", nil)

	var got []streaming.StreamEvent
	for {
		select {
		case ev := <-ch:
			if ev.ExecutionID != id {
				continue
			}
			got = append(got, ev)
			if ev.EventType == schema.EventExecutionCompleted {
				goto done
			}
		case <-ctx.Done():
			t.Fatal("terminal event never arrived on the hub")
		}
	}
done:
	require.NotEmpty(t, got)
	assert.Equal(t, schema.EventExecutionCompleted, got[len(got)-1].EventType)
	for _, ev := range got {
		assert.Equal(t, id, ev.ExecutionID)
	}
}

// 26. Status attaches the attempt history to the execution it returns.
func TestStatusIncludesStepResults(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("inspectable",
		triggerStep("start", "inspect.start", "send"),
		actionStep("send", "calendar", "create_appointment", map[string]any{
			"start_time":    "2026-09-01T10:00:00Z",
			"title":         "Site visit",
			"customer_name": "{{customer}}",
		}),
	))

	exec := h.runCompleted(t, "inspectable", map[string]any{"customer": "Kim"})

	fetched, err := h.executor.Status(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, fetched.StepResults, 2)

	appt := lastResult(t, fetched, "send")
	apptID, _ := appt.Output["appointment_id"].(string)
	assert.Contains(t, apptID, "mock_appt_")
	assert.Equal(t, "scheduled", appt.Output["status"])
	assert.Equal(t, "Kim", appt.Output["customer_name"])
}

// 27. Pool metrics account for finished walks.
func TestPoolMetricsTrackCompletions(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("counted",
		triggerStep("start", "count.start", "send"),
		actionStep("send", "sms", "send", map[string]any{"to": "555-0108", "body": "x"}),
	))

	for i := 0; i < 3; i++ {
		h.runCompleted(t, "counted", nil)
	}

	metrics := h.executor.Metrics()
	assert.GreaterOrEqual(t, metrics.Completed, int64(3))
	assert.EqualValues(t, 0, metrics.Panics)
}

// 28. A shut-down executor refuses new work but leaves history readable.
func TestShutdownRejectsNewStarts(t *testing.T) {
	h := newHarness(t)

	h.define(t, template("final",
		triggerStep("start", "final.start", "send"),
		actionStep("send", "sms", "send", map[string]any{"to": "555-0109", "body": "bye"}),
	))

	exec := h.runCompleted(t, "final", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.executor.Shutdown(shutdownCtx))

	_, err := h.executor.Start(context.Background(), "final", "", nil)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)

	// History survives shutdown.
	stored, err := h.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, stored.Status)
}
