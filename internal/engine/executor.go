package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/servicehero/flowd/internal/expressions"
	"github.com/servicehero/flowd/internal/integrations"
	"github.com/servicehero/flowd/internal/logging"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/internal/validation"
	"github.com/servicehero/flowd/pkg/schema"
)

// Executor is the central execution coordinator. Start validates and admits a
// new execution synchronously, then runs it asynchronously; Status and Cancel
// operate on executions by id.
type Executor interface {
	// Start admits a new execution of a template. Template lookup, plan
	// compilation, payload validation, and the quota check all happen before
	// it returns; the execution itself runs in the background.
	Start(ctx context.Context, templateID, tenantID string, payload map[string]any) (string, error)

	// Status returns the execution with its full attempt history.
	Status(ctx context.Context, executionID string) (*schema.Execution, error)

	// Cancel requests cooperative cancellation. In-flight steps finish and
	// record their results; no new steps start.
	Cancel(ctx context.Context, executionID string) error

	// BreakerStates snapshots every circuit breaker the process has seen.
	BreakerStates() []BreakerState

	// Metrics reports worker pool counters.
	Metrics() PoolMetrics

	// Shutdown cancels all running executions and waits for them to drain.
	Shutdown(ctx context.Context) error
}

// Store is the slice of the persistence layer the executor needs.
// Satisfied by store.Store and by test fakes.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
	AppendStepResult(ctx context.Context, executionID string, res *schema.StepResult) error
	ListStepResults(ctx context.Context, executionID string) ([]schema.StepResult, error)
	AppendEvent(ctx context.Context, event *store.Event) error
}

// QuotaGate authorizes new executions for a tenant. Implementations reject
// with a QUOTA_EXCEEDED error once the tenant's monthly allowance is spent.
type QuotaGate interface {
	Allow(ctx context.Context, tenantID string) error
}

// Executor defaults.
const (
	DefaultPoolSize         = 8
	DefaultExecutionTimeout = 10 * time.Minute
	DefaultCallTimeout      = 30 * time.Second
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize         int                   // max concurrent branch goroutines
	ExecutionTimeout time.Duration         // wall-clock budget per execution
	CallTimeout      time.Duration         // budget per integration call
	CircuitBreaker   *CircuitBreakerConfig // nil = defaults
}

// ExecutorOption customizes optional executor dependencies.
type ExecutorOption func(*executorImpl)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *executorImpl) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithQuotaGate enables per-tenant admission control at Start.
func WithQuotaGate(gate QuotaGate) ExecutorOption {
	return func(e *executorImpl) {
		e.quota = gate
	}
}

// WithEventSink adds a best-effort event sink alongside the durable log.
// Live SSE streams subscribe through this.
func WithEventSink(sink EventAppender) ExecutorOption {
	return func(e *executorImpl) {
		e.extraSink = sink
	}
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store      Store
	registry   *integrations.Registry
	conditions *expressions.Conditions
	validator  *validation.TemplateValidator
	quota      QuotaGate
	extraSink  EventAppender
	events     EventAppender
	execFSM    *ExecutionFSM
	stepFSM    *StepFSM
	breakers   *CircuitBreakerRegistry
	pool       *WorkerPool
	config     ExecutorConfig
	logger     *slog.Logger

	// mu guards running and closed.
	mu      sync.Mutex
	running map[string]*executionRun
	closed  bool
	runsWG  sync.WaitGroup
}

// executionRun tracks a single in-flight execution.
type executionRun struct {
	executionID string
	templateID  string
	tenantID    string
	plan        *executionPlan
	builder     *expressions.ContextBuilder
	cancel      context.CancelFunc

	// fatal flips once any step fails; no new steps dispatch after that,
	// while in-flight siblings finish and record their results.
	fatal atomic.Bool

	mu       sync.Mutex
	started  map[string]bool // dispatched step ids; converging branches claim first
	firstErr error
	wg       sync.WaitGroup // in-flight branches
}

// claim marks a step as dispatched. Returns false if another branch already
// claimed it, which happens when branches converge on a shared successor.
func (r *executionRun) claim(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started[stepID] {
		return false
	}
	r.started[stepID] = true
	return true
}

// fail records the first fatal step error and stops new dispatches.
func (r *executionRun) fail(err error) {
	r.fatal.Store(true)
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
}

func (r *executionRun) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(st Store, registry *integrations.Registry, conditions *expressions.Conditions, validator *validation.TemplateValidator, cfg ExecutorConfig, opts ...ExecutorOption) Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	e := &executorImpl{
		store:      st,
		registry:   registry,
		conditions: conditions,
		validator:  validator,
		config:     cfg,
		pool:       NewWorkerPool(cfg.PoolSize),
		running:    make(map[string]*executionRun),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.events = NewEventFan(st, e.extraSink)
	e.execFSM = NewExecutionFSM(e.events)
	e.stepFSM = NewStepFSM(e.events)

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	userHook := cbConfig.OnStateChange
	cbConfig.OnStateChange = func(integration string, from, to CircuitState) {
		e.breakerStateChanged(integration, from, to)
		if userHook != nil {
			userHook(integration, from, to)
		}
	}
	e.breakers = NewCircuitBreakerRegistry(cbConfig)

	return e
}

// Start admits and launches a new execution.
func (e *executorImpl) Start(ctx context.Context, templateID, tenantID string, payload map[string]any) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", schema.NewError(schema.ErrCodeConflict, "executor is shut down")
	}

	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}

	plan, err := buildPlan(tpl)
	if err != nil {
		return "", err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if err := e.validator.ValidatePayload(tpl, payload); err != nil {
		return "", err
	}

	if e.quota != nil && tenantID != "" {
		if err := e.quota.Allow(ctx, tenantID); err != nil {
			return "", err
		}
	}

	executionID := uuid.NewString()
	now := time.Now().UTC()
	exec := &schema.Execution{
		ID:             executionID,
		TemplateID:     templateID,
		TenantID:       tenantID,
		Status:         schema.StatusPending,
		TriggerPayload: payload,
		CreatedAt:      now,
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.config.ExecutionTimeout)
	runCtx = logging.WithIDs(runCtx, executionID, "", tenantID)

	run := &executionRun{
		executionID: executionID,
		templateID:  templateID,
		tenantID:    tenantID,
		plan:        plan,
		builder:     expressions.NewContextBuilder(payload),
		cancel:      cancel,
		started:     make(map[string]bool),
	}

	// Register before persisting so a Cancel racing Start always finds the
	// live run and goes through the cooperative path.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", schema.NewError(schema.ErrCodeConflict, "executor is shut down")
	}
	e.running[executionID] = run
	e.runsWG.Add(1)
	e.mu.Unlock()

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.mu.Lock()
		delete(e.running, executionID)
		e.mu.Unlock()
		e.runsWG.Done()
		cancel()
		return "", err
	}

	logging.LogWith(runCtx, e.logger).Info("execution accepted",
		"template_id", templateID, "steps", len(plan.steps))

	go e.run(runCtx, run, payload)

	return executionID, nil
}

// Status returns the execution record with all recorded attempt rows.
func (e *executorImpl) Status(ctx context.Context, executionID string) (*schema.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ListStepResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exec.StepResults = results
	return exec, nil
}

// Cancel requests cancellation of an execution. Live runs are cancelled
// cooperatively; orphaned non-terminal rows are flipped directly.
func (e *executorImpl) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	run, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		run.cancel()
		e.logger.Info("cancellation requested", "execution_id", executionID)
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is already %s", executionID, exec.Status).
			WithDetails(map[string]any{"execution_id": executionID, "status": string(exec.Status)})
	}

	// A non-terminal row with no live goroutine, typically left by a crash.
	if err := e.execFSM.Transition(ctx, executionID, exec.Status, schema.StatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := schema.StatusCancelled
	return e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:  &cancelled,
		EndedAt: &now,
		Error:   &schema.StepError{Code: schema.ErrCodeCancelled, Message: "execution cancelled"},
	})
}

// BreakerStates snapshots every circuit breaker seen so far.
func (e *executorImpl) BreakerStates() []BreakerState {
	return e.breakers.States()
}

// Metrics reports worker pool counters.
func (e *executorImpl) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown cancels all running executions, waits for them to drain, and
// stops the worker pool.
func (e *executorImpl) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runs := make([]*executionRun, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.runsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.pool.Shutdown()
	return nil
}

// --- Run loop ---

// run drives one execution from pending to a terminal status. Every step
// result is appended synchronously before the terminal write, so the attempt
// history is always durable by the time the status says so.
func (e *executorImpl) run(ctx context.Context, run *executionRun, payload map[string]any) {
	defer func() {
		run.cancel()
		e.mu.Lock()
		delete(e.running, run.executionID)
		e.mu.Unlock()
		e.runsWG.Done()
	}()

	logger := logging.LogWith(ctx, e.logger)

	// A Cancel that won the race against this goroutine: the execution ends
	// before any step dispatches.
	if ctx.Err() != nil {
		e.finish(ctx, run, schema.StatusPending, schema.StatusCancelled,
			schema.NewError(schema.ErrCodeCancelled, "execution cancelled before start"))
		return
	}

	if err := e.execFSM.Transition(ctx, run.executionID, schema.StatusPending, schema.StatusRunning); err != nil {
		logger.Error("start transition failed", "error", err.Error())
		e.finish(ctx, run, schema.StatusPending, schema.StatusFailed, err)
		return
	}
	now := time.Now().UTC()
	runningStatus := schema.StatusRunning
	if err := e.store.UpdateExecution(ctx, run.executionID, store.ExecutionUpdate{
		Status:    &runningStatus,
		StartedAt: &now,
	}); err != nil {
		logger.Error("persist running status failed", "error", err.Error())
		e.finish(ctx, run, schema.StatusRunning,
			schema.StatusFailed, schema.NewErrorf(schema.ErrCodeStore, "persist running status: %s", err.Error()).WithCause(err))
		return
	}

	if err := e.fireTrigger(ctx, run, payload); err != nil {
		run.fail(err)
	} else {
		for _, succ := range run.plan.trigger.Successors() {
			e.dispatchBranch(ctx, run, succ)
		}
	}
	run.wg.Wait()

	// Derive the terminal status. Context verdicts win: a timeout or an
	// explicit cancel observed here decides the outcome even when a step
	// also failed along the way.
	var to schema.WorkflowStatus
	var cause error
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		to = schema.StatusFailed
		cause = schema.NewErrorf(schema.ErrCodeExecutionTimeout,
			"execution exceeded %s", e.config.ExecutionTimeout)
		_ = e.events.AppendEvent(context.Background(), &store.Event{
			ExecutionID: run.executionID,
			Type:        schema.EventExecutionTimedOut,
		})
	case ctx.Err() == context.Canceled:
		to = schema.StatusCancelled
		cause = schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	case run.err() != nil:
		to = schema.StatusFailed
		cause = run.err()
	default:
		to = schema.StatusCompleted
	}

	e.finish(ctx, run, schema.StatusRunning, to, cause)
}

// dispatchBranch hands a branch to the worker pool, tracked on the run. The
// submission happens off the calling goroutine: a saturated pool queues the
// branch without blocking the walker that spawned it, so fan-out inside a
// pool worker can never deadlock the pool.
func (e *executorImpl) dispatchBranch(ctx context.Context, run *executionRun, startID string) {
	if run.fatal.Load() {
		return
	}
	run.wg.Add(1)
	go func() {
		err := e.pool.Submit(ctx, func(branchCtx context.Context) error {
			defer run.wg.Done()
			e.runBranch(branchCtx, run, startID)
			return nil
		})
		if err != nil {
			// Pool rejected the branch: shutdown or cancellation.
			run.wg.Done()
		}
	}()
}

// runBranch walks steps sequentially from startID until the branch ends.
// Fan-out keeps the first successor on this goroutine and queues the rest as
// new branches. Cancellation and fatal failures are observed at step
// boundaries, so the step in flight always completes and records its result.
func (e *executorImpl) runBranch(ctx context.Context, run *executionRun, startID string) {
	current := startID
	for current != "" {
		if ctx.Err() != nil || run.fatal.Load() {
			return
		}
		if !run.claim(current) {
			// Converging branches: another walker got here first.
			return
		}
		step, ok := run.plan.steps[current]
		if !ok {
			run.fail(schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"step %q vanished from the plan", current))
			return
		}

		successors, err := e.executeStep(ctx, run, step)
		if err != nil {
			run.fail(err)
			return
		}

		switch len(successors) {
		case 0:
			return
		case 1:
			current = successors[0]
		default:
			for _, succ := range successors[1:] {
				e.dispatchBranch(ctx, run, succ)
			}
			current = successors[0]
		}
	}
}

// finish drives the execution to its terminal status and persists it. All
// attempt rows are already written by the time finish runs.
func (e *executorImpl) finish(ctx context.Context, run *executionRun, from, to schema.WorkflowStatus, cause error) {
	if ctx.Err() != nil {
		ctx = logging.WithIDs(context.Background(), run.executionID, "", run.tenantID)
	}
	logger := logging.LogWith(ctx, e.logger)

	if err := e.execFSM.Transition(ctx, run.executionID, from, to); err != nil {
		logger.Error("terminal transition failed", "to", string(to), "error", err.Error())
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: &to, EndedAt: &now}
	if cause != nil {
		update.Error = schema.ErrorRecord(cause)
	}
	if err := e.store.UpdateExecution(ctx, run.executionID, update); err != nil {
		logger.Error("persist terminal status failed", "status", string(to), "error", err.Error())
		return
	}

	if cause != nil {
		logger.Warn("execution finished", "status", string(to), "error", cause.Error())
	} else {
		logger.Info("execution finished", "status", string(to))
	}
}

// breakerStateChanged logs breaker transitions and mirrors them into the
// event log. The hook runs inside the breaker's critical section, so the
// durable append happens on its own goroutine.
func (e *executorImpl) breakerStateChanged(integration string, from, to CircuitState) {
	e.logger.Warn("circuit breaker state change",
		"integration", integration, "from", from.String(), "to", to.String())

	eventType := circuitEventType(to)
	if eventType == "" {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"integration": integration,
		"from":        from.String(),
		"to":          to.String(),
	})
	go func() {
		_ = e.events.AppendEvent(context.Background(), &store.Event{
			Type:    eventType,
			Payload: payload,
		})
	}()
}

func circuitEventType(to CircuitState) string {
	switch to {
	case CircuitOpen:
		return schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		return schema.EventCircuitBreakerHalfOpen
	case CircuitClosed:
		return schema.EventCircuitBreakerClosed
	default:
		return ""
	}
}
