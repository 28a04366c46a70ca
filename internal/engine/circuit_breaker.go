package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/servicehero/flowd/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial requests allowed in half-open state.
	HalfOpenMax int
	// OnStateChange, when set, is called after every state transition with the
	// breaker's mutex held. It must not call back into the registry.
	OnStateChange func(integration string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single integration.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	openedAt            time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// transition moves the breaker to a new state and fires the change hook.
// Callers must hold cb.mu.
func (cb *circuitBreaker) transition(name string, to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == CircuitOpen {
		cb.openedAt = time.Now()
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(name, from, to)
	}
}

// CircuitBreakerRegistry manages one breaker per integration, shared across
// all executions in the process. Action steps naming the same service share
// failure counts, so a flapping provider trips once for everyone.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a call to the given integration is allowed.
// Returns nil if allowed, or a FlowError with code CIRCUIT_OPEN. A rejection
// involves no integration call and is never retried. An open breaker whose
// cooldown has elapsed moves to half-open and admits this request as the trial.
func (r *CircuitBreakerRegistry) AllowRequest(integration string) error {
	cb := r.getOrCreate(integration)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.transition(integration, CircuitHalfOpen)
			cb.halfOpenAttempts = 1 // this request is the trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for integration %q: %d consecutive failures, cooldown remaining",
			integration, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"integration":          integration,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for integration %q: trial request already in flight", integration).
				WithDetails(map[string]any{
					"integration": integration,
					"state":       cb.state.String(),
				})
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call. A half-open trial that succeeds
// closes the circuit. Returns the state the breaker held before recording.
func (r *CircuitBreakerRegistry) RecordSuccess(integration string) CircuitState {
	cb := r.getOrCreate(integration)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prior := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.transition(integration, CircuitClosed)
	return prior
}

// RecordFailure records a failed call. Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(integration string) CircuitState {
	cb := r.getOrCreate(integration)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.transition(integration, CircuitOpen)
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.transition(integration, CircuitOpen)
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for an integration.
func (r *CircuitBreakerRegistry) GetState(integration string) CircuitState {
	cb := r.getOrCreate(integration)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// An expired cooldown moves the circuit to half-open on observation.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.transition(integration, CircuitHalfOpen)
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// BreakerState is a diagnostic snapshot of one circuit breaker.
type BreakerState struct {
	Integration         string     `json:"integration"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// GetStats returns diagnostic information about one circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(integration string) BreakerState {
	cb := r.getOrCreate(integration)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return snapshotLocked(integration, cb)
}

// States returns snapshots of every breaker the registry has seen, sorted by
// integration name. Used by status listings.
func (r *CircuitBreakerRegistry) States() []BreakerState {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]BreakerState, 0, len(names))
	for _, name := range names {
		out = append(out, r.GetStats(name))
	}
	return out
}

func snapshotLocked(integration string, cb *circuitBreaker) BreakerState {
	st := BreakerState{
		Integration:         integration,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    cb.config.FailureThreshold,
	}
	if !cb.openedAt.IsZero() {
		t := cb.openedAt
		st.OpenedAt = &t
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		st.LastFailureAt = &t
	}
	return st
}

func (r *CircuitBreakerRegistry) getOrCreate(integration string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[integration]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[integration] = cb
	}
	return cb
}
