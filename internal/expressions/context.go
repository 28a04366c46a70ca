package expressions

import (
	"sort"
	"strings"
	"sync"

	"github.com/servicehero/flowd/pkg/schema"
)

// ContextBuilder assembles the merged interpolation context for one execution.
// The context starts as the trigger payload; each completed step's output is
// merged on top in completion order, so later steps see earlier outputs and a
// key collision resolves to the most recent completion. Safe for concurrent
// use by parallel branches of the same execution.
type ContextBuilder struct {
	mu      sync.RWMutex
	vars    map[string]any // flat merged lookup: trigger payload + step outputs
	trigger map[string]any // trigger payload (frozen at init)
	steps   map[string]any // step ID -> frozen output
	order   []string       // step IDs in completion order
}

// NewContextBuilder creates a ContextBuilder seeded with the trigger payload.
// The payload is deep-copied so later external mutation cannot leak in.
func NewContextBuilder(triggerPayload map[string]any) *ContextBuilder {
	trigger := deepCopyMap(triggerPayload)
	vars := make(map[string]any, len(trigger))
	for k, v := range trigger {
		vars[k] = v
	}
	return &ContextBuilder{
		vars:    vars,
		trigger: trigger,
		steps:   make(map[string]any),
	}
}

// AddStepOutput merges a completed step's output into the context. The output
// is frozen (deep-copied) at merge time. A step's output is recorded at most
// once; a second call for the same step ID is rejected.
func (cb *ContextBuilder) AddStepOutput(stepID string, output map[string]any) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, exists := cb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for step %q already recorded", stepID)
	}

	frozen := deepCopyMap(output)
	if frozen == nil {
		frozen = map[string]any{}
	}
	cb.steps[stepID] = frozen
	cb.order = append(cb.order, stepID)

	for k, v := range frozen {
		cb.vars[k] = v
	}
	return nil
}

// Snapshot returns an immutable view of the context as of now. The snapshot
// is detached: step completions after the call do not show through it.
func (cb *ContextBuilder) Snapshot() *MergedContext {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return &MergedContext{
		vars:    deepCopyMap(cb.vars),
		trigger: cb.trigger, // frozen at init
		steps:   deepCopyMap(cb.steps),
	}
}

// CompletionOrder returns the step IDs whose outputs have merged, oldest first.
func (cb *ContextBuilder) CompletionOrder() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]string, len(cb.order))
	copy(out, cb.order)
	return out
}

// MergedContext is a point-in-time view of an execution's interpolation
// context. All accessors return data owned by the snapshot; callers must
// treat it as read-only.
type MergedContext struct {
	vars    map[string]any
	trigger map[string]any
	steps   map[string]any
}

// Vars returns the flat merged lookup (trigger payload overlaid by step
// outputs in completion order). This is the environment for expr and jq
// condition expressions.
func (mc *MergedContext) Vars() map[string]any {
	if mc.vars == nil {
		return map[string]any{}
	}
	return mc.vars
}

// Trigger returns the trigger payload as merged first.
func (mc *MergedContext) Trigger() map[string]any {
	if mc.trigger == nil {
		return map[string]any{}
	}
	return mc.trigger
}

// StepOutputs returns completed step outputs keyed by step ID.
func (mc *MergedContext) StepOutputs() map[string]any {
	if mc.steps == nil {
		return map[string]any{}
	}
	return mc.steps
}

// Lookup resolves a placeholder path. A direct key match wins (keys may
// themselves contain dots); otherwise the path traverses nested maps one
// dot-delimited segment at a time.
func (mc *MergedContext) Lookup(path string) (any, bool) {
	if v, ok := mc.vars[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	segs := strings.Split(path, ".")
	cur, ok := mc.vars[segs[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range segs[1:] {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Keys returns the sorted top-level keys, for missing-placeholder messages.
func (mc *MergedContext) Keys() []string {
	keys := make([]string, 0, len(mc.vars))
	for k := range mc.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
