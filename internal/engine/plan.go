package engine

import (
	"github.com/servicehero/flowd/pkg/schema"
)

// executionPlan is the compiled in-memory form of a template: the step index
// and the trigger root the branch walk starts from. Templates are validated
// in depth at registration; buildPlan re-checks the structural minimum so a
// malformed stored row fails Start instead of detonating mid-run.
type executionPlan struct {
	trigger *schema.Step
	steps   map[string]*schema.Step
}

// buildPlan compiles a template into an executable plan: indexes steps,
// checks the single-trigger invariant and edge targets, and runs Kahn's
// algorithm over the successor edges to reject cycles and unreachable steps.
func buildPlan(tpl *schema.WorkflowTemplate) (*executionPlan, error) {
	if tpl == nil {
		return nil, schema.NewError(schema.ErrCodeTemplateInvalid, "template is nil")
	}
	if len(tpl.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid, "template %q has no steps", tpl.ID)
	}

	plan := &executionPlan{
		steps: make(map[string]*schema.Step, len(tpl.Steps)),
	}

	// First pass: index steps, check ids and kinds, find the trigger.
	for i := range tpl.Steps {
		step := &tpl.Steps[i]

		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"template %q: step at index %d has empty id", tpl.ID, i)
		}
		if _, exists := plan.steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"template %q: duplicate step id %q", tpl.ID, step.ID)
		}
		if !step.Kind.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"template %q: step %q has unknown kind %q", tpl.ID, step.ID, step.Kind)
		}

		if step.Kind == schema.StepKindTrigger {
			if plan.trigger != nil {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
					"template %q: multiple trigger steps (%q, %q)", tpl.ID, plan.trigger.ID, step.ID)
			}
			plan.trigger = step
		}
		if step.Kind != schema.StepKindCondition && len(step.Branches) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"template %q: step %q has branches but is a %s step", tpl.ID, step.ID, step.Kind)
		}

		plan.steps[step.ID] = step
	}

	if plan.trigger == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"template %q has no trigger step", tpl.ID)
	}

	// Second pass: validate edges and build in-degrees over successor links.
	inDegree := make(map[string]int, len(plan.steps))
	for id := range plan.steps {
		inDegree[id] = 0
	}
	for id, step := range plan.steps {
		for _, succ := range step.Successors() {
			target, exists := plan.steps[succ]
			if !exists {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
					"template %q: step %q points at unknown step %q", tpl.ID, id, succ)
			}
			if target.Kind == schema.StepKindTrigger {
				return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
					"template %q: step %q points back at the trigger", tpl.ID, id)
			}
			if succ == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"template %q: step %q points at itself", tpl.ID, id)
			}
			inDegree[succ]++
		}
	}

	// Kahn's algorithm: every step must drain, and only the trigger may be a
	// root. Leftover nodes mean a cycle; extra roots mean unreachable steps.
	queue := make([]string, 0, len(plan.steps))
	for id, deg := range inDegree {
		if deg != 0 {
			continue
		}
		if id != plan.trigger.ID {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
				"template %q: step %q is unreachable from the trigger", tpl.ID, id)
		}
		queue = append(queue, id)
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++

		for _, succ := range plan.steps[node].Successors() {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(plan.steps) {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"template %q contains a cycle", tpl.ID)
	}

	return plan, nil
}
