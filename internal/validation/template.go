package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/servicehero/flowd/internal/expressions"
	"github.com/servicehero/flowd/pkg/schema"
)

// SyntaxChecker compile-checks a condition expression for the named engine.
// *expressions.Conditions implements it. A nil checker skips expression
// checks; unparseable expressions then surface at dispatch instead.
type SyntaxChecker interface {
	CheckSyntax(engineName, expression string) error
}

// TemplateValidator runs the registration pipeline for workflow templates:
// document shape first, then per-step config rules, then graph structure.
// Graph checks only run once the earlier stages pass, so they can assume
// well-formed steps with unique ids and resolvable references.
type TemplateValidator struct {
	shapes     *JSONSchemaValidator
	conditions SyntaxChecker
}

// NewTemplateValidator creates a validator with the template schema compiled.
func NewTemplateValidator(conditions SyntaxChecker) (*TemplateValidator, error) {
	shapes, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{shapes: shapes, conditions: conditions}, nil
}

// Check runs every validation stage and returns the aggregated result,
// warnings included. API handlers expose it for dry-run validation.
func (tv *TemplateValidator) Check(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	shape := tv.checkShape(tpl)
	result.Merge(shape)
	if !shape.Valid() {
		return result
	}

	result.Merge(tv.checkSteps(tpl))

	if result.Valid() {
		result.Merge(checkGraph(tpl))
	}

	return result
}

// ValidateTemplate returns nil for a registrable template, or a
// TEMPLATE_INVALID error carrying every issue found.
func (tv *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	result := tv.Check(tpl)
	if result.Valid() {
		return nil
	}

	msg := result.Errors[0].Message
	if len(result.Errors) > 1 {
		msg = fmt.Sprintf("template invalid with %d errors", len(result.Errors))
	}

	return schema.NewError(schema.ErrCodeTemplateInvalid, msg).
		WithDetails(map[string]any{
			"error_count":   len(result.Errors),
			"warning_count": len(result.Warnings),
			"errors":        result.Errors,
			"warnings":      result.Warnings,
		})
}

// ValidatePayload checks a trigger payload against the payload_schema the
// template's trigger declares. No declared schema means any payload passes.
func (tv *TemplateValidator) ValidatePayload(tpl *schema.WorkflowTemplate, payload map[string]any) error {
	trigger := tpl.TriggerStep()
	if trigger == nil {
		return schema.NewError(schema.ErrCodeTemplateInvalid, "template has no trigger step")
	}

	raw, ok := trigger.Config[schema.ConfigKeyPayloadSchema]
	if !ok || raw == nil {
		return nil
	}

	payloadSchema, ok := raw.(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"trigger %s must be a JSON Schema object", schema.ConfigKeyPayloadSchema)
	}

	return tv.shapes.ValidatePayload(payload, payloadSchema)
}

// checkShape converts the JSON Schema verdict into validation issues.
func (tv *TemplateValidator) checkShape(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := tv.shapes.ValidateShape(tpl)
	if err == nil {
		return result
	}

	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		if violations, ok := ferr.Details["violations"].([]string); ok && len(violations) > 0 {
			for _, v := range violations {
				result.AddError("template", "schema", v)
			}
			return result
		}
		result.AddError("template", "schema", ferr.Message)
		return result
	}

	result.AddError("template", "schema", err.Error())
	return result
}

// checkSteps validates per-step semantics: kind-specific config, successor
// references, branch rules, and retry policies.
func (tv *TemplateValidator) checkSteps(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]struct{}, len(tpl.Steps))
	for i := range tpl.Steps {
		ids[tpl.Steps[i].ID] = struct{}{}
	}

	var triggers []string
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.Kind == schema.StepKindTrigger {
			triggers = append(triggers, step.ID)
		}

		seenNext := make(map[string]struct{}, len(step.NextSteps))
		for _, next := range step.NextSteps {
			if _, ok := ids[next]; !ok {
				result.AddError(path, "unknown_step_ref",
					fmt.Sprintf("step %q lists unknown next step %q", step.ID, next))
			}
			if _, dup := seenNext[next]; dup {
				result.AddError(path, "duplicate_next_step",
					fmt.Sprintf("step %q lists next step %q more than once", step.ID, next))
			}
			seenNext[next] = struct{}{}
		}
		for outcome, target := range step.Branches {
			if _, ok := ids[target]; !ok {
				result.AddError(path, "unknown_step_ref",
					fmt.Sprintf("step %q branch %q targets unknown step %q", step.ID, outcome, target))
			}
		}

		switch step.Kind {
		case schema.StepKindTrigger:
			tv.checkTriggerConfig(result, path, step)
		case schema.StepKindAction:
			checkActionConfig(result, path, step, tpl.RequiredIntegrations)
		case schema.StepKindCondition:
			tv.checkConditionStep(result, path, step)
		case schema.StepKindDelay:
			checkDelayConfig(result, path, step)
		}

		if step.Kind != schema.StepKindCondition && len(step.Branches) > 0 {
			result.AddError(path, "branches_on_non_condition",
				fmt.Sprintf("step %q is a %s step; only condition steps route through branches", step.ID, step.Kind))
		}

		checkRetryPolicy(result, path, step)
	}

	switch len(triggers) {
	case 0:
		result.AddError("steps", "missing_trigger", "template has no trigger step")
	case 1:
	default:
		result.AddError("steps", "multiple_triggers",
			fmt.Sprintf("template has %d trigger steps, want exactly 1", len(triggers)))
	}

	return result
}

func (tv *TemplateValidator) checkTriggerConfig(result *schema.ValidationResult, path string, step *schema.Step) {
	if configString(step.Config, schema.ConfigKeyEvent) == "" {
		result.AddError(path+".config", "missing_config",
			fmt.Sprintf("trigger %q needs a non-empty %q", step.ID, schema.ConfigKeyEvent))
	}

	raw, ok := step.Config[schema.ConfigKeyPayloadSchema]
	if !ok || raw == nil {
		return
	}
	payloadSchema, isMap := raw.(map[string]any)
	if !isMap {
		result.AddError(path+".config", "invalid_config",
			fmt.Sprintf("trigger %q %s must be a JSON Schema object", step.ID, schema.ConfigKeyPayloadSchema))
		return
	}
	if len(payloadSchema) == 0 {
		return
	}

	// Compile the inline payload schema now so a broken one is a registration
	// error, not a failure on the first Start. Warms the validator cache too.
	schemaBytes, err := json.Marshal(payloadSchema)
	if err == nil {
		_, err = tv.shapes.getOrCompile(schemaBytes)
	}
	if err != nil {
		result.AddError(path+".config", "invalid_config",
			fmt.Sprintf("trigger %q %s does not compile: %s", step.ID, schema.ConfigKeyPayloadSchema, err.Error()))
	}
}

func checkActionConfig(result *schema.ValidationResult, path string, step *schema.Step, requiredIntegrations []string) {
	service := configString(step.Config, schema.ConfigKeyService)
	action := configString(step.Config, schema.ConfigKeyAction)

	if service == "" {
		result.AddError(path+".config", "missing_config",
			fmt.Sprintf("action %q needs a non-empty %q", step.ID, schema.ConfigKeyService))
	} else if expressions.HasPlaceholders(service) {
		result.AddError(path+".config", "invalid_config",
			fmt.Sprintf("action %q %s must be static; placeholders only resolve inside %s",
				step.ID, schema.ConfigKeyService, schema.ConfigKeyParams))
	}

	if action == "" {
		result.AddError(path+".config", "missing_config",
			fmt.Sprintf("action %q needs a non-empty %q", step.ID, schema.ConfigKeyAction))
	} else if expressions.HasPlaceholders(action) {
		result.AddError(path+".config", "invalid_config",
			fmt.Sprintf("action %q %s must be static; placeholders only resolve inside %s",
				step.ID, schema.ConfigKeyAction, schema.ConfigKeyParams))
	}

	if raw, ok := step.Config[schema.ConfigKeyParams]; ok && raw != nil {
		if _, isMap := raw.(map[string]any); !isMap {
			result.AddError(path+".config", "invalid_config",
				fmt.Sprintf("action %q %s must be an object", step.ID, schema.ConfigKeyParams))
		}
	}

	if service != "" && len(requiredIntegrations) > 0 {
		declared := false
		for _, name := range requiredIntegrations {
			if name == service {
				declared = true
				break
			}
		}
		if !declared {
			result.AddWarning(path+".config", "undeclared_integration",
				fmt.Sprintf("action %q uses integration %q not listed in required_integrations", step.ID, service))
		}
	}
}

func (tv *TemplateValidator) checkConditionStep(result *schema.ValidationResult, path string, step *schema.Step) {
	expression := configString(step.Config, schema.ConfigKeyExpression)
	if expression == "" {
		result.AddError(path+".config", "missing_config",
			fmt.Sprintf("condition %q needs a non-empty %q", step.ID, schema.ConfigKeyExpression))
	}

	engine := configString(step.Config, schema.ConfigKeyEngine)
	engineKnown := true
	switch engine {
	case "", expressions.EngineExpr, expressions.EngineCEL, expressions.EngineJQ:
	default:
		engineKnown = false
		result.AddError(path+".config", "unknown_engine",
			fmt.Sprintf("condition %q engine %q is not one of expr, cel, jq", step.ID, engine))
	}

	if _, ok := step.Branches[schema.BranchTrue]; !ok {
		result.AddError(path, "missing_branch",
			fmt.Sprintf("condition %q is missing the %q branch", step.ID, schema.BranchTrue))
	}
	if _, ok := step.Branches[schema.BranchFalse]; !ok {
		result.AddError(path, "missing_branch",
			fmt.Sprintf("condition %q is missing the %q branch", step.ID, schema.BranchFalse))
	}
	if len(step.NextSteps) > 0 {
		result.AddError(path, "condition_uses_next_steps",
			fmt.Sprintf("condition %q must route through branches, not next_steps", step.ID))
	}

	if tv.conditions != nil && engineKnown && expression != "" {
		if err := tv.conditions.CheckSyntax(engine, expression); err != nil {
			result.AddError(path+".config", "invalid_expression",
				fmt.Sprintf("condition %q does not compile: %s", step.ID, errMessage(err)))
		}
	}
}

var delayKeys = []string{schema.ConfigKeySeconds, schema.ConfigKeyMinutes, schema.ConfigKeyHours}

func checkDelayConfig(result *schema.ValidationResult, path string, step *schema.Step) {
	found := false
	for _, key := range delayKeys {
		raw, ok := step.Config[key]
		if !ok || raw == nil {
			continue
		}
		found = true

		valid := false
		switch v := raw.(type) {
		case int:
			valid = v >= 0
		case int64:
			valid = v >= 0
		case float64:
			valid = v >= 0 && v == float64(int64(v))
		case string:
			if expressions.HasPlaceholders(v) {
				// Resolved against the merged context at dispatch.
				valid = true
			} else if n, err := strconv.Atoi(v); err == nil {
				valid = n >= 0
			}
		}
		if !valid {
			result.AddError(path+".config", "invalid_config",
				fmt.Sprintf("delay %q %s must be a non-negative integer", step.ID, key))
		}
	}

	if !found {
		result.AddError(path+".config", "missing_config",
			fmt.Sprintf("delay %q needs at least one of %s, %s, %s",
				step.ID, schema.ConfigKeySeconds, schema.ConfigKeyMinutes, schema.ConfigKeyHours))
	}
}

// checkRetryPolicy adds the advisory checks the JSON Schema cannot express.
// Numeric bounds and the base_delay format are enforced at the shape stage.
func checkRetryPolicy(result *schema.ValidationResult, path string, step *schema.Step) {
	rp := step.Retry
	if rp == nil {
		return
	}

	if step.Kind != schema.StepKindAction {
		result.AddWarning(path+".retry", "retry_ignored",
			fmt.Sprintf("retry on %s step %q has no effect; only integration calls are retried", step.Kind, step.ID))
	}
	if rp.MaxAttempts > 10 {
		result.AddWarning(path+".retry", "high_retry_count",
			fmt.Sprintf("step %q retry max_attempts %d is unusually high", step.ID, rp.MaxAttempts))
	}
	if d, err := time.ParseDuration(rp.BaseDelay); rp.BaseDelay != "" && err == nil && d > time.Minute {
		result.AddWarning(path+".retry", "long_retry_delay",
			fmt.Sprintf("step %q retry base_delay %s holds a worker for over a minute per attempt", step.ID, rp.BaseDelay))
	}
}

// checkGraph verifies the template is a DAG rooted at its trigger: Kahn's
// algorithm over successor edges for cycle detection, then breadth-first
// reachability from the trigger. Assumes checkSteps passed.
func checkGraph(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inDegree := make(map[string]int, len(tpl.Steps))
	successors := make(map[string][]string, len(tpl.Steps))
	for i := range tpl.Steps {
		id := tpl.Steps[i].ID
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, next := range tpl.Steps[i].Successors() {
			successors[id] = append(successors[id], next)
			inDegree[next]++
		}
	}

	trigger := tpl.TriggerStep()
	if inDegree[trigger.ID] > 0 {
		result.AddError("steps", "trigger_not_root",
			fmt.Sprintf("trigger %q must be the root; another step routes into it", trigger.ID))
	}

	// Kahn's algorithm: repeatedly peel zero in-degree steps. Anything left
	// with a positive in-degree sits on a cycle.
	queue := make([]string, 0, len(tpl.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(tpl.Steps) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected involving steps: %s", strings.Join(stuck, ", ")))
		return result
	}

	reachable := map[string]struct{}{trigger.ID: {}}
	frontier := []string{trigger.ID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range successors[id] {
			if _, seen := reachable[next]; !seen {
				reachable[next] = struct{}{}
				frontier = append(frontier, next)
			}
		}
	}
	if len(reachable) != len(tpl.Steps) {
		var orphans []string
		for i := range tpl.Steps {
			if _, ok := reachable[tpl.Steps[i].ID]; !ok {
				orphans = append(orphans, tpl.Steps[i].ID)
			}
		}
		sort.Strings(orphans)
		result.AddError("steps", "unreachable_steps",
			fmt.Sprintf("steps not reachable from trigger %q: %s", trigger.ID, strings.Join(orphans, ", ")))
	}

	return result
}

// configString returns the string value for key, or "" when absent or not a string.
func configString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func errMessage(err error) string {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return ferr.Message
	}
	return err.Error()
}
