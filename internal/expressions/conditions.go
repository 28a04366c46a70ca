package expressions

import (
	"context"

	"github.com/servicehero/flowd/pkg/schema"
)

// Engine names selectable in a condition step's config.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
	EngineJQ   = "jq"
)

// Conditions evaluates condition-step expressions against the merged context,
// dispatching to the engine named in the step config (expr when unset).
// Conditions must produce a boolean; anything else marks the template invalid
// at dispatch because the branch arms are keyed "true"/"false".
type Conditions struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewConditions creates the condition dispatcher with all three engines ready.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// CheckSyntax compiles a condition expression without evaluating it, warming
// the engine cache. Template registration uses it to reject unparseable
// expressions before any execution starts.
func (c *Conditions) CheckSyntax(engineName, expression string) error {
	switch engineName {
	case "", EngineExpr:
		_, err := c.expr.getOrCompile(expression, nil)
		return err
	case EngineCEL:
		_, err := c.cel.getOrCompile(expression)
		return err
	case EngineJQ:
		_, err := c.jq.getOrCompile(expression)
		return err
	default:
		return schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"unknown condition engine %q; available: expr, cel, jq", engineName).
			WithDetails(map[string]any{"engine": engineName})
	}
}

// Evaluate runs a condition expression with the named engine and returns the
// boolean outcome. Evaluation has no side effects and is never retried.
func (c *Conditions) Evaluate(ctx context.Context, engineName, expression string, mc *MergedContext) (bool, error) {
	var (
		out any
		err error
	)

	switch engineName {
	case "", EngineExpr:
		out, err = c.expr.Evaluate(ctx, expression, mc.Vars())
	case EngineCEL:
		out, err = c.cel.Evaluate(ctx, expression, map[string]any{
			"vars":    mc.Vars(),
			"trigger": mc.Trigger(),
			"steps":   mc.StepOutputs(),
		})
	case EngineJQ:
		out, err = c.jq.EvaluateNormalized(ctx, expression, mc.Vars())
	default:
		return false, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"unknown condition engine %q; available: expr, cel, jq", engineName).
			WithDetails(map[string]any{"engine": engineName})
	}
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeTemplateInvalid,
			"condition %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return result, nil
}
