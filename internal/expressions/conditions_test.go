package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/pkg/schema"
)

func newConditions(t *testing.T) *Conditions {
	t.Helper()
	c, err := NewConditions()
	require.NoError(t, err)
	return c
}

func conditionContext(t *testing.T) *MergedContext {
	t.Helper()
	cb := NewContextBuilder(map[string]any{
		"urgency": "critical",
		"zip":     "60614",
	})
	require.NoError(t, cb.AddStepOutput("dispatch_sms", map[string]any{"eta": 30}))
	return cb.Snapshot()
}

func TestConditions_DefaultEngineIsExpr(t *testing.T) {
	c := newConditions(t)

	out, err := c.Evaluate(context.Background(), "", `urgency == "critical"`, conditionContext(t))
	require.NoError(t, err)
	assert.True(t, out)
}

func TestConditions_ExprEngine(t *testing.T) {
	c := newConditions(t)

	out, err := c.Evaluate(context.Background(), EngineExpr, `urgency in ["high", "critical"]`, conditionContext(t))
	require.NoError(t, err)
	assert.True(t, out)

	out, err = c.Evaluate(context.Background(), EngineExpr, `urgency == "low"`, conditionContext(t))
	require.NoError(t, err)
	assert.False(t, out)
}

func TestConditions_CELEngine(t *testing.T) {
	c := newConditions(t)

	out, err := c.Evaluate(context.Background(), EngineCEL, `vars.urgency == "critical"`, conditionContext(t))
	require.NoError(t, err)
	assert.True(t, out)

	// CEL also sees the trigger and step namespaces.
	out, err = c.Evaluate(context.Background(), EngineCEL, `steps.dispatch_sms.eta >= 15`, conditionContext(t))
	require.NoError(t, err)
	assert.True(t, out)
}

func TestConditions_JQEngine(t *testing.T) {
	c := newConditions(t)

	out, err := c.Evaluate(context.Background(), EngineJQ, `.urgency == "critical"`, conditionContext(t))
	require.NoError(t, err)
	assert.True(t, out)

	// Numbers are normalized to jq floats before evaluation.
	out, err = c.Evaluate(context.Background(), EngineJQ, `.eta > 15`, conditionContext(t))
	require.NoError(t, err)
	assert.True(t, out)
}

func TestConditions_UnknownEngine(t *testing.T) {
	c := newConditions(t)

	_, err := c.Evaluate(context.Background(), "lua", "1 == 1", conditionContext(t))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTemplateInvalid, err.(*schema.FlowError).Code)
}

func TestConditions_NonBooleanResult(t *testing.T) {
	c := newConditions(t)

	_, err := c.Evaluate(context.Background(), EngineExpr, "urgency", conditionContext(t))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTemplateInvalid, err.(*schema.FlowError).Code)
}

func TestConditions_EvaluationErrorPassesThrough(t *testing.T) {
	c := newConditions(t)

	_, err := c.Evaluate(context.Background(), EngineExpr, "urgency ===", conditionContext(t))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlowError).Code)
}
