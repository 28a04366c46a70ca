package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/pkg/schema"
)

// finishExecution drives an execution to a terminal status with a fixed
// 500ms wall-clock duration so average duration assertions are stable.
func finishExecution(t *testing.T, s *LibSQLStore, execID string, status schema.WorkflowStatus) {
	t.Helper()
	started := time.Now().UTC().Add(-time.Second)
	ended := started.Add(500 * time.Millisecond)
	require.NoError(t, s.UpdateExecution(context.Background(), execID, ExecutionUpdate{
		Status:    &status,
		StartedAt: &started,
		EndedAt:   &ended,
	}))
}

func TestAnalytics_Empty(t *testing.T) {
	s := newTestStore(t)

	report, err := s.Analytics(context.Background(), AnalyticsQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.TotalExecutions)
	assert.Equal(t, float64(0), report.SuccessRate)
	assert.Empty(t, report.ByTemplate)
}

func TestAnalytics_Aggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := seedTenant(t, s)
	tpl := seedTemplate(t, s)

	// 2 completed, 1 failed, 1 cancelled, 1 still pending.
	for i := 0; i < 2; i++ {
		exec := seedExecution(t, s, tpl.ID, tn.ID)
		finishExecution(t, s, exec.ID, schema.StatusCompleted)
	}
	failed := seedExecution(t, s, tpl.ID, tn.ID)
	finishExecution(t, s, failed.ID, schema.StatusFailed)
	cancelled := seedExecution(t, s, tpl.ID, tn.ID)
	finishExecution(t, s, cancelled.ID, schema.StatusCancelled)
	seedExecution(t, s, tpl.ID, tn.ID)

	report, err := s.Analytics(ctx, AnalyticsQuery{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), report.TotalExecutions)
	assert.Equal(t, int64(2), report.Completed)
	assert.Equal(t, int64(1), report.Failed)
	assert.Equal(t, int64(1), report.Cancelled)
	assert.Equal(t, int64(1), report.Running)

	// Success rate counts terminal executions only: 2 / (2+1+1).
	assert.InDelta(t, 0.5, report.SuccessRate, 0.001)

	// Each finished execution ran for 500ms.
	assert.InDelta(t, 500, report.AvgDurationMs, 50)
}

func TestAnalytics_ActionsExecuted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := seedTenant(t, s)
	tpl := seedTemplate(t, s)
	exec := seedExecution(t, s, tpl.ID, tn.ID)

	now := time.Now().UTC()
	results := []*schema.StepResult{
		{StepID: "notify", Kind: schema.StepKindAction, Attempt: 1, Status: schema.StepStatusSuccess, StartedAt: now},
		{StepID: "email", Kind: schema.StepKindAction, Attempt: 1, Status: schema.StepStatusFailed, StartedAt: now},
		{StepID: "wait", Kind: schema.StepKindDelay, Attempt: 1, Status: schema.StepStatusSuccess, StartedAt: now},
	}
	for _, r := range results {
		require.NoError(t, s.AppendStepResult(ctx, exec.ID, r))
	}

	report, err := s.Analytics(ctx, AnalyticsQuery{})
	require.NoError(t, err)

	// Only successful action steps count.
	assert.Equal(t, int64(1), report.ActionsExecuted)
}

func TestAnalytics_TimeSaved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := seedTenant(t, s)

	// seedTemplate uses EstimatedMinutes = 15.
	tpl := seedTemplate(t, s)
	for i := 0; i < 3; i++ {
		exec := seedExecution(t, s, tpl.ID, tn.ID)
		finishExecution(t, s, exec.ID, schema.StatusCompleted)
	}
	// Failed runs save nothing.
	failed := seedExecution(t, s, tpl.ID, tn.ID)
	finishExecution(t, s, failed.ID, schema.StatusFailed)

	report, err := s.Analytics(ctx, AnalyticsQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(45), report.TimeSavedMinutes)
}

func TestAnalytics_ByTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := seedTenant(t, s)

	busy := seedTemplate(t, s)
	quiet := &schema.WorkflowTemplate{
		ID:   uuid.New().String(),
		Name: "follow-up",
		Steps: []schema.Step{
			{ID: "on_request", Kind: schema.StepKindTrigger, NextSteps: []string{"email"}},
			{ID: "email", Kind: schema.StepKindAction, Config: map[string]any{
				schema.ConfigKeyService: "email", schema.ConfigKeyAction: "send",
			}},
		},
		EstimatedMinutes: 5,
	}
	require.NoError(t, s.PutTemplate(ctx, quiet))

	for i := 0; i < 3; i++ {
		exec := seedExecution(t, s, busy.ID, tn.ID)
		finishExecution(t, s, exec.ID, schema.StatusCompleted)
	}
	exec := seedExecution(t, s, quiet.ID, tn.ID)
	finishExecution(t, s, exec.ID, schema.StatusFailed)

	report, err := s.Analytics(ctx, AnalyticsQuery{})
	require.NoError(t, err)
	require.Len(t, report.ByTemplate, 2)

	// Ordered by execution count descending.
	assert.Equal(t, busy.ID, report.ByTemplate[0].TemplateID)
	assert.Equal(t, "emergency-response", report.ByTemplate[0].Name)
	assert.Equal(t, int64(3), report.ByTemplate[0].Executions)
	assert.InDelta(t, 1.0, report.ByTemplate[0].SuccessRate, 0.001)
	assert.Equal(t, int64(45), report.ByTemplate[0].TimeSavedMinutes)

	assert.Equal(t, quiet.ID, report.ByTemplate[1].TemplateID)
	assert.Equal(t, int64(1), report.ByTemplate[1].Executions)
	assert.InDelta(t, 0.0, report.ByTemplate[1].SuccessRate, 0.001)
	assert.Equal(t, int64(0), report.ByTemplate[1].TimeSavedMinutes)
}

func TestAnalytics_TenantFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s)

	tnA := seedTenant(t, s)
	tnB := seedTenant(t, s)

	execA := seedExecution(t, s, tpl.ID, tnA.ID)
	finishExecution(t, s, execA.ID, schema.StatusCompleted)
	execB := seedExecution(t, s, tpl.ID, tnB.ID)
	finishExecution(t, s, execB.ID, schema.StatusFailed)

	report, err := s.Analytics(ctx, AnalyticsQuery{TenantID: tnA.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalExecutions)
	assert.Equal(t, int64(1), report.Completed)
	assert.InDelta(t, 1.0, report.SuccessRate, 0.001)
}

func TestAnalytics_TimeWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := seedTenant(t, s)
	tpl := seedTemplate(t, s)

	exec := seedExecution(t, s, tpl.ID, tn.ID)
	finishExecution(t, s, exec.ID, schema.StatusCompleted)

	// A window entirely in the future excludes everything.
	future := time.Now().UTC().Add(time.Hour)
	report, err := s.Analytics(ctx, AnalyticsQuery{Since: &future})
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.TotalExecutions)

	// A window starting in the past includes the run.
	past := time.Now().UTC().Add(-time.Hour)
	report, err = s.Analytics(ctx, AnalyticsQuery{Since: &past})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalExecutions)
}
