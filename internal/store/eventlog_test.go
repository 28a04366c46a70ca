package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func seedRun(t *testing.T, s *LibSQLStore) *schema.Execution {
	t.Helper()
	tn := seedTenant(t, s)
	tpl := seedTemplate(t, s)
	return seedExecution(t, s, tpl.ID, tn.ID)
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{
			ExecutionID: exec.ID,
			StepID:      "notify",
			Type:        schema.EventStepStarted,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_GetEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	for _, et := range []string{schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepFailed} {
		require.NoError(t, el.AppendEvent(ctx, &Event{
			ExecutionID: exec.ID, StepID: "notify", Type: et,
		}))
	}

	// Get all
	events, err := el.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Get since sequence 1
	events, err = el.GetEvents(ctx, exec.ID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestEventLog_GetEventsByType(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepCompleted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, StepID: "s2", Type: schema.EventStepStarted}))

	events, err := el.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, schema.EventStepStarted, e.Type)
	}
}

func TestEventLog_Timeline_FullLifecycle(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	now := time.Now().UTC()

	// s1: started -> completed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepStarted, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepCompleted,
		Timestamp: now.Add(100 * time.Millisecond),
	}))

	// s2: started -> failed
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s2", Type: schema.EventStepStarted, Timestamp: now,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s2", Type: schema.EventStepFailed,
		Payload:   json.RawMessage(`{"code":"INTEGRATION_ERROR","message":"timeout"}`),
		Timestamp: now.Add(200 * time.Millisecond),
	}))

	steps, err := el.Timeline(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// s1 should be success
	assert.Equal(t, schema.StepStatusSuccess, steps["s1"].Status)
	assert.Equal(t, 1, steps["s1"].Attempts)
	assert.NotNil(t, steps["s1"].StartedAt)
	assert.NotNil(t, steps["s1"].EndedAt)
	assert.Greater(t, steps["s1"].DurationMs, int64(0))

	// s2 should be failed with the error payload preserved
	assert.Equal(t, schema.StepStatusFailed, steps["s2"].Status)
	assert.JSONEq(t, `{"code":"INTEGRATION_ERROR","message":"timeout"}`, string(steps["s2"].LastError))
}

func TestEventLog_Timeline_Retries(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepStarted,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepRetrying,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepStarted,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepCompleted,
	}))

	steps, err := el.Timeline(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSuccess, steps["s1"].Status)
	assert.Equal(t, 2, steps["s1"].Attempts)
}

func TestEventLog_Timeline_ConditionBranch(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "is_urgent", Type: schema.EventStepStarted,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "is_urgent", Type: schema.EventConditionEvaluated,
		Payload: json.RawMessage(`{"expression":"urgency == \"high\"","result":"true"}`),
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "is_urgent", Type: schema.EventStepCompleted,
	}))

	steps, err := el.Timeline(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSuccess, steps["is_urgent"].Status)
	assert.Equal(t, "true", steps["is_urgent"].Branch)
}

func TestEventLog_Timeline_EmptyExecution(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	steps, err := el.Timeline(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestEventLog_Timeline_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	// Manually insert events with a gap using the raw store.
	db := s.DB()
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, timestamp, sequence) VALUES (?, 's1', 'step_started', CURRENT_TIMESTAMP, 1)`,
		exec.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, timestamp, sequence) VALUES (?, 's1', 'step_completed', CURRENT_TIMESTAMP, 3)`,
		exec.ID)
	require.NoError(t, err)

	_, err = el.Timeline(ctx, exec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ConcurrentAppend_DifferentExecutions(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	tn := seedTenant(t, s)
	tpl := seedTemplate(t, s)
	var executions []*schema.Execution
	for i := 0; i < 5; i++ {
		executions = append(executions, seedExecution(t, s, tpl.ID, tn.ID))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)

	for _, exec := range executions {
		exec := exec
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e := &Event{
					ExecutionID: exec.ID,
					StepID:      "s1",
					Type:        schema.EventStepStarted,
				}
				if err := el.AppendEvent(ctx, e); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	// Verify each execution has correct sequences 1..10
	for _, exec := range executions {
		events, err := el.GetEvents(ctx, exec.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_ExecutionScopedSequences(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	tn := seedTenant(t, s)
	tpl := seedTemplate(t, s)
	exec1 := seedExecution(t, s, tpl.ID, tn.ID)
	exec2 := seedExecution(t, s, tpl.ID, tn.ID)

	// Append to exec1
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec1.ID, StepID: "s1", Type: schema.EventStepStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec1.ID, StepID: "s1", Type: schema.EventStepCompleted}))

	// Append to exec2 -- sequence should start at 1, not 3
	e := &Event{ExecutionID: exec2.ID, StepID: "s1", Type: schema.EventStepStarted}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "exec2 should have its own sequence starting at 1")
}

func TestEventLog_ImmutableEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	exec := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepStarted,
		Payload: json.RawMessage(`{"original":true}`),
	}))

	// Verify we can read it back unchanged
	events, err := el.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"original":true}`, string(events[0].Payload))
}
