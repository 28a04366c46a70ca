package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehero/flowd/internal/store"
)

// mockTriggerStore satisfies store.Store for scheduler tests.
type mockTriggerStore struct {
	store.Store
	mu       sync.Mutex
	triggers map[string]*store.ScheduledTrigger
}

func newMockTriggerStore() *mockTriggerStore {
	return &mockTriggerStore{triggers: make(map[string]*store.ScheduledTrigger)}
}

func (m *mockTriggerStore) CreateScheduledTrigger(_ context.Context, trig *store.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trig
	m.triggers[trig.ID] = &cp
	return nil
}

func (m *mockTriggerStore) GetScheduledTrigger(_ context.Context, id string) (*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.triggers[id]
	if !ok {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

func (m *mockTriggerStore) UpdateScheduledTrigger(_ context.Context, id string, update store.ScheduledTriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.triggers[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		tr.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		tr.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		tr.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		tr.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockTriggerStore) ListScheduledTriggers(_ context.Context, filter store.ScheduledTriggerFilter) ([]*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledTrigger
	for _, tr := range m.triggers {
		if filter.Enabled != nil && tr.Enabled != *filter.Enabled {
			continue
		}
		if filter.TenantID != "" && tr.TenantID != filter.TenantID {
			continue
		}
		cp := *tr
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockTriggerStore) DeleteScheduledTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
	return nil
}

// mockRunner tracks Start calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	TemplateID string
	TenantID   string
	Payload    map[string]any
}

func (r *mockRunner) Start(_ context.Context, templateID, tenantID string, payload map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{
		TemplateID: templateID,
		TenantID:   tenantID,
		Payload:    payload,
	})
	if r.err != nil {
		return "", r.err
	}
	return "exec-1", nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner Runner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

// --- Tests ---

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = NextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = NextRun("invalid cron", from)
	require.Error(t, err)
}

func TestValidateExpression(t *testing.T) {
	assert.NoError(t, ValidateExpression("*/5 * * * *"))
	assert.NoError(t, ValidateExpression("0 9 * * 1-5"))
	assert.Error(t, ValidateExpression("not cron"))
	assert.Error(t, ValidateExpression(""))
}

func TestTickFiresDueTriggers(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-1",
		TemplateID:     "followup-sms",
		TenantID:       "t-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledTrigger(ctx, "trig-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueTriggers(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-future",
		TemplateID:     "followup-sms",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-missed",
		TemplateID:     "weekly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledTrigger(ctx, "trig-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestRecoverMissedSkipsFresh(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	// A trigger that has never fired has no next_run_at; boot recovery must
	// leave it for the regular loop rather than firing it blind.
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-fresh",
		TemplateID:     "weekly-report",
		CronExpression: "0 * * * *",
		Enabled:        true,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 0, runner.callCount())
}

func TestDisabledTriggersSkipped(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-disabled",
		TemplateID:     "followup-sms",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestFirePassesPayloadAndTenant(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-payload",
		TemplateID:     "daily-digest",
		TenantID:       "t-42",
		CronExpression: "*/15 * * * *",
		Payload:        json.RawMessage(`{"report":"daily"}`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
	runner.mu.Lock()
	call := runner.calls[0]
	runner.mu.Unlock()

	assert.Equal(t, "daily-digest", call.TemplateID)
	assert.Equal(t, "t-42", call.TenantID)
	assert.Equal(t, "daily", call.Payload["report"])

	got, _ := ms.GetScheduledTrigger(ctx, "trig-payload")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestFireMalformedPayload(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-bad-payload",
		TemplateID:     "daily-digest",
		CronExpression: "0 * * * *",
		Payload:        json.RawMessage(`{not json`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	// No execution starts, but the trigger still reschedules.
	assert.Equal(t, 0, runner.callCount())
	got, _ := ms.GetScheduledTrigger(ctx, "trig-bad-payload")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestFireStartRejected(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-fail",
		TemplateID:     "followup-sms",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetScheduledTrigger(ctx, "trig-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestStartStop(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	// Trigger with nil NextRunAt fires on the first tick.
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-nil-next",
		TemplateID:     "followup-sms",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      nil,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-dedup",
		TemplateID:     "followup-sms",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Pre-acquire the trigger to simulate an in-flight fire.
	acquired := sched.tryAcquire("trig-dedup")
	assert.True(t, acquired)

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again.
	sched.release("trig-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-release",
		TemplateID:     "followup-sms",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Reset NextRunAt to past so it is due again.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledTrigger(ctx, "trig-release", store.ScheduledTriggerUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleTriggersSomeDue(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID: "due-1", TemplateID: "alpha", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID: "not-due", TemplateID: "beta", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID: "due-2", TemplateID: "gamma", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: nil,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	ids := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		ids[i] = c.TemplateID
	}
	runner.mu.Unlock()
	assert.Contains(t, ids, "alpha")
	assert.Contains(t, ids, "gamma")
	assert.NotContains(t, ids, "beta")
}
