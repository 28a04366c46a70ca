package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/servicehero/flowd/pkg/schema"
)

// EventLog provides append and replay operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
// Uses BEGIN IMMEDIATE to ensure sequence correctness under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	// BEGIN IMMEDIATE acquires a write lock immediately to prevent concurrent writers
	// from interleaving sequence reads and writes.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// Acquire write lock by executing a write-intent statement.
	// In WAL mode, BeginTx alone may start a deferred transaction.
	// We use an immediate-mode write to force lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepTimeline summarizes one step's history reconstructed from the event log.
type StepTimeline struct {
	StepID     string            `json:"step_id"`
	Status     schema.StepStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Branch     string            `json:"branch,omitempty"`
	LastError  json.RawMessage   `json:"last_error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// Timeline replays all events for an execution and returns per-step summaries.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Timeline(ctx context.Context, executionID string) (map[string]*StepTimeline, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for timeline: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepTimeline), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	steps := make(map[string]*StepTimeline)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		st, ok := steps[e.StepID]
		if !ok {
			st = &StepTimeline{
				StepID: e.StepID,
				Status: schema.StepStatusPending,
			}
			steps[e.StepID] = st
		}

		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StepStatusRunning
			st.Attempts++
			if st.StartedAt == nil {
				ts := e.Timestamp
				st.StartedAt = &ts
			}

		case schema.EventStepCompleted:
			st.Status = schema.StepStatusSuccess
			ts := e.Timestamp
			st.EndedAt = &ts
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			st.Status = schema.StepStatusFailed
			ts := e.Timestamp
			st.EndedAt = &ts
			st.LastError = e.Payload
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}

		case schema.EventStepRetrying:
			st.Status = schema.StepStatusRetrying

		case schema.EventConditionEvaluated:
			var payload struct {
				Result string `json:"result"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err == nil {
				st.Branch = payload.Result
			}
		}
	}

	return steps, nil
}
