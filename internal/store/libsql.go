package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/servicehero/flowd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Templates ---

// PutTemplate stores a template document. An existing id is replaced; callers
// that care about immutability publish under a new id instead.
func (s *LibSQLStore) PutTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	doc, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, description, business_type, category, estimated_minutes, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   business_type=excluded.business_type, category=excluded.category,
		   estimated_minutes=excluded.estimated_minutes, document=excluded.document,
		   updated_at=CURRENT_TIMESTAMP`,
		tpl.ID, tpl.Name, nullStr(tpl.Description), nullStr(tpl.BusinessType),
		nullStr(tpl.Category), tpl.EstimatedMinutes, string(doc),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM templates WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	tpl := &schema.WorkflowTemplate{}
	if err := json.Unmarshal([]byte(doc), tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template %s: %w", id, err)
	}
	return tpl, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	var where []string
	var args []any

	if filter.BusinessType != "" {
		where = append(where, "business_type = ?")
		args = append(args, filter.BusinessType)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	query := `SELECT document FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*schema.WorkflowTemplate
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		tpl := &schema.WorkflowTemplate{}
		if err := json.Unmarshal([]byte(doc), tpl); err != nil {
			return nil, fmt.Errorf("unmarshal template: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	payload, err := marshalMapOrDefault(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger_payload: %w", err)
	}
	errJSON, err := marshalStepError(exec.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, template_id, tenant_id, status, trigger_payload, error, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TemplateID, nullStr(exec.TenantID), string(exec.Status),
		string(payload), errJSON,
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.EndedAt),
	)
	return err
}

// GetExecution loads an execution with its full step result history.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		tenantID           sql.NullString
		payloadJSON        string
		errJSON            sql.NullString
		startedAt, endedAt sql.NullTime
		status             string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, tenant_id, status, trigger_payload, error, created_at, started_at, ended_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.TemplateID, &tenantID, &status, &payloadJSON, &errJSON,
		&exec.CreatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	exec.TenantID = tenantID.String
	exec.Status = schema.WorkflowStatus(status)
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &exec.TriggerPayload)
	}
	exec.Error, err = unmarshalStepError(errJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal error record: %w", err)
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		exec.EndedAt = &endedAt.Time
	}

	exec.StepResults, err = s.ListStepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		errJSON, err := marshalStepError(update.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// ListExecutions returns matching executions without their step results;
// use GetExecution for the full record.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, template_id, tenant_id, status, trigger_payload, error, created_at, started_at, ended_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*schema.Execution
	for rows.Next() {
		exec := &schema.Execution{}
		var (
			tenantID           sql.NullString
			payloadJSON        string
			errJSON            sql.NullString
			startedAt, endedAt sql.NullTime
			status             string
		)
		if err := rows.Scan(&exec.ID, &exec.TemplateID, &tenantID, &status, &payloadJSON, &errJSON,
			&exec.CreatedAt, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		exec.TenantID = tenantID.String
		exec.Status = schema.WorkflowStatus(status)
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &exec.TriggerPayload)
		}
		exec.Error, err = unmarshalStepError(errJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal error record: %w", err)
		}
		if startedAt.Valid {
			exec.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			exec.EndedAt = &endedAt.Time
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- Step results ---

func (s *LibSQLStore) AppendStepResult(ctx context.Context, executionID string, res *schema.StepResult) error {
	output, err := marshalMap(res.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	errJSON, err := marshalStepError(res.Error)
	if err != nil {
		return fmt.Errorf("marshal step error: %w", err)
	}
	kind := res.Kind
	if kind == "" {
		kind = schema.StepKindAction
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, step_id, kind, attempt, status, output, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, res.StepID, string(kind), res.Attempt, string(res.Status),
		output, errJSON, timeOrNow(res.StartedAt), nullTime(res.EndedAt),
	)
	return err
}

// ListStepResults returns all step attempts for an execution in insertion order.
func (s *LibSQLStore) ListStepResults(ctx context.Context, executionID string) ([]schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, kind, attempt, status, output, error, started_at, ended_at
		 FROM step_results WHERE execution_id = ? ORDER BY id ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []schema.StepResult
	for rows.Next() {
		var res schema.StepResult
		var kind, status string
		var output, errJSON sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&res.StepID, &kind, &res.Attempt, &status, &output, &errJSON,
			&res.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		res.Kind = schema.StepKind(kind)
		res.Status = schema.StepStatus(status)
		if output.Valid && output.String != "" {
			_ = json.Unmarshal([]byte(output.String), &res.Output)
		}
		res.Error, err = unmarshalStepError(errJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal step error: %w", err)
		}
		if endedAt.Valid {
			res.EndedAt = &endedAt.Time
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, template_id, tenant_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trig.ID, trig.TemplateID, nullStr(trig.TenantID), trig.CronExpression,
		nullRaw(trig.Payload), boolToInt(trig.Enabled),
		nullTime(trig.LastRunAt), nullTime(trig.NextRunAt), nullStr(trig.LastRunStatus),
		timeOrNow(trig.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var tenantID, lastStatus sql.NullString
	var payload sql.NullString
	var lastRun, nextRun sql.NullTime
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, tenant_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_triggers WHERE id = ?`, id,
	).Scan(&t.ID, &t.TemplateID, &tenantID, &t.CronExpression, &payload, &enabled,
		&lastRun, &nextRun, &lastStatus, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_trigger", id)
	}
	if err != nil {
		return nil, err
	}
	t.TenantID = tenantID.String
	t.Payload = rawOrNil(payload)
	t.Enabled = enabled != 0
	t.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	return t, nil
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}

	query := `SELECT id, template_id, tenant_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		t := &ScheduledTrigger{}
		var tenantID, lastStatus sql.NullString
		var payload sql.NullString
		var lastRun, nextRun sql.NullTime
		var enabled int
		if err := rows.Scan(&t.ID, &t.TemplateID, &tenantID, &t.CronExpression, &payload, &enabled,
			&lastRun, &nextRun, &lastStatus, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.TenantID = tenantID.String
		t.Payload = rawOrNil(payload)
		t.Enabled = enabled != 0
		t.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			t.NextRunAt = &nextRun.Time
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_trigger", id)
}

// --- Tenants ---

func (s *LibSQLStore) RegisterTenant(ctx context.Context, tenant *Tenant) error {
	metadata, err := nullableJSON(tenant.Metadata)
	if err != nil {
		return fmt.Errorf("marshal tenant metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, business_type, plan, monthly_action_quota, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, business_type=excluded.business_type, plan=excluded.plan,
		   monthly_action_quota=excluded.monthly_action_quota, metadata=excluded.metadata`,
		tenant.ID, tenant.Name, nullStr(tenant.BusinessType),
		planOrDefault(tenant.Plan), tenant.MonthlyActionQuota, metadata,
		timeOrNow(tenant.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	var businessType, metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, business_type, plan, monthly_action_quota, metadata, created_at, last_seen_at
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &businessType, &t.Plan, &t.MonthlyActionQuota, &metadata, &t.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tenant", id)
	}
	if err != nil {
		return nil, err
	}
	t.BusinessType = businessType.String
	t.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		t.LastSeenAt = &lastSeen.Time
	}
	return t, nil
}

func (s *LibSQLStore) UpdateTenantSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "tenant", id)
}

func (s *LibSQLStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, business_type, plan, monthly_action_quota, metadata, created_at, last_seen_at
		 FROM tenants ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t := &Tenant{}
		var businessType, metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &businessType, &t.Plan, &t.MonthlyActionQuota,
			&metadata, &t.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		t.BusinessType = businessType.String
		t.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			t.LastSeenAt = &lastSeen.Time
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *LibSQLStore) CountActionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_results sr
		 JOIN executions e ON e.id = sr.execution_id
		 WHERE e.tenant_id = ? AND sr.kind = 'action' AND sr.status = 'success' AND sr.started_at >= ?`,
		tenantID, since,
	).Scan(&count)
	return count, err
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalStepError(se *schema.StepError) (any, error) {
	if se == nil {
		return nil, nil
	}
	b, err := json.Marshal(se)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStepError(ns sql.NullString) (*schema.StepError, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	se := &schema.StepError{}
	if err := json.Unmarshal([]byte(ns.String), se); err != nil {
		return nil, err
	}
	return se, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func planOrDefault(plan string) string {
	if plan == "" {
		return "starter"
	}
	return plan
}
