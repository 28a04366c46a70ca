package store

import (
	"encoding/json"
	"time"

	"github.com/servicehero/flowd/pkg/schema"
)

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledTrigger is a cron-driven template execution.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Tenant is a registered business account. MonthlyActionQuota caps the number
// of successful action steps per calendar month; zero means unlimited.
type Tenant struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	BusinessType       string          `json:"business_type,omitempty"`
	Plan               string          `json:"plan,omitempty"`
	MonthlyActionQuota int             `json:"monthly_action_quota,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	LastSeenAt         *time.Time      `json:"last_seen_at,omitempty"`
}

// --- Filter and update types ---

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	BusinessType string `json:"business_type,omitempty"`
	Category     string `json:"category,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.WorkflowStatus `json:"status,omitempty"`
	TemplateID string                 `json:"template_id,omitempty"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Since      *time.Time             `json:"since,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status    *schema.WorkflowStatus `json:"status,omitempty"`
	Error     *schema.StepError      `json:"error,omitempty"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// --- Analytics types ---

// AnalyticsQuery scopes an analytics report.
type AnalyticsQuery struct {
	TenantID   string     `json:"tenant_id,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
}

// AnalyticsReport aggregates execution outcomes. All values are computed from
// execution and step result rows at query time; nothing is pre-aggregated.
type AnalyticsReport struct {
	TotalExecutions  int64               `json:"total_executions"`
	Completed        int64               `json:"completed"`
	Failed           int64               `json:"failed"`
	Cancelled        int64               `json:"cancelled"`
	Running          int64               `json:"running"`
	SuccessRate      float64             `json:"success_rate"`
	AvgDurationMs    int64               `json:"avg_duration_ms"`
	ActionsExecuted  int64               `json:"actions_executed"`
	TimeSavedMinutes int64               `json:"time_saved_minutes"`
	ByTemplate       []TemplateAnalytics `json:"by_template,omitempty"`
}

// TemplateAnalytics breaks down outcomes for a single template.
type TemplateAnalytics struct {
	TemplateID       string  `json:"template_id"`
	Name             string  `json:"name"`
	Executions       int64   `json:"executions"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	SuccessRate      float64 `json:"success_rate"`
	TimeSavedMinutes int64   `json:"time_saved_minutes"`
}
