package store

import (
	"context"
	"time"

	"github.com/servicehero/flowd/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Templates
	PutTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Step results (append-only, one row per attempt)
	AppendStepResult(ctx context.Context, executionID string, res *schema.StepResult) error
	ListStepResults(ctx context.Context, executionID string) ([]schema.StepResult, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error)
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Tenants
	RegisterTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	UpdateTenantSeen(ctx context.Context, id string) error
	ListTenants(ctx context.Context) ([]*Tenant, error)
	// CountActionsSince counts successful action step attempts for a tenant
	// since the given instant. Used for monthly quota enforcement.
	CountActionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Analytics
	Analytics(ctx context.Context, q AnalyticsQuery) (*AnalyticsReport, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
