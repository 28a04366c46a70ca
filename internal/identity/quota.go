package identity

import (
	"context"
	"errors"
	"time"

	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/pkg/schema"
)

// QuotaStore is the slice of the store the quota gate reads.
type QuotaStore interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	CountActionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

// Quota enforces monthly action allowances at execution start. Consumption is
// the count of successful action attempts since the first of the current
// calendar month (UTC). Admission is the only enforcement point: executions
// already running are never degraded mid-flight.
type Quota struct {
	store QuotaStore
	now   func() time.Time
}

// NewQuota returns a quota gate backed by st.
func NewQuota(st QuotaStore) *Quota {
	return &Quota{store: st, now: time.Now}
}

// Usage is a tenant's consumption for the current calendar month.
type Usage struct {
	TenantID    string    `json:"tenant_id"`
	Used        int64     `json:"used"`
	Allowance   int       `json:"allowance"`
	Remaining   int64     `json:"remaining"` // -1 when unmetered
	PeriodStart time.Time `json:"period_start"`
	ResetsAt    time.Time `json:"resets_at"`
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Allow reports whether tenantID may start another execution this month.
// The empty tenant, unregistered tenants, and tenants with no allowance pass
// unmetered; a spent allowance rejects with QUOTA_EXCEEDED.
func (q *Quota) Allow(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return nil
	}
	tenant, err := q.store.GetTenant(ctx, tenantID)
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeNotFound {
			return nil
		}
		return err
	}
	if tenant.MonthlyActionQuota <= 0 {
		return nil
	}
	start := MonthStart(q.now())
	used, err := q.store.CountActionsSince(ctx, tenantID, start)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "counting tenant actions").WithCause(err)
	}
	if used >= int64(tenant.MonthlyActionQuota) {
		return schema.NewErrorf(schema.ErrCodeQuotaExceeded,
			"tenant %q spent its monthly action allowance (%d/%d)",
			tenantID, used, tenant.MonthlyActionQuota).
			WithDetails(map[string]any{
				"tenant_id": tenantID,
				"used":      used,
				"allowance": tenant.MonthlyActionQuota,
				"resets_at": start.AddDate(0, 1, 0).Format(time.RFC3339),
			})
	}
	return nil
}

// Usage computes the tenant's consumption for the current month. Unknown
// tenants return NOT_FOUND.
func (q *Quota) Usage(ctx context.Context, tenantID string) (*Usage, error) {
	tenant, err := q.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	start := MonthStart(q.now())
	used, err := q.store.CountActionsSince(ctx, tenantID, start)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "counting tenant actions").WithCause(err)
	}
	u := &Usage{
		TenantID:    tenantID,
		Used:        used,
		Allowance:   tenant.MonthlyActionQuota,
		PeriodStart: start,
		ResetsAt:    start.AddDate(0, 1, 0),
	}
	if u.Allowance > 0 {
		u.Remaining = int64(u.Allowance) - used
		if u.Remaining < 0 {
			u.Remaining = 0
		}
	} else {
		u.Remaining = -1
	}
	return u, nil
}
