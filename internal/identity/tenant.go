package identity

import (
	"context"
	"errors"

	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/pkg/schema"
)

// Plan names. Each plan bundles a monthly action allowance; a tenant row may
// carry an explicit monthly_action_quota that overrides the bundled one.
const (
	PlanFree       = "free"
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

var planAllowances = map[string]int{
	PlanFree:       100,
	PlanStarter:    1000,
	PlanPro:        10000,
	PlanEnterprise: 0, // unmetered
}

// PlanAllowance returns the monthly action allowance bundled with a plan.
// Zero means unmetered.
func PlanAllowance(plan string) (int, bool) {
	n, ok := planAllowances[plan]
	return n, ok
}

// ValidatePlan checks that plan is one of the known plan names. Empty is
// allowed and normalized to starter at registration time.
func ValidatePlan(plan string) error {
	if plan == "" {
		return nil
	}
	if _, ok := planAllowances[plan]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid plan %q: must be one of free, starter, pro, enterprise", plan)
	}
	return nil
}

// ValidateTenant checks required fields on a Tenant.
func ValidateTenant(t *store.Tenant) error {
	if t.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	if t.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenant name is required")
	}
	if t.MonthlyActionQuota < 0 {
		return schema.NewError(schema.ErrCodeValidation, "monthly action quota cannot be negative")
	}
	return ValidatePlan(t.Plan)
}

// EnsureRegistered retrieves an existing tenant or registers a new one.
// If the tenant exists, it updates last_seen_at and returns the stored record.
// New tenants with a zero quota inherit their plan's bundled allowance, so an
// explicitly unmetered tenant must be registered on the enterprise plan.
func EnsureRegistered(ctx context.Context, s store.Store, t *store.Tenant) (*store.Tenant, error) {
	existing, err := s.GetTenant(ctx, t.ID)
	if err == nil {
		_ = s.UpdateTenantSeen(ctx, t.ID)
		return existing, nil
	}

	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) || flowErr.Code != schema.ErrCodeNotFound {
		return nil, err
	}

	if err := ValidateTenant(t); err != nil {
		return nil, err
	}
	if t.Plan == "" {
		t.Plan = PlanStarter
	}
	if t.MonthlyActionQuota == 0 {
		t.MonthlyActionQuota = planAllowances[t.Plan]
	}
	if err := s.RegisterTenant(ctx, t); err != nil {
		return nil, err
	}
	return s.GetTenant(ctx, t.ID)
}
