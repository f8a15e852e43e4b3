package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
)

type ResolveRequest struct {
	TenantID snowflake.ID
	UserID   snowflake.ID
}

type ScheduleDowngradeRequest struct {
	TenantID   snowflake.ID
	TargetPlan plan.Plan
}

type Service interface {
	// Resolve returns the tenant's subscription, lazily provisioning the
	// free tier so every tenant always has exactly one.
	Resolve(ctx context.Context, req ResolveRequest) (Subscription, error)
	GetByTenantID(ctx context.Context, tenantID snowflake.ID) (Subscription, error)
	Cancel(ctx context.Context, tenantID snowflake.ID) (Subscription, error)
	ScheduleDowngrade(ctx context.Context, req ScheduleDowngradeRequest) (Subscription, error)
	// ExecuteScheduledDowngrade applies a due downgrade slot. Calling it when
	// no slot is present, or before the effective date, is a no-op.
	ExecuteScheduledDowngrade(ctx context.Context, tenantID snowflake.ID) (bool, error)
	// ExpireIfLapsed flips a cancelled subscription to EXPIRED once its paid
	// period runs out. No-op otherwise.
	ExpireIfLapsed(ctx context.Context, tenantID snowflake.ID) (bool, error)
	ResetUsageCounters(ctx context.Context, tenantID snowflake.ID) error
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrNotADowngrade        = errors.New("target_plan_is_not_a_downgrade")
	ErrAlreadyCancelled     = errors.New("subscription_already_cancelled")
	ErrNoBillingDate        = errors.New("subscription_has_no_billing_date")
)
