// Package domain defines tenant usage reporting and quota enforcement.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
)

// ResourceUsage pairs a counter with its snapshotted limit. Remaining is -1
// when the limit is unlimited.
type ResourceUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// TenantUsage is the full usage report for one tenant.
type TenantUsage struct {
	TenantID  snowflake.ID             `json:"tenant_id"`
	Plan      plan.Plan                `json:"plan"`
	Resources map[string]ResourceUsage `json:"resources"`
}

type Service interface {
	// GetTenantUsage reports live entity counts and accumulated counters
	// against the subscription's limit snapshot.
	GetTenantUsage(ctx context.Context, tenantID snowflake.ID) (TenantUsage, error)
	// CanPerform reports whether adding delta units of the resource stays
	// within quota. Unlimited limits always pass.
	CanPerform(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) (bool, error)
	Increment(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) error
	Decrement(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) error
}

var (
	ErrUnknownResource = errors.New("unknown_resource")
	ErrInvalidDelta    = errors.New("delta_must_be_positive")
)
