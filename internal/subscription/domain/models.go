// Package domain contains the persisted entitlement record per tenant and
// the pure transition rules applied to it.
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "TRIAL"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

// Metadata keys used on the subscription row.
const (
	MetaScheduledDowngrade = "scheduledDowngrade"
	MetaLastUsageReset     = "lastUsageReset"
)

// Subscription captures a tenant's entitlement: the plan, a snapshot of its
// limits and features taken at transition time, and the authoritative usage
// counters. Exactly one row exists per tenant; rows are never deleted.
type Subscription struct {
	ID              snowflake.ID       `gorm:"primaryKey"`
	TenantID        snowflake.ID       `gorm:"not null;uniqueIndex"`
	UserID          snowflake.ID       `gorm:"not null;index"`
	Plan            plan.Plan          `gorm:"type:text;not null"`
	BillingPeriod   plan.BillingPeriod `gorm:"type:text;not null"`
	Status          SubscriptionStatus `gorm:"type:text;not null"`
	Limits          datatypes.JSONMap  `gorm:"type:jsonb"`
	Usage           datatypes.JSONMap  `gorm:"column:usage_counters;type:jsonb"`
	Features        datatypes.JSONMap  `gorm:"type:jsonb"`
	Metadata        datatypes.JSONMap  `gorm:"type:jsonb"`
	NextBillingDate *time.Time         `gorm:""`
	TrialEndsAt     *time.Time         `gorm:""`
	CancelledAt     *time.Time         `gorm:""`
	CreatedAt       time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// DowngradeSlot is the deferred plan change stored in subscription metadata.
type DowngradeSlot struct {
	TargetPlan    plan.Plan
	EffectiveDate time.Time
}

// LimitFor reads a snapshotted limit off the JSON column. Missing keys are
// treated as zero quota, not unlimited.
func (s *Subscription) LimitFor(resource string) int64 {
	return JSONInt64(s.Limits, resource)
}

// UsageFor reads an authoritative counter off the JSON column.
func (s *Subscription) UsageFor(resource string) int64 {
	return JSONInt64(s.Usage, resource)
}

// ScheduledDowngrade decodes the deferred-downgrade slot, if any.
func (s *Subscription) ScheduledDowngrade() (*DowngradeSlot, bool) {
	if s.Metadata == nil {
		return nil, false
	}
	raw, ok := s.Metadata[MetaScheduledDowngrade]
	if !ok || raw == nil {
		return nil, false
	}
	entry, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	target, err := plan.Parse(stringValue(entry["targetPlan"]))
	if err != nil {
		return nil, false
	}
	effective, err := time.Parse(time.RFC3339, stringValue(entry["effectiveDate"]))
	if err != nil {
		return nil, false
	}
	return &DowngradeSlot{TargetPlan: target, EffectiveDate: effective}, true
}

// SetScheduledDowngrade writes the deferred-downgrade slot.
func (s *Subscription) SetScheduledDowngrade(slot DowngradeSlot) {
	if s.Metadata == nil {
		s.Metadata = datatypes.JSONMap{}
	}
	s.Metadata[MetaScheduledDowngrade] = map[string]any{
		"targetPlan":    string(slot.TargetPlan),
		"effectiveDate": slot.EffectiveDate.UTC().Format(time.RFC3339),
	}
}

// ClearScheduledDowngrade removes the deferred-downgrade slot.
func (s *Subscription) ClearScheduledDowngrade() {
	if s.Metadata == nil {
		return
	}
	delete(s.Metadata, MetaScheduledDowngrade)
}

// JSONInt64 coerces a JSON column value to int64. JSON round-trips turn
// numbers into float64; persisted rows may also carry json.Number or string.
func JSONInt64(m datatypes.JSONMap, key string) int64 {
	if m == nil {
		return 0
	}
	value, ok := m[key]
	if !ok {
		return 0
	}
	switch typed := value.(type) {
	case float64:
		return int64(typed)
	case float32:
		return int64(typed)
	case int64:
		return typed
	case int:
		return int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed
		}
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// LimitsToJSON converts a catalog limits snapshot to the JSON column shape.
func LimitsToJSON(limits plan.Limits) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range limits {
		out[k] = v
	}
	return out
}

// FeaturesToJSON converts catalog feature flags to the JSON column shape.
func FeaturesToJSON(features plan.Features) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range features {
		out[k] = v
	}
	return out
}

// ZeroUsage is the initial counter map for a fresh subscription.
func ZeroUsage() datatypes.JSONMap {
	return datatypes.JSONMap{
		plan.ResourceAPICalls: int64(0),
		plan.ResourceStorage:  int64(0),
		plan.ResourceSMS:      int64(0),
	}
}
