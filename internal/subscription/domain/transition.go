package domain

import (
	"time"

	"github.com/smallbiznis/entitle/internal/plan"
)

// TransitionKind classifies a requested plan change relative to the current
// plan by catalog ordinal.
type TransitionKind string

const (
	TransitionUpgrade   TransitionKind = "UPGRADE"
	TransitionRenewal   TransitionKind = "RENEWAL"
	TransitionDowngrade TransitionKind = "DOWNGRADE"
)

// ClassifyChange compares target against current by catalog ordinal.
func ClassifyChange(current, target plan.Plan) TransitionKind {
	currentOrd := plan.Ordinal(current)
	targetOrd := plan.Ordinal(target)
	switch {
	case targetOrd > currentOrd:
		return TransitionUpgrade
	case targetOrd == currentOrd:
		return TransitionRenewal
	default:
		return TransitionDowngrade
	}
}

// NextPeriod returns the billing-period end measured from the given instant.
func NextPeriod(from time.Time, period plan.BillingPeriod) time.Time {
	if period == plan.Yearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// ApplyUpgrade replaces the plan, re-snapshots limits and features from the
// catalog, and restarts the billing cycle from now. Usage counters carry
// over; trial, cancellation, and any scheduled downgrade are cleared.
func ApplyUpgrade(s *Subscription, target plan.Plan, period plan.BillingPeriod, now time.Time) {
	s.Plan = target
	s.BillingPeriod = period
	s.Limits = LimitsToJSON(plan.LimitsFor(target))
	s.Features = FeaturesToJSON(plan.FeaturesFor(target))
	s.Status = SubscriptionStatusActive
	next := NextPeriod(now, period)
	s.NextBillingDate = &next
	s.TrialEndsAt = nil
	s.CancelledAt = nil
	s.ClearScheduledDowngrade()
	s.UpdatedAt = now
}

// ApplyRenewal extends the current plan by one billing period measured from
// max(nextBillingDate, now), so a lapsed cycle is not double-counted and an
// early renewal is not shortened.
func ApplyRenewal(s *Subscription, period plan.BillingPeriod, now time.Time) {
	base := now
	if s.NextBillingDate != nil && s.NextBillingDate.After(now) {
		base = *s.NextBillingDate
	}
	next := NextPeriod(base, period)
	s.BillingPeriod = period
	s.NextBillingDate = &next
	s.Status = SubscriptionStatusActive
	s.CancelledAt = nil
	s.UpdatedAt = now
}

// ApplyDowngrade swaps in the lower tier's snapshot. Called only from the
// deferred-downgrade path; paid transitions never reach it.
func ApplyDowngrade(s *Subscription, target plan.Plan, now time.Time) {
	s.Plan = target
	s.Limits = LimitsToJSON(plan.LimitsFor(target))
	s.Features = FeaturesToJSON(plan.FeaturesFor(target))
	s.ClearScheduledDowngrade()
	s.UpdatedAt = now
}
