package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/audit"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/entitle/internal/subscription/repository"
	"github.com/smallbiznis/entitle/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Notifier audit.Notifier
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	notifier audit.Notifier
	repo     subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		notifier: p.Notifier,
		repo:     subscriptionrepo.Provide(),
	}
}

// Resolve returns the tenant's subscription, creating a free-tier row on
// first touch. A concurrent first touch loses the unique-index race and
// re-reads the winner's row.
func (s *Service) Resolve(ctx context.Context, req subscriptiondomain.ResolveRequest) (subscriptiondomain.Subscription, error) {
	if req.TenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}
	if req.UserID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidUser
	}

	existing, err := s.repo.FindByTenantID(ctx, s.db, req.TenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := s.clock.Now().UTC()
	fresh := s.newFreeSubscription(req.TenantID, req.UserID, now)
	if err := s.repo.Insert(ctx, s.db, &fresh); err != nil {
		if db.IsDuplicateKeyErr(err) {
			winner, findErr := s.repo.FindByTenantID(ctx, s.db, req.TenantID)
			if findErr != nil {
				return subscriptiondomain.Subscription{}, findErr
			}
			if winner != nil {
				return *winner, nil
			}
		}
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("provisioned free subscription",
		zap.Int64("tenant_id", int64(req.TenantID)),
		zap.Int64("subscription_id", int64(fresh.ID)),
	)
	s.notifier.SubscriptionProvisioned(ctx, fresh.TenantID, fresh.Plan)
	return fresh, nil
}

func (s *Service) newFreeSubscription(tenantID, userID snowflake.ID, now time.Time) subscriptiondomain.Subscription {
	return subscriptiondomain.Subscription{
		ID:            s.genID.Generate(),
		TenantID:      tenantID,
		UserID:        userID,
		Plan:          plan.Free,
		BillingPeriod: plan.Monthly,
		Status:        subscriptiondomain.SubscriptionStatusActive,
		Limits:        subscriptiondomain.LimitsToJSON(plan.LimitsFor(plan.Free)),
		Usage:         subscriptiondomain.ZeroUsage(),
		Features:      subscriptiondomain.FeaturesToJSON(plan.FeaturesFor(plan.Free)),
		Metadata:      map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *Service) GetByTenantID(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}
	subscription, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *subscription, nil
}

// Cancel marks the subscription cancelled. Entitlements stay live until the
// current period ends; the expiry sweep handles the rest.
func (s *Service) Cancel(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}

	var out subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscription.Status == subscriptiondomain.SubscriptionStatusCancelled {
			return subscriptiondomain.ErrAlreadyCancelled
		}

		now := s.clock.Now().UTC()
		subscription.Status = subscriptiondomain.SubscriptionStatusCancelled
		subscription.CancelledAt = &now
		subscription.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		out = *subscription
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.notifier.SubscriptionCancelled(ctx, out.TenantID, out.Plan)
	return out, nil
}

// ScheduleDowngrade records a deferred plan change effective at the next
// billing date. Re-scheduling overwrites any previously stored slot.
func (s *Service) ScheduleDowngrade(ctx context.Context, req subscriptiondomain.ScheduleDowngradeRequest) (subscriptiondomain.Subscription, error) {
	if req.TenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}
	if _, err := plan.Parse(string(req.TargetPlan)); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	var out subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByTenantIDForUpdate(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscriptiondomain.ClassifyChange(subscription.Plan, req.TargetPlan) != subscriptiondomain.TransitionDowngrade {
			return subscriptiondomain.ErrNotADowngrade
		}
		if subscription.NextBillingDate == nil {
			return subscriptiondomain.ErrNoBillingDate
		}

		subscription.SetScheduledDowngrade(subscriptiondomain.DowngradeSlot{
			TargetPlan:    req.TargetPlan,
			EffectiveDate: subscription.NextBillingDate.UTC(),
		})
		subscription.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		out = *subscription
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("scheduled downgrade",
		zap.Int64("tenant_id", int64(req.TenantID)),
		zap.String("target_plan", string(req.TargetPlan)),
	)
	return out, nil
}

// ExecuteScheduledDowngrade applies the stored slot once it is due. Returns
// true only when a downgrade was actually applied, so repeated sweeps over
// the same row are harmless.
func (s *Service) ExecuteScheduledDowngrade(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	applied := false
	var target plan.Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return nil
		}
		slot, ok := subscription.ScheduledDowngrade()
		if !ok {
			return nil
		}
		now := s.clock.Now().UTC()
		if slot.EffectiveDate.After(now) {
			return nil
		}

		subscriptiondomain.ApplyDowngrade(subscription, slot.TargetPlan, now)
		if err := s.repo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		applied = true
		target = slot.TargetPlan
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.notifier.PlanChanged(ctx, tenantID, target, string(subscriptiondomain.TransitionDowngrade))
	}
	return applied, nil
}

// ExpireIfLapsed ends a cancelled subscription once the period the tenant
// already paid for runs out. Entitlement checks key off EXPIRED status.
func (s *Service) ExpireIfLapsed(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if subscription == nil || subscription.Status != subscriptiondomain.SubscriptionStatusCancelled {
			return nil
		}
		now := s.clock.Now().UTC()
		if subscription.NextBillingDate != nil && subscription.NextBillingDate.After(now) {
			return nil
		}

		subscription.Status = subscriptiondomain.SubscriptionStatusExpired
		subscription.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.log.Info("subscription expired", zap.Int64("tenant_id", int64(tenantID)))
	}
	return expired, nil
}

// ResetUsageCounters zeroes the periodic counters and stamps the reset time
// so a rerun within the same period skips the row. Storage is cumulative and
// survives the reset.
func (s *Service) ResetUsageCounters(ctx context.Context, tenantID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		now := s.clock.Now().UTC()
		if subscription.Usage == nil {
			subscription.Usage = subscriptiondomain.ZeroUsage()
		}
		subscription.Usage[plan.ResourceAPICalls] = int64(0)
		subscription.Usage[plan.ResourceSMS] = int64(0)
		if subscription.Metadata == nil {
			subscription.Metadata = map[string]any{}
		}
		subscription.Metadata[subscriptiondomain.MetaLastUsageReset] = now.Format(time.RFC3339)
		subscription.UpdatedAt = now
		return s.repo.Update(ctx, tx, subscription)
	})
}
