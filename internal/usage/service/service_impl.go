package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/entitle/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/entitle/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Counted resources reflect rows that exist right now; counter resources
// accumulate on the subscription and reset each billing period.
var countedTables = map[string]string{
	plan.ResourceDevices:   "devices",
	plan.ResourceUsers:     "tenant_users",
	plan.ResourceCustomers: "customers",
}

var counterResources = map[string]bool{
	plan.ResourceAPICalls: true,
	plan.ResourceStorage:  true,
	plan.ResourceSMS:      true,
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	SubSvc subscriptiondomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	subSvc  subscriptiondomain.Service
	subRepo subscriptiondomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		subSvc:  p.SubSvc,
		subRepo: subscriptionrepo.Provide(),
	}
}

func (s *Service) GetTenantUsage(ctx context.Context, tenantID snowflake.ID) (usagedomain.TenantUsage, error) {
	subscription, err := s.subSvc.GetByTenantID(ctx, tenantID)
	if err != nil {
		return usagedomain.TenantUsage{}, err
	}

	resources := make(map[string]usagedomain.ResourceUsage, len(countedTables)+len(counterResources))
	for resource, table := range countedTables {
		used, err := s.countRows(ctx, table, tenantID)
		if err != nil {
			return usagedomain.TenantUsage{}, err
		}
		resources[resource] = withRemaining(used, subscription.LimitFor(resource))
	}
	for resource := range counterResources {
		resources[resource] = withRemaining(subscription.UsageFor(resource), subscription.LimitFor(resource))
	}

	return usagedomain.TenantUsage{
		TenantID:  tenantID,
		Plan:      subscription.Plan,
		Resources: resources,
	}, nil
}

func withRemaining(used, limit int64) usagedomain.ResourceUsage {
	remaining := plan.Unlimited
	if !plan.IsUnlimited(limit) {
		remaining = limit - used
		if remaining < 0 {
			remaining = 0
		}
	}
	return usagedomain.ResourceUsage{Used: used, Limit: limit, Remaining: remaining}
}

func (s *Service) countRows(ctx context.Context, table string, tenantID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT COUNT(1) FROM `+table+` WHERE tenant_id = ?`, tenantID).
		Scan(&count).Error
	return count, err
}

// CanPerform is a plain read; it never blocks behind a transition holding
// the row lock. Callers tolerate the small race this allows.
func (s *Service) CanPerform(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) (bool, error) {
	if delta <= 0 {
		return false, usagedomain.ErrInvalidDelta
	}

	subscription, err := s.subSvc.GetByTenantID(ctx, tenantID)
	if err != nil {
		return false, err
	}
	limit := subscription.LimitFor(resource)
	if plan.IsUnlimited(limit) {
		return true, nil
	}

	var used int64
	switch {
	case countedTables[resource] != "":
		used, err = s.countRows(ctx, countedTables[resource], tenantID)
		if err != nil {
			return false, err
		}
	case counterResources[resource]:
		used = subscription.UsageFor(resource)
	default:
		return false, usagedomain.ErrUnknownResource
	}
	return used+delta <= limit, nil
}

func (s *Service) Increment(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) error {
	if delta <= 0 {
		return usagedomain.ErrInvalidDelta
	}
	return s.adjust(ctx, tenantID, resource, delta)
}

// Decrement saturates at zero so replayed or duplicate releases never drive
// a counter negative.
func (s *Service) Decrement(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) error {
	if delta <= 0 {
		return usagedomain.ErrInvalidDelta
	}
	return s.adjust(ctx, tenantID, resource, -delta)
}

func (s *Service) adjust(ctx context.Context, tenantID snowflake.ID, resource string, delta int64) error {
	if !counterResources[resource] {
		return usagedomain.ErrUnknownResource
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.subRepo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		next := subscription.UsageFor(resource) + delta
		if next < 0 {
			next = 0
		}
		if subscription.Usage == nil {
			subscription.Usage = map[string]any{}
		}
		subscription.Usage[resource] = next
		return s.subRepo.UpdateUsage(ctx, tx, subscription)
	})
}
