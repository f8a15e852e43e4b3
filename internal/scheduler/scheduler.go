// Package scheduler runs the periodic entitlement sweeps: monthly usage
// resets, due downgrades, and expiry of cancelled subscriptions. Every row
// is independent, so jobs work in per-row transactions with no global lock.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/entitle/internal/subscription/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_missing_dependency")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	SubSvc subscriptiondomain.Service
	Clock  clock.Clock
	Config Config `optional:"true"`
}

type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	subSvc  subscriptiondomain.Service
	subRepo subscriptiondomain.Repository
	clock   clock.Clock
	metrics *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.SubSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler"),
		cfg:     p.Config.withDefaults(),
		subSvc:  p.SubSvc,
		subRepo: subscriptionrepo.Provide(),
		clock:   p.Clock,
		metrics: metrics.Default(),
	}, nil
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(ctx, "reset_usage", s.ResetUsageJob))
	err = errors.Join(err, s.runJob(ctx, "execute_downgrades", s.ExecuteDowngradesJob))
	err = errors.Join(err, s.runJob(ctx, "expire_cancelled", s.ExpireCancelledJob))
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.Error("scheduler job failed", zap.String("job", name), zap.Error(err))
	}
	s.metrics.ObserveSchedulerRun(name, outcome, time.Since(start))
	return err
}

// ResetUsageJob zeroes periodic counters for every active subscription whose
// last reset falls in an earlier calendar month.
func (s *Scheduler) ResetUsageJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	return s.sweep(ctx, subscriptiondomain.SubscriptionStatusActive, func(sub subscriptiondomain.Subscription) error {
		if !resetDue(&sub, now) {
			return nil
		}
		if err := s.subSvc.ResetUsageCounters(ctx, sub.TenantID); err != nil {
			return err
		}
		s.log.Info("usage counters reset", zap.Int64("tenant_id", int64(sub.TenantID)))
		return nil
	})
}

func resetDue(sub *subscriptiondomain.Subscription, now time.Time) bool {
	last := sub.CreatedAt
	if raw, ok := sub.Metadata[subscriptiondomain.MetaLastUsageReset].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			last = parsed
		}
	}
	return last.UTC().Year() != now.Year() || last.UTC().Month() != now.Month()
}

// ExecuteDowngradesJob applies every due scheduledDowngrade slot. The
// service call is idempotent per row, so overlapping runs are safe.
func (s *Scheduler) ExecuteDowngradesJob(ctx context.Context) error {
	return s.sweep(ctx, subscriptiondomain.SubscriptionStatusActive, func(sub subscriptiondomain.Subscription) error {
		if _, ok := sub.ScheduledDowngrade(); !ok {
			return nil
		}
		applied, err := s.subSvc.ExecuteScheduledDowngrade(ctx, sub.TenantID)
		if err != nil {
			return err
		}
		if applied {
			s.log.Info("scheduled downgrade applied", zap.Int64("tenant_id", int64(sub.TenantID)))
		}
		return nil
	})
}

// ExpireCancelledJob ends cancelled subscriptions whose paid period ran out.
func (s *Scheduler) ExpireCancelledJob(ctx context.Context) error {
	return s.sweep(ctx, subscriptiondomain.SubscriptionStatusCancelled, func(sub subscriptiondomain.Subscription) error {
		_, err := s.subSvc.ExpireIfLapsed(ctx, sub.TenantID)
		return err
	})
}

// sweep pages through subscriptions by status, keyset-paginated on the
// snowflake primary key. Row errors are collected, not fatal to the sweep.
func (s *Scheduler) sweep(ctx context.Context, status subscriptiondomain.SubscriptionStatus, fn func(subscriptiondomain.Subscription) error) error {
	var (
		afterID snowflake.ID
		errs    error
	)
	for {
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}
		batch, err := s.subRepo.ListByStatus(ctx, s.db, status, s.cfg.BatchSize, afterID)
		if err != nil {
			return errors.Join(errs, err)
		}
		if len(batch) == 0 {
			return errs
		}
		for _, sub := range batch {
			if err := fn(sub); err != nil {
				errs = errors.Join(errs, err)
			}
		}
		afterID = batch[len(batch)-1].ID
	}
}
