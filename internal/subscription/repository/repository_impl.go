package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, user_id, plan, billing_period, status, limits,
	 usage_counters, features, metadata, next_billing_date, trial_ends_at, cancelled_at,
	 created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, user_id, plan, billing_period, status, limits, usage_counters,
			features, metadata, next_billing_date, trial_ends_at, cancelled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.UserID,
		subscription.Plan,
		subscription.BillingPeriod,
		subscription.Status,
		subscription.Limits,
		subscription.Usage,
		subscription.Features,
		subscription.Metadata,
		subscription.NextBillingDate,
		subscription.TrialEndsAt,
		subscription.CancelledAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return findOne(ctx, db, `id = ?`, false, id)
}

func (r *repo) FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return findOne(ctx, db, `tenant_id = ?`, false, tenantID)
}

// FindByTenantIDForUpdate takes a row-level write lock so concurrent paid
// transitions for the same tenant serialize. sqlite has no FOR UPDATE; its
// writers are already exclusive.
func (r *repo) FindByTenantIDForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return findOne(ctx, db, `tenant_id = ?`, true, tenantID)
}

func findOne(ctx context.Context, db *gorm.DB, where string, forUpdate bool, args ...any) (*subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` LIMIT 1`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var subscription subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status subscriptiondomain.SubscriptionStatus, limit int, afterID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		status,
		afterID,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan = ?, billing_period = ?, status = ?, limits = ?, usage_counters = ?,
		     features = ?, metadata = ?, next_billing_date = ?, trial_ends_at = ?,
		     cancelled_at = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Plan,
		subscription.BillingPeriod,
		subscription.Status,
		subscription.Limits,
		subscription.Usage,
		subscription.Features,
		subscription.Metadata,
		subscription.NextBillingDate,
		subscription.TrialEndsAt,
		subscription.CancelledAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

// UpdateUsage touches only the counter column so usage writes never contend
// with entitlement fields updated by the transition path.
func (r *repo) UpdateUsage(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET usage_counters = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Usage,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}
