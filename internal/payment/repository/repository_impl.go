package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/plan"
	"gorm.io/gorm"
)

const paymentColumns = `id, tenant_id, user_id, subscription_id, external_id, amount,
	 currency, status, metadata, paid_at, refunded_at, created_at, updated_at`

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, tenant_id, user_id, subscription_id, external_id, amount, currency,
			status, metadata, paid_at, refunded_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.TenantID,
		payment.UserID,
		payment.SubscriptionID,
		payment.ExternalID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.Metadata,
		payment.PaidAt,
		payment.RefundedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*paymentdomain.Payment, error) {
	return findOne(ctx, db, `external_id = ?`, false, externalID)
}

func (r *repo) FindByExternalIDForUpdate(ctx context.Context, db *gorm.DB, externalID string) (*paymentdomain.Payment, error) {
	return findOne(ctx, db, `external_id = ?`, true, externalID)
}

// FindPendingIntent matches on the metadata the intent was created with.
// Snowflake IDs keep insertion order, so the newest open invoice wins.
func (r *repo) FindPendingIntent(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, target plan.Plan, period plan.BillingPeriod) (*paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE tenant_id = ? AND status = ?
		 ORDER BY id DESC`,
		tenantID,
		paymentdomain.PaymentStatusPending,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	for i := range payments {
		candidate := &payments[i]
		gotPlan, planErr := candidate.TargetPlan()
		gotPeriod, periodErr := candidate.TargetBillingPeriod()
		if planErr != nil || periodErr != nil {
			continue
		}
		if gotPlan == target && gotPeriod == period {
			return candidate, nil
		}
	}
	return nil, nil
}

func findOne(ctx context.Context, db *gorm.DB, where string, forUpdate bool, args ...any) (*paymentdomain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + where + ` LIMIT 1`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var payment paymentdomain.Payment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&payment).Error; err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, metadata = ?, paid_at = ?, refunded_at = ?, updated_at = ?
		 WHERE id = ?`,
		payment.Status,
		payment.Metadata,
		payment.PaidAt,
		payment.RefundedAt,
		payment.UpdatedAt,
		payment.ID,
	).Error
}
