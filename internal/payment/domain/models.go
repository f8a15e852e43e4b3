// Package domain holds the payment ledger: one row per gateway invoice,
// mutated only by verification and refund.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// Metadata keys on the payment row.
const (
	MetaTargetPlan              = "targetPlan"
	MetaTargetBillingPeriod     = "targetBillingPeriod"
	MetaRequiresManualReview    = "requiresManualReview"
	MetaSubscriptionUpdateError = "subscriptionUpdateError"
	MetaFailureReason           = "failureReason"
)

// Payment links a gateway invoice to the plan change it pays for. Rows are
// never deleted. A SUCCEEDED payment always has PaidAt set.
type Payment struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       snowflake.ID      `gorm:"not null;index"`
	UserID         snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	ExternalID     string            `gorm:"type:text;not null;uniqueIndex"`
	Amount         int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	Status         PaymentStatus     `gorm:"type:text;not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	PaidAt         *time.Time        `gorm:""`
	RefundedAt     *time.Time        `gorm:""`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// TargetPlan reads the plan this payment purchases from metadata.
func (p *Payment) TargetPlan() (plan.Plan, error) {
	raw, _ := p.Metadata[MetaTargetPlan].(string)
	return plan.Parse(raw)
}

// TargetBillingPeriod reads the billing period from metadata.
func (p *Payment) TargetBillingPeriod() (plan.BillingPeriod, error) {
	raw, _ := p.Metadata[MetaTargetBillingPeriod].(string)
	return plan.ParsePeriod(raw)
}

// RequiresManualReview reports whether this payment is parked for an
// operator. Flagged payments are never auto-retried.
func (p *Payment) RequiresManualReview() bool {
	flagged, _ := p.Metadata[MetaRequiresManualReview].(bool)
	return flagged
}

func (p *Payment) setMeta(key string, value any) {
	if p.Metadata == nil {
		p.Metadata = datatypes.JSONMap{}
	}
	p.Metadata[key] = value
}

// FlagManualReview parks the payment for operator follow-up.
func (p *Payment) FlagManualReview(cause string) {
	p.setMeta(MetaRequiresManualReview, true)
	p.setMeta(MetaSubscriptionUpdateError, cause)
}

// ClearManualReview lifts the operator hold after a successful re-apply.
func (p *Payment) ClearManualReview() {
	if p.Metadata == nil {
		return
	}
	delete(p.Metadata, MetaRequiresManualReview)
	delete(p.Metadata, MetaSubscriptionUpdateError)
}

// SetFailureReason records why the gateway closed the invoice unpaid.
func (p *Payment) SetFailureReason(reason string) {
	p.setMeta(MetaFailureReason, reason)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Payment, error)
	FindByExternalIDForUpdate(ctx context.Context, db *gorm.DB, externalID string) (*Payment, error)
	// FindPendingIntent locates an open payment for the same plan change so
	// retried intent creation reuses the invoice instead of minting another.
	FindPendingIntent(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, target plan.Plan, period plan.BillingPeriod) (*Payment, error)
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
}

var (
	ErrNotFound                    = errors.New("payment_not_found")
	ErrInvalidPlanForPayment       = errors.New("free_plan_carries_no_payment")
	ErrDowngradeRequiresScheduling = errors.New("downgrade_requires_scheduling")
	ErrPriceMismatch               = errors.New("payment_amount_does_not_match_catalog_price")
	ErrInvalidTransition           = errors.New("invalid_payment_transition")
	ErrManualReviewRequired        = errors.New("payment_requires_manual_review")
)
