package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
)

type CreateIntentRequest struct {
	TenantID      snowflake.ID
	UserID        snowflake.ID
	TargetPlan    plan.Plan
	BillingPeriod plan.BillingPeriod
}

// IntentResponse carries what the caller needs to send the payer to the
// gateway's hosted page.
type IntentResponse struct {
	PaymentID  snowflake.ID  `json:"payment_id"`
	ExternalID string        `json:"external_id"`
	HostedURL  string        `json:"hosted_url"`
	Status     PaymentStatus `json:"status"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
}

type Service interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (IntentResponse, error)
	// Verify reconciles the payment against the gateway's view of the
	// invoice. Safe to call any number of times for the same externalID.
	Verify(ctx context.Context, externalID string) (Payment, error)
	Refund(ctx context.Context, externalID string) (Payment, error)
	// Reapply re-runs the entitlement update for a payment parked in
	// manual review. Operator action only.
	Reapply(ctx context.Context, externalID string) (Payment, error)
}

// WebhookService ingests gateway events. Processing failures are logged and
// swallowed so the gateway never retries a permanently failing event.
type WebhookService interface {
	Process(ctx context.Context, payload []byte, signature string) error
}
