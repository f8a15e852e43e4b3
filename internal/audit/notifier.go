// Package audit emits post-commit billing notifications. Delivery is
// fire-and-forget: a lost notification never rolls back a transition.
package audit

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/plan"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Notifier interface {
	SubscriptionProvisioned(ctx context.Context, tenantID snowflake.ID, p plan.Plan)
	SubscriptionCancelled(ctx context.Context, tenantID snowflake.ID, p plan.Plan)
	PlanChanged(ctx context.Context, tenantID snowflake.ID, target plan.Plan, kind string)
	PaymentSucceeded(ctx context.Context, tenantID snowflake.ID, externalID string, amount int64)
	PaymentFlagged(ctx context.Context, tenantID snowflake.ID, externalID string, reason string)
	PaymentRefunded(ctx context.Context, tenantID snowflake.ID, externalID string)
}

type NotifierParam struct {
	fx.In

	Log *zap.Logger
}

type logNotifier struct {
	log *zap.Logger
}

func NewNotifier(p NotifierParam) Notifier {
	return &logNotifier{log: p.Log.Named("audit.notifier")}
}

func (n *logNotifier) SubscriptionProvisioned(ctx context.Context, tenantID snowflake.ID, p plan.Plan) {
	n.log.Info("subscription provisioned",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("plan", string(p)),
	)
}

func (n *logNotifier) SubscriptionCancelled(ctx context.Context, tenantID snowflake.ID, p plan.Plan) {
	n.log.Info("subscription cancelled",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("plan", string(p)),
	)
}

func (n *logNotifier) PlanChanged(ctx context.Context, tenantID snowflake.ID, target plan.Plan, kind string) {
	n.log.Info("plan changed",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("target_plan", string(target)),
		zap.String("kind", kind),
	)
}

func (n *logNotifier) PaymentSucceeded(ctx context.Context, tenantID snowflake.ID, externalID string, amount int64) {
	n.log.Info("payment succeeded",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("external_id", externalID),
		zap.Int64("amount", amount),
	)
}

func (n *logNotifier) PaymentFlagged(ctx context.Context, tenantID snowflake.ID, externalID string, reason string) {
	n.log.Warn("payment flagged for manual review",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("external_id", externalID),
		zap.String("reason", reason),
	)
}

func (n *logNotifier) PaymentRefunded(ctx context.Context, tenantID snowflake.ID, externalID string) {
	n.log.Info("payment refunded",
		zap.Int64("tenant_id", int64(tenantID)),
		zap.String("external_id", externalID),
	)
}

var Module = fx.Module("audit.notifier",
	fx.Provide(NewNotifier),
)
