package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/entitle/internal/gateway"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// webhookEvent is the gateway's event envelope.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type WebhookParam struct {
	fx.In

	Log     *zap.Logger
	Gateway gateway.Client
	PaySvc  paymentdomain.Service
}

type Webhook struct {
	log     *zap.Logger
	gateway gateway.Client
	paySvc  paymentdomain.Service
	metrics *metrics.Metrics
}

func NewWebhook(p WebhookParam) paymentdomain.WebhookService {
	return &Webhook{
		log:     p.Log.Named("payment.webhook"),
		gateway: p.Gateway,
		paySvc:  p.PaySvc,
		metrics: metrics.Default(),
	}
}

// Process verifies the signature and dispatches payment events to Verify.
// Delivery is at-least-once and out of order; Verify's idempotency gate
// makes replays free. Processing failures are logged, never propagated, so
// the gateway does not retry a permanently failing event forever.
func (w *Webhook) Process(ctx context.Context, payload []byte, signature string) error {
	if err := w.gateway.VerifySignature(payload, signature); err != nil {
		w.metrics.ObserveWebhookEvent("unknown", "bad_signature")
		return err
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		w.metrics.ObserveWebhookEvent("unknown", "bad_payload")
		w.log.Warn("undecodable webhook payload", zap.Error(err))
		return nil
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case "invoice_paid", "payment_paid":
		externalID := strings.TrimSpace(event.Data.ID)
		if externalID == "" {
			w.metrics.ObserveWebhookEvent(eventType, "missing_id")
			w.log.Warn("webhook event without an invoice id", zap.String("type", eventType))
			return nil
		}
		if _, err := w.paySvc.Verify(ctx, externalID); err != nil {
			w.metrics.ObserveWebhookEvent(eventType, "verify_failed")
			w.log.Error("webhook-triggered verification failed",
				zap.String("type", eventType),
				zap.String("external_id", externalID),
				zap.Error(err),
			)
			return nil
		}
		w.metrics.ObserveWebhookEvent(eventType, "processed")
	default:
		w.metrics.ObserveWebhookEvent(eventType, "ignored")
	}
	return nil
}
