package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/audit"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/gateway"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/entitle/internal/payment/repository"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/entitle/internal/subscription/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	GenID    *snowflake.Node
	Clock    clock.Clock
	Gateway  gateway.Client
	SubSvc   subscriptiondomain.Service
	Notifier audit.Notifier
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	gateway  gateway.Client
	subSvc   subscriptiondomain.Service
	notifier audit.Notifier
	currency string

	payRepo paymentdomain.Repository
	subRepo subscriptiondomain.Repository
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("payment.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		gateway:  p.Gateway,
		subSvc:   p.SubSvc,
		notifier: p.Notifier,
		currency: p.Config.Currency,

		payRepo: paymentrepo.Provide(),
		subRepo: subscriptionrepo.Provide(),
		metrics: metrics.Default(),
	}
}

// CreateIntent opens a gateway invoice for an upgrade or renewal. The
// gateway call happens before any row lock is taken.
func (s *Service) CreateIntent(ctx context.Context, req paymentdomain.CreateIntentRequest) (paymentdomain.IntentResponse, error) {
	target, err := plan.Parse(string(req.TargetPlan))
	if err != nil {
		return paymentdomain.IntentResponse{}, err
	}
	period, err := plan.ParsePeriod(string(req.BillingPeriod))
	if err != nil {
		return paymentdomain.IntentResponse{}, err
	}
	if target == plan.Free {
		return paymentdomain.IntentResponse{}, paymentdomain.ErrInvalidPlanForPayment
	}

	subscription, err := s.subSvc.Resolve(ctx, subscriptiondomain.ResolveRequest{
		TenantID: req.TenantID,
		UserID:   req.UserID,
	})
	if err != nil {
		return paymentdomain.IntentResponse{}, err
	}
	if subscriptiondomain.ClassifyChange(subscription.Plan, target) == subscriptiondomain.TransitionDowngrade {
		return paymentdomain.IntentResponse{}, paymentdomain.ErrDowngradeRequiresScheduling
	}

	if resp, reused, err := s.reusePendingIntent(ctx, req.TenantID, target, period); err != nil {
		return paymentdomain.IntentResponse{}, err
	} else if reused {
		return resp, nil
	}

	price := plan.PriceFor(target, period)
	invoice, err := s.gateway.CreateInvoice(ctx, gateway.CreateInvoiceRequest{
		Amount:   price,
		Currency: s.currency,
		Metadata: map[string]string{
			"tenantId":            req.TenantID.String(),
			"targetPlan":          string(target),
			"targetBillingPeriod": string(period),
		},
	})
	if err != nil {
		return paymentdomain.IntentResponse{}, err
	}

	now := s.clock.Now().UTC()
	payment := paymentdomain.Payment{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		SubscriptionID: subscription.ID,
		ExternalID:     invoice.ExternalID,
		Amount:         price,
		Currency:       s.currency,
		Status:         paymentdomain.PaymentStatusPending,
		Metadata: datatypes.JSONMap{
			paymentdomain.MetaTargetPlan:          string(target),
			paymentdomain.MetaTargetBillingPeriod: string(period),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.payRepo.Insert(ctx, s.db, &payment); err != nil {
		return paymentdomain.IntentResponse{}, err
	}

	s.log.Info("payment intent created",
		zap.Int64("tenant_id", int64(req.TenantID)),
		zap.String("external_id", invoice.ExternalID),
		zap.String("target_plan", string(target)),
		zap.Int64("amount", price),
	)
	return paymentdomain.IntentResponse{
		PaymentID:  payment.ID,
		ExternalID: payment.ExternalID,
		HostedURL:  invoice.HostedURL,
		Status:     payment.Status,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
	}, nil
}

// reusePendingIntent returns an open invoice for the same plan change after
// refreshing its live status. A paid invoice is verified on the spot; a
// closed one is marked cancelled so the caller gets a fresh invoice.
func (s *Service) reusePendingIntent(ctx context.Context, tenantID snowflake.ID, target plan.Plan, period plan.BillingPeriod) (paymentdomain.IntentResponse, bool, error) {
	pending, err := s.payRepo.FindPendingIntent(ctx, s.db, tenantID, target, period)
	if err != nil {
		return paymentdomain.IntentResponse{}, false, err
	}
	if pending == nil {
		return paymentdomain.IntentResponse{}, false, nil
	}

	invoice, err := s.gateway.GetInvoice(ctx, pending.ExternalID)
	if err == gateway.ErrGatewayUnavailable {
		// Cannot refresh; hand back the open invoice unchanged.
		return intentResponse(pending, ""), true, nil
	}
	if err != nil {
		return paymentdomain.IntentResponse{}, false, err
	}

	switch invoice.Status {
	case gateway.InvoiceStatusPending:
		return intentResponse(pending, invoice.HostedURL), true, nil
	case gateway.InvoiceStatusPaid:
		verified, err := s.Verify(ctx, pending.ExternalID)
		if err != nil {
			return paymentdomain.IntentResponse{}, false, err
		}
		return intentResponse(&verified, invoice.HostedURL), true, nil
	default:
		now := s.clock.Now().UTC()
		pending.Status = paymentdomain.PaymentStatusCancelled
		pending.SetFailureReason(string(invoice.Status))
		pending.UpdatedAt = now
		if err := s.payRepo.Update(ctx, s.db, pending); err != nil {
			return paymentdomain.IntentResponse{}, false, err
		}
		return paymentdomain.IntentResponse{}, false, nil
	}
}

func intentResponse(payment *paymentdomain.Payment, hostedURL string) paymentdomain.IntentResponse {
	return paymentdomain.IntentResponse{
		PaymentID:  payment.ID,
		ExternalID: payment.ExternalID,
		HostedURL:  hostedURL,
		Status:     payment.Status,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
	}
}

// Verify reconciles a payment against the gateway. Safe to call any number
// of times, concurrently or sequentially, for the same externalID.
func (s *Service) Verify(ctx context.Context, externalID string) (paymentdomain.Payment, error) {
	payment, err := s.payRepo.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrNotFound
	}

	// Idempotency gate: an applied payment is never re-applied.
	if payment.Status == paymentdomain.PaymentStatusSucceeded && payment.PaidAt != nil {
		s.metrics.ObserveVerification("already_applied")
		return *payment, nil
	}

	invoice, err := s.gateway.GetInvoice(ctx, externalID)
	if err != nil {
		s.metrics.ObserveVerification("gateway_error")
		return paymentdomain.Payment{}, err
	}

	switch invoice.Status {
	case gateway.InvoiceStatusPaid:
		return s.applyPaid(ctx, externalID, invoice)
	case gateway.InvoiceStatusExpired, gateway.InvoiceStatusCancelled:
		now := s.clock.Now().UTC()
		payment.Status = paymentdomain.PaymentStatusCancelled
		payment.SetFailureReason(string(invoice.Status))
		payment.UpdatedAt = now
		if err := s.payRepo.Update(ctx, s.db, payment); err != nil {
			return paymentdomain.Payment{}, err
		}
		s.metrics.ObserveVerification("cancelled")
		return *payment, nil
	default:
		s.metrics.ObserveVerification("still_pending")
		return *payment, nil
	}
}

// subscriptionApplyError marks a permanent failure in the entitlement update
// after the charge itself is known good: unreadable target metadata, a
// missing subscription. It routes to the manual-review fallback instead of a
// plain rollback. Transient write failures are not wrapped; they roll the
// transaction back so the payment stays PENDING and a later verify retries.
type subscriptionApplyError struct {
	cause error
}

func (e subscriptionApplyError) Error() string { return e.cause.Error() }
func (e subscriptionApplyError) Unwrap() error { return e.cause }

// applyPaid commits the payment status and the subscription mutation as one
// transaction, serialized per tenant by the subscription row lock. The lock
// is never held across a gateway call.
func (s *Service) applyPaid(ctx context.Context, externalID string, invoice gateway.Invoice) (paymentdomain.Payment, error) {
	var (
		out            paymentdomain.Payment
		transition     subscriptiondomain.TransitionKind
		flagged        bool
		alreadyApplied bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.payRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrNotFound
		}

		subscription, err := s.subRepo.FindByTenantIDForUpdate(ctx, tx, payment.TenantID)
		if err != nil {
			return err
		}

		// Double-checked idempotency: a concurrent verify may have applied
		// this payment between the unlocked gate and here.
		if payment.Status == paymentdomain.PaymentStatusSucceeded {
			out = *payment
			alreadyApplied = true
			return nil
		}

		target, err := payment.TargetPlan()
		if err != nil {
			return subscriptionApplyError{cause: err}
		}
		period, err := payment.TargetBillingPeriod()
		if err != nil {
			return subscriptionApplyError{cause: err}
		}

		if payment.Amount != plan.PriceFor(target, period) {
			return paymentdomain.ErrPriceMismatch
		}

		now := s.clock.Now().UTC()
		payment.Status = paymentdomain.PaymentStatusSucceeded
		payment.PaidAt = &now
		payment.UpdatedAt = now

		if subscription == nil {
			return subscriptionApplyError{cause: subscriptiondomain.ErrSubscriptionNotFound}
		}

		// Classification is re-derived at lock time: the plan captured at
		// intent creation may be stale by now.
		transition = subscriptiondomain.ClassifyChange(subscription.Plan, target)
		switch transition {
		case subscriptiondomain.TransitionUpgrade:
			subscriptiondomain.ApplyUpgrade(subscription, target, period, now)
		case subscriptiondomain.TransitionRenewal:
			subscriptiondomain.ApplyRenewal(subscription, period, now)
		case subscriptiondomain.TransitionDowngrade:
			// Unreachable through intent creation. Renew the current plan
			// and park the payment for an operator instead of downgrading.
			subscriptiondomain.ApplyRenewal(subscription, subscription.BillingPeriod, now)
			payment.FlagManualReview("downgrade_via_payment")
			flagged = true
		}

		// A failed write here is presumed transient: roll back so the
		// payment stays PENDING and the next verify retries the apply.
		if err := s.subRepo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.payRepo.Update(ctx, tx, payment); err != nil {
			return err
		}
		out = *payment
		return nil
	})

	if err != nil {
		if applyErr, ok := err.(subscriptionApplyError); ok {
			return s.parkForManualReview(ctx, externalID, applyErr.cause)
		}
		if err == paymentdomain.ErrPriceMismatch {
			s.metrics.ObserveVerification("price_mismatch")
			s.log.Error("payment amount disagrees with catalog price",
				zap.String("external_id", externalID),
				zap.Int64("amount", invoice.AmountPaid),
			)
		}
		return paymentdomain.Payment{}, err
	}

	if alreadyApplied {
		s.metrics.ObserveVerification("already_applied")
		return out, nil
	}

	s.metrics.ObserveVerification("applied")
	s.notifier.PaymentSucceeded(ctx, out.TenantID, out.ExternalID, out.Amount)
	if flagged {
		s.metrics.ObserveManualReview()
		s.notifier.PaymentFlagged(ctx, out.TenantID, out.ExternalID, "downgrade_via_payment")
		return out, nil
	}
	s.notifier.PlanChanged(ctx, out.TenantID, mustTargetPlan(&out), string(transition))
	return out, nil
}

func mustTargetPlan(payment *paymentdomain.Payment) plan.Plan {
	target, err := payment.TargetPlan()
	if err != nil {
		return ""
	}
	return target
}

// parkForManualReview persists the charge as SUCCEEDED with review flags in
// its own transaction. The money is real even though the entitlement update
// failed; losing that fact is the one unacceptable outcome.
func (s *Service) parkForManualReview(ctx context.Context, externalID string, cause error) (paymentdomain.Payment, error) {
	var out paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.payRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrNotFound
		}
		if payment.Status == paymentdomain.PaymentStatusSucceeded && !payment.RequiresManualReview() {
			out = *payment
			return nil
		}

		now := s.clock.Now().UTC()
		payment.Status = paymentdomain.PaymentStatusSucceeded
		if payment.PaidAt == nil {
			payment.PaidAt = &now
		}
		payment.FlagManualReview(cause.Error())
		payment.UpdatedAt = now
		if err := s.payRepo.Update(ctx, tx, payment); err != nil {
			return err
		}
		out = *payment
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.metrics.ObserveVerification("manual_review")
	s.metrics.ObserveManualReview()
	s.log.Error("entitlement update failed for a settled payment",
		zap.String("external_id", externalID),
		zap.Error(cause),
	)
	s.notifier.PaymentFlagged(ctx, out.TenantID, out.ExternalID, cause.Error())
	return out, paymentdomain.ErrManualReviewRequired
}

// Refund reverses a settled payment at the gateway. Entitlements are not
// rolled back here; operators schedule a downgrade separately if needed.
func (s *Service) Refund(ctx context.Context, externalID string) (paymentdomain.Payment, error) {
	payment, err := s.payRepo.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrNotFound
	}
	if payment.Status != paymentdomain.PaymentStatusSucceeded {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidTransition
	}

	if err := s.gateway.Refund(ctx, externalID, payment.Amount); err != nil {
		return paymentdomain.Payment{}, err
	}

	now := s.clock.Now().UTC()
	payment.Status = paymentdomain.PaymentStatusRefunded
	payment.RefundedAt = &now
	payment.UpdatedAt = now
	if err := s.payRepo.Update(ctx, s.db, payment); err != nil {
		return paymentdomain.Payment{}, err
	}

	s.notifier.PaymentRefunded(ctx, payment.TenantID, payment.ExternalID)
	return *payment, nil
}

// Reapply re-runs the entitlement update for a payment parked in manual
// review. The payment stays SUCCEEDED throughout; only the flags clear.
func (s *Service) Reapply(ctx context.Context, externalID string) (paymentdomain.Payment, error) {
	var (
		out        paymentdomain.Payment
		transition subscriptiondomain.TransitionKind
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.payRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrNotFound
		}
		if payment.Status != paymentdomain.PaymentStatusSucceeded || !payment.RequiresManualReview() {
			return paymentdomain.ErrInvalidTransition
		}

		subscription, err := s.subRepo.FindByTenantIDForUpdate(ctx, tx, payment.TenantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		target, err := payment.TargetPlan()
		if err != nil {
			return err
		}
		period, err := payment.TargetBillingPeriod()
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		transition = subscriptiondomain.ClassifyChange(subscription.Plan, target)
		switch transition {
		case subscriptiondomain.TransitionUpgrade:
			subscriptiondomain.ApplyUpgrade(subscription, target, period, now)
		case subscriptiondomain.TransitionRenewal:
			subscriptiondomain.ApplyRenewal(subscription, period, now)
		default:
			return fmt.Errorf("reapply would downgrade tenant %d to %s", payment.TenantID, target)
		}
		if err := s.subRepo.Update(ctx, tx, subscription); err != nil {
			return err
		}

		payment.ClearManualReview()
		payment.UpdatedAt = now
		if err := s.payRepo.Update(ctx, tx, payment); err != nil {
			return err
		}
		out = *payment
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.notifier.PlanChanged(ctx, out.TenantID, mustTargetPlan(&out), string(transition))
	return out, nil
}
