package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitle/internal/audit"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/gateway"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/entitle/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type gatewayStub struct {
	mu       sync.Mutex
	invoices map[string]gateway.Invoice
	created  int
	getErr   error
	secret   string
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{
		invoices: map[string]gateway.Invoice{},
		secret:   "whsec_test",
	}
}

func (g *gatewayStub) CreateInvoice(ctx context.Context, req gateway.CreateInvoiceRequest) (gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	invoice := gateway.Invoice{
		ExternalID: fmt.Sprintf("inv_%d", g.created),
		HostedURL:  fmt.Sprintf("https://pay.example/inv_%d", g.created),
		Status:     gateway.InvoiceStatusPending,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Metadata:   req.Metadata,
	}
	g.invoices[invoice.ExternalID] = invoice
	return invoice, nil
}

func (g *gatewayStub) GetInvoice(ctx context.Context, externalID string) (gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return gateway.Invoice{}, g.getErr
	}
	invoice, ok := g.invoices[externalID]
	if !ok {
		return gateway.Invoice{}, gateway.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (g *gatewayStub) Refund(ctx context.Context, externalID string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	invoice, ok := g.invoices[externalID]
	if !ok {
		return gateway.ErrInvoiceNotFound
	}
	invoice.Status = gateway.InvoiceStatusRefunded
	g.invoices[externalID] = invoice
	return nil
}

func (g *gatewayStub) VerifySignature(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(payload)
	if !hmac.Equal([]byte(signature), []byte(hex.EncodeToString(mac.Sum(nil)))) {
		return gateway.ErrInvalidSignature
	}
	return nil
}

func (g *gatewayStub) markPaid(externalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	invoice := g.invoices[externalID]
	invoice.Status = gateway.InvoiceStatusPaid
	invoice.AmountPaid = invoice.Amount
	g.invoices[externalID] = invoice
}

func (g *gatewayStub) markExpired(externalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	invoice := g.invoices[externalID]
	invoice.Status = gateway.InvoiceStatusExpired
	g.invoices[externalID] = invoice
}

func (g *gatewayStub) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

type fixture struct {
	paySvc  paymentdomain.Service
	subSvc  subscriptiondomain.Service
	gateway *gatewayStub
	db      *gorm.DB
	clock   *clock.FakeClock
	node    *snowflake.Node
}

func setupPaymentService(t *testing.T) *fixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	if err := db.AutoMigrate(&subscriptiondomain.Subscription{}, &paymentdomain.Payment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	notifier := audit.NewNotifier(audit.NotifierParam{Log: zap.NewNop()})
	subSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Notifier: notifier,
	})
	stub := newGatewayStub()
	paySvc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   config.Config{Currency: "usd"},
		GenID:    node,
		Clock:    fake,
		Gateway:  stub,
		SubSvc:   subSvc,
		Notifier: notifier,
	})

	return &fixture{paySvc: paySvc, subSvc: subSvc, gateway: stub, db: db, clock: fake, node: node}
}

func (f *fixture) resolveTenant(t *testing.T) (snowflake.ID, snowflake.ID) {
	t.Helper()
	tenantID := f.node.Generate()
	userID := f.node.Generate()
	if _, err := f.subSvc.Resolve(context.Background(), subscriptiondomain.ResolveRequest{TenantID: tenantID, UserID: userID}); err != nil {
		t.Fatalf("resolve tenant: %v", err)
	}
	return tenantID, userID
}

func (f *fixture) loadPayment(t *testing.T, externalID string) paymentdomain.Payment {
	t.Helper()
	var payment paymentdomain.Payment
	if err := f.db.Where("external_id = ?", externalID).First(&payment).Error; err != nil {
		t.Fatalf("load payment %s: %v", externalID, err)
	}
	return payment
}

func (f *fixture) loadSubscription(t *testing.T, tenantID snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	if err := f.db.Where("tenant_id = ?", tenantID).First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return sub
}

func TestCreateIntentRejectsFreePlan(t *testing.T) {
	f := setupPaymentService(t)
	tenantID, userID := f.resolveTenant(t)

	_, err := f.paySvc.CreateIntent(context.Background(), paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Free,
		BillingPeriod: plan.Monthly,
	})
	if err != paymentdomain.ErrInvalidPlanForPayment {
		t.Errorf("err = %v, want ErrInvalidPlanForPayment", err)
	}
	if f.gateway.createdCount() != 0 {
		t.Error("gateway invoice created for free plan")
	}
}

func TestCreateIntentRejectsDowngrade(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	// Move the tenant to PROFESSIONAL first.
	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Professional,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)
	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	_, err = f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != paymentdomain.ErrDowngradeRequiresScheduling {
		t.Errorf("err = %v, want ErrDowngradeRequiresScheduling", err)
	}

	var count int64
	if err := f.db.Model(&paymentdomain.Payment{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if count != 1 {
		t.Errorf("payment rows = %d, want 1 (no row for the rejected downgrade)", count)
	}
}

func TestCreateIntentReusesPendingInvoice(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	req := paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	}
	first, err := f.paySvc.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("first intent: %v", err)
	}
	second, err := f.paySvc.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("second intent: %v", err)
	}
	if second.ExternalID != first.ExternalID {
		t.Errorf("second intent minted a new invoice: %s != %s", second.ExternalID, first.ExternalID)
	}
	if f.gateway.createdCount() != 1 {
		t.Errorf("gateway invoices created = %d, want 1", f.gateway.createdCount())
	}

	// A different period is a different intent and gets its own invoice.
	req.BillingPeriod = plan.Yearly
	third, err := f.paySvc.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("yearly intent: %v", err)
	}
	if third.ExternalID == first.ExternalID {
		t.Error("yearly intent reused the monthly invoice")
	}
}

func TestCreateIntentReplacesExpiredInvoice(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	req := paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	}
	first, err := f.paySvc.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("first intent: %v", err)
	}
	f.gateway.markExpired(first.ExternalID)

	second, err := f.paySvc.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("second intent: %v", err)
	}
	if second.ExternalID == first.ExternalID {
		t.Error("expired invoice was reused")
	}
	if got := f.loadPayment(t, first.ExternalID).Status; got != paymentdomain.PaymentStatusCancelled {
		t.Errorf("stale payment status = %s, want CANCELLED", got)
	}
}

func TestVerifyAppliesUpgradeExactlyOnce(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)

	for i := 0; i < 5; i++ {
		payment, err := f.paySvc.Verify(ctx, intent.ExternalID)
		if err != nil {
			t.Fatalf("verify #%d: %v", i, err)
		}
		if payment.Status != paymentdomain.PaymentStatusSucceeded {
			t.Fatalf("verify #%d: status = %s", i, payment.Status)
		}
		if payment.PaidAt == nil {
			t.Fatalf("verify #%d: paidAt not set", i)
		}
	}

	sub := f.loadSubscription(t, tenantID)
	if sub.Plan != plan.Starter {
		t.Errorf("plan = %s, want STARTER", sub.Plan)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Errorf("status = %s, want ACTIVE", sub.Status)
	}
	wantBilling := f.clock.Now().AddDate(0, 1, 0)
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(wantBilling) {
		t.Errorf("nextBillingDate = %v, want %v", sub.NextBillingDate, wantBilling)
	}
	if got := sub.LimitFor(plan.ResourceDevices); got != plan.LimitsFor(plan.Starter)[plan.ResourceDevices] {
		t.Errorf("devices limit = %d, want starter catalog value", got)
	}
}

func TestVerifyConcurrentCallsApplyOnce(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	// Establish a paid cycle first: a renewal double-applied by racing
	// verifies would show up as a double-extended billing date.
	upgrade, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Professional,
		BillingPeriod: plan.Yearly,
	})
	if err != nil {
		t.Fatalf("upgrade intent: %v", err)
	}
	f.gateway.markPaid(upgrade.ExternalID)
	if _, err := f.paySvc.Verify(ctx, upgrade.ExternalID); err != nil {
		t.Fatalf("verify upgrade: %v", err)
	}
	firstBilling := *f.loadSubscription(t, tenantID).NextBillingDate

	renewal, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Professional,
		BillingPeriod: plan.Yearly,
	})
	if err != nil {
		t.Fatalf("renewal intent: %v", err)
	}
	f.gateway.markPaid(renewal.ExternalID)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payment, err := f.paySvc.Verify(ctx, renewal.ExternalID)
			if err != nil {
				errs <- err
				return
			}
			if payment.Status != paymentdomain.PaymentStatusSucceeded {
				errs <- fmt.Errorf("status = %s, want SUCCEEDED", payment.Status)
				return
			}
			if payment.PaidAt == nil {
				errs <- fmt.Errorf("paidAt not set")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent verify: %v", err)
	}

	sub := f.loadSubscription(t, tenantID)
	wantBilling := firstBilling.AddDate(1, 0, 0)
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(wantBilling) {
		t.Errorf("nextBillingDate = %v, want %v (exactly one period added)", sub.NextBillingDate, wantBilling)
	}
	if sub.Plan != plan.Professional {
		t.Errorf("plan = %s, want PROFESSIONAL", sub.Plan)
	}
}

func TestVerifySubscriptionWriteFailureLeavesPaymentPending(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)

	// Make the subscription write fail the way a dropped connection would.
	if err := f.db.Exec(`CREATE TRIGGER subs_block BEFORE UPDATE ON subscriptions
		BEGIN SELECT RAISE(ABORT, 'write failed'); END`).Error; err != nil {
		t.Fatalf("install trigger: %v", err)
	}

	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err == nil {
		t.Fatal("verify succeeded despite the failed subscription write")
	}
	payment := f.loadPayment(t, intent.ExternalID)
	if payment.Status != paymentdomain.PaymentStatusPending {
		t.Errorf("status = %s, want PENDING (rolled back, retryable)", payment.Status)
	}
	if payment.RequiresManualReview() {
		t.Error("transient write failure parked for manual review")
	}
	if f.loadSubscription(t, tenantID).Plan != plan.Free {
		t.Error("subscription mutated despite the rollback")
	}

	// The failure clears; the next verify applies cleanly.
	if err := f.db.Exec(`DROP TRIGGER subs_block`).Error; err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != nil {
		t.Fatalf("retry verify: %v", err)
	}
	if f.loadSubscription(t, tenantID).Plan != plan.Starter {
		t.Error("subscription not upgraded on retry")
	}
}

func TestVerifyRenewalExtendsFromFutureBillingDate(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	// Upgrade to STARTER, then renew ten days into the cycle.
	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("upgrade intent: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)
	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != nil {
		t.Fatalf("verify upgrade: %v", err)
	}
	firstBilling := *f.loadSubscription(t, tenantID).NextBillingDate

	f.clock.Advance(10 * 24 * time.Hour)
	renewal, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("renewal intent: %v", err)
	}
	f.gateway.markPaid(renewal.ExternalID)
	if _, err := f.paySvc.Verify(ctx, renewal.ExternalID); err != nil {
		t.Fatalf("verify renewal: %v", err)
	}

	sub := f.loadSubscription(t, tenantID)
	wantBilling := firstBilling.AddDate(0, 1, 0)
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(wantBilling) {
		t.Errorf("nextBillingDate = %v, want %v (extended from the unexpired cycle)", sub.NextBillingDate, wantBilling)
	}
	if sub.Plan != plan.Starter {
		t.Errorf("plan = %s, want STARTER", sub.Plan)
	}
}

func TestVerifyRenewalOfLapsedCycleStartsFromNow(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("upgrade intent: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)
	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != nil {
		t.Fatalf("verify upgrade: %v", err)
	}

	// Let the cycle lapse by two months before renewing.
	f.clock.Advance(61 * 24 * time.Hour)
	renewal, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("renewal intent: %v", err)
	}
	f.gateway.markPaid(renewal.ExternalID)
	if _, err := f.paySvc.Verify(ctx, renewal.ExternalID); err != nil {
		t.Fatalf("verify renewal: %v", err)
	}

	sub := f.loadSubscription(t, tenantID)
	wantBilling := f.clock.Now().AddDate(0, 1, 0)
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(wantBilling) {
		t.Errorf("nextBillingDate = %v, want %v (measured from now, not the lapsed date)", sub.NextBillingDate, wantBilling)
	}
}

func TestVerifyPriceMismatchLeavesPaymentPending(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	// Corrupt the stored amount to simulate a tampered or stale price.
	if err := f.db.Exec(`UPDATE payments SET amount = ? WHERE external_id = ?`, 1, intent.ExternalID).Error; err != nil {
		t.Fatalf("corrupt amount: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)

	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != paymentdomain.ErrPriceMismatch {
		t.Errorf("err = %v, want ErrPriceMismatch", err)
	}

	payment := f.loadPayment(t, intent.ExternalID)
	if payment.Status != paymentdomain.PaymentStatusPending {
		t.Errorf("status = %s, want PENDING (left for manual inspection)", payment.Status)
	}
	sub := f.loadSubscription(t, tenantID)
	if sub.Plan != plan.Free {
		t.Errorf("plan = %s, subscription must not transition on a price mismatch", sub.Plan)
	}
}

func TestVerifyExpiredInvoiceCancelsPayment(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	f.gateway.markExpired(intent.ExternalID)

	payment, err := f.paySvc.Verify(ctx, intent.ExternalID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", payment.Status)
	}
	if reason, _ := payment.Metadata[paymentdomain.MetaFailureReason].(string); reason != "expired" {
		t.Errorf("failureReason = %q, want expired", reason)
	}
}

func TestVerifyPendingInvoiceLeavesPaymentUnchanged(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	payment, err := f.paySvc.Verify(ctx, intent.ExternalID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusPending {
		t.Errorf("status = %s, want PENDING", payment.Status)
	}
}

func TestVerifyGatewayUnavailableChangesNothing(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	f.gateway.getErr = gateway.ErrGatewayUnavailable

	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != gateway.ErrGatewayUnavailable {
		t.Errorf("err = %v, want ErrGatewayUnavailable", err)
	}
	if got := f.loadPayment(t, intent.ExternalID).Status; got != paymentdomain.PaymentStatusPending {
		t.Errorf("status = %s, want PENDING (no local state change)", got)
	}
}

func TestVerifyUnknownExternalID(t *testing.T) {
	f := setupPaymentService(t)
	if _, err := f.paySvc.Verify(context.Background(), "inv_nope"); err != paymentdomain.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRefundRequiresSucceededPayment(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if _, err := f.paySvc.Refund(ctx, intent.ExternalID); err != paymentdomain.ErrInvalidTransition {
		t.Errorf("refund of pending payment: err = %v, want ErrInvalidTransition", err)
	}

	f.gateway.markPaid(intent.ExternalID)
	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	refunded, err := f.paySvc.Refund(ctx, intent.ExternalID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != paymentdomain.PaymentStatusRefunded {
		t.Errorf("status = %s, want REFUNDED", refunded.Status)
	}
	if refunded.RefundedAt == nil {
		t.Error("refundedAt not set")
	}
}

func TestReapplyClearsManualReview(t *testing.T) {
	f := setupPaymentService(t)
	ctx := context.Background()
	tenantID, userID := f.resolveTenant(t)

	intent, err := f.paySvc.CreateIntent(ctx, paymentdomain.CreateIntentRequest{
		TenantID:      tenantID,
		UserID:        userID,
		TargetPlan:    plan.Starter,
		BillingPeriod: plan.Monthly,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	// Break the target plan so the apply routine fails after the charge.
	if err := f.db.Exec(
		`UPDATE payments SET metadata = ? WHERE external_id = ?`,
		`{"targetPlan":"BOGUS","targetBillingPeriod":"MONTHLY"}`,
		intent.ExternalID,
	).Error; err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}
	f.gateway.markPaid(intent.ExternalID)

	if _, err := f.paySvc.Verify(ctx, intent.ExternalID); err != paymentdomain.ErrManualReviewRequired {
		t.Fatalf("err = %v, want ErrManualReviewRequired", err)
	}
	parked := f.loadPayment(t, intent.ExternalID)
	if parked.Status != paymentdomain.PaymentStatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED (money is never lost)", parked.Status)
	}
	if !parked.RequiresManualReview() {
		t.Error("requiresManualReview not set")
	}
	if f.loadSubscription(t, tenantID).Plan != plan.Free {
		t.Error("subscription mutated despite the failed apply")
	}

	// Verify again: the idempotency gate must not re-run the apply.
	again, err := f.paySvc.Verify(ctx, intent.ExternalID)
	if err != nil {
		t.Fatalf("verify parked payment: %v", err)
	}
	if !again.RequiresManualReview() {
		t.Error("flags dropped by a repeat verify")
	}

	// Operator fixes the metadata and reapplies.
	if err := f.db.Exec(
		`UPDATE payments SET metadata = ? WHERE external_id = ?`,
		fmt.Sprintf(`{"targetPlan":"STARTER","targetBillingPeriod":"MONTHLY","%s":true,"%s":"unknown_plan"}`,
			paymentdomain.MetaRequiresManualReview, paymentdomain.MetaSubscriptionUpdateError),
		intent.ExternalID,
	).Error; err != nil {
		t.Fatalf("fix metadata: %v", err)
	}
	reapplied, err := f.paySvc.Reapply(ctx, intent.ExternalID)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if reapplied.RequiresManualReview() {
		t.Error("flags not cleared after reapply")
	}
	if f.loadSubscription(t, tenantID).Plan != plan.Starter {
		t.Error("subscription not upgraded by reapply")
	}

	// Reapply is operator-gated: a clean payment cannot be reapplied.
	if _, err := f.paySvc.Reapply(ctx, intent.ExternalID); err != paymentdomain.ErrInvalidTransition {
		t.Errorf("second reapply: err = %v, want ErrInvalidTransition", err)
	}
}
