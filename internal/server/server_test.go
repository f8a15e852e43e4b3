package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitle/internal/audit"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/gateway"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	paymentservice "github.com/smallbiznis/entitle/internal/payment/service"
	"github.com/smallbiznis/entitle/internal/plan"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/entitle/internal/subscription/service"
	usageservice "github.com/smallbiznis/entitle/internal/usage/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	server *Server
	node   *snowflake.Node
	db     *gorm.DB
}

func setupServer(t *testing.T) *testEnv {
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
	if err := db.AutoMigrate(&subscriptiondomain.Subscription{}, &paymentdomain.Payment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"devices", "tenant_users", "customers"} {
		if err := db.Exec(`CREATE TABLE ` + table + ` (id BIGINT PRIMARY KEY, tenant_id BIGINT NOT NULL)`).Error; err != nil {
			t.Fatalf("create %s: %v", table, err)
		}
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
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		SubSvc: subSvc,
	})
	gw := &alwaysPendingGateway{}
	paySvc := paymentservice.NewService(paymentservice.ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   config.Config{Currency: "usd"},
		GenID:    node,
		Clock:    fake,
		Gateway:  gw,
		SubSvc:   subSvc,
		Notifier: notifier,
	})
	webhookSvc := paymentservice.NewWebhook(paymentservice.WebhookParam{
		Log:     zap.NewNop(),
		Gateway: gw,
		PaySvc:  paySvc,
	})

	server := NewServer(ServerParams{
		Config:     config.Config{Environment: "test", HTTPAddr: ":0"},
		Log:        zap.NewNop(),
		GenID:      node,
		SubSvc:     subSvc,
		UsageSvc:   usageSvc,
		PaySvc:     paySvc,
		WebhookSvc: webhookSvc,
	})
	return &testEnv{server: server, node: node, db: db}
}

type alwaysPendingGateway struct{ created int }

func (g *alwaysPendingGateway) CreateInvoice(ctx context.Context, req gateway.CreateInvoiceRequest) (gateway.Invoice, error) {
	g.created++
	return gateway.Invoice{
		ExternalID: fmt.Sprintf("inv_%d", g.created),
		HostedURL:  "https://pay.example/checkout",
		Status:     gateway.InvoiceStatusPending,
		Amount:     req.Amount,
		Currency:   req.Currency,
	}, nil
}

func (g *alwaysPendingGateway) GetInvoice(ctx context.Context, externalID string) (gateway.Invoice, error) {
	return gateway.Invoice{ExternalID: externalID, Status: gateway.InvoiceStatusPending}, nil
}

func (g *alwaysPendingGateway) Refund(ctx context.Context, externalID string, amount int64) error {
	return nil
}

func (g *alwaysPendingGateway) VerifySignature(payload []byte, signature string) error {
	if signature != "valid" {
		return gateway.ErrInvalidSignature
	}
	return nil
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestListPlansReturnsCatalog(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodGet, "/v1/plans", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Plans []plan.Definition `json:"plans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Plans) != 4 {
		t.Errorf("plans = %d, want 4", len(body.Plans))
	}
}

func TestCreatePaymentIntentEndpoint(t *testing.T) {
	env := setupServer(t)
	tenantID := env.node.Generate()
	userID := env.node.Generate()

	rec := env.do(t, http.MethodPost, "/v1/payments", map[string]any{
		"tenant_id":      tenantID.String(),
		"user_id":        userID.String(),
		"plan":           "STARTER",
		"billing_period": "MONTHLY",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var intent paymentdomain.IntentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &intent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if intent.HostedURL == "" || intent.ExternalID == "" {
		t.Errorf("incomplete intent: %+v", intent)
	}

	// Payment for the FREE plan maps to a conflict.
	rec = env.do(t, http.MethodPost, "/v1/payments", map[string]any{
		"tenant_id":      tenantID.String(),
		"user_id":        userID.String(),
		"plan":           "FREE",
		"billing_period": "MONTHLY",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("free plan payment: status = %d, want 409", rec.Code)
	}
}

func TestTenantUsageEndpoint(t *testing.T) {
	env := setupServer(t)
	tenantID := env.node.Generate()
	userID := env.node.Generate()

	// Provision via an intent attempt (resolves the free subscription).
	env.do(t, http.MethodPost, "/v1/payments", map[string]any{
		"tenant_id":      tenantID.String(),
		"user_id":        userID.String(),
		"plan":           "STARTER",
		"billing_period": "MONTHLY",
	})

	rec := env.do(t, http.MethodGet, "/v1/tenants/"+tenantID.String()+"/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/tenants/"+env.node.Generate().String()+"/usage", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown tenant: status = %d, want 404", rec.Code)
	}
}

func TestVerifyUnknownPaymentReturns404(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodPost, "/v1/payments/inv_missing/verify", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookAlwaysReturns200(t *testing.T) {
	env := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader([]byte(`{"type":"invoice_paid","data":{"id":"inv_missing"}}`)))
	req.Header.Set("X-Webhook-Signature", "valid")
	rec := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("processing failure: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Webhook-Signature", "forged")
	rec = httptest.NewRecorder()
	env.server.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bad signature: status = %d, want 200", rec.Code)
	}
}

func TestDowngradeAndCancelEndpoints(t *testing.T) {
	env := setupServer(t)
	tenantID := env.node.Generate()
	userID := env.node.Generate()

	// Seed a PROFESSIONAL subscription with a billing date directly.
	billing := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sub := subscriptiondomain.Subscription{
		ID:              env.node.Generate(),
		TenantID:        tenantID,
		UserID:          userID,
		Plan:            plan.Professional,
		BillingPeriod:   plan.Monthly,
		Status:          subscriptiondomain.SubscriptionStatusActive,
		Limits:          subscriptiondomain.LimitsToJSON(plan.LimitsFor(plan.Professional)),
		Usage:           subscriptiondomain.ZeroUsage(),
		Features:        subscriptiondomain.FeaturesToJSON(plan.FeaturesFor(plan.Professional)),
		Metadata:        map[string]any{},
		NextBillingDate: &billing,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := env.db.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/subscriptions/downgrade", map[string]any{
		"tenant_id":   tenantID.String(),
		"target_plan": "STARTER",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("downgrade: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Upgrading through the downgrade endpoint is a conflict.
	rec = env.do(t, http.MethodPost, "/v1/subscriptions/downgrade", map[string]any{
		"tenant_id":   tenantID.String(),
		"target_plan": "ENTERPRISE",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("upgrade via downgrade: status = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/subscriptions/cancel", map[string]any{"tenant_id": tenantID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/subscriptions/cancel", map[string]any{"tenant_id": tenantID.String()})
	if rec.Code != http.StatusConflict {
		t.Errorf("double cancel: status = %d, want 409", rec.Code)
	}
}
