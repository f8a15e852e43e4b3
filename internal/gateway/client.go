package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/entitle/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type ClientParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type restClient struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
	log           *zap.Logger
}

func NewClient(p ClientParam) Client {
	timeout := p.Config.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		baseURL:       strings.TrimRight(p.Config.GatewayBaseURL, "/"),
		apiKey:        strings.TrimSpace(p.Config.GatewayAPIKey),
		webhookSecret: strings.TrimSpace(p.Config.GatewayWebhookSecret),
		client:        &http.Client{Timeout: timeout},
		log:           p.Log.Named("gateway.client"),
	}
}

func (c *restClient) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error) {
	// A fresh idempotency key per call: retrying a failed create must not
	// silently reuse an invoice the caller never saw.
	return c.doInvoiceRequest(ctx, http.MethodPost, "/v1/invoices", req, uuid.NewString())
}

func (c *restClient) GetInvoice(ctx context.Context, externalID string) (Invoice, error) {
	return c.doInvoiceRequest(ctx, http.MethodGet, "/v1/invoices/"+externalID, nil, "")
}

func (c *restClient) Refund(ctx context.Context, externalID string, amount int64) error {
	body := map[string]int64{"amount": amount}
	_, err := c.doInvoiceRequest(ctx, http.MethodPost, "/v1/invoices/"+externalID+"/refund", body, uuid.NewString())
	return err
}

func (c *restClient) doInvoiceRequest(ctx context.Context, method, path string, body any, idempotencyKey string) (Invoice, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Invoice{}, err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Invoice{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("gateway request failed", zap.String("path", path), zap.Error(err))
		return Invoice{}, ErrGatewayUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Invoice{}, ErrInvoiceNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		c.log.Warn("gateway server error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return Invoice{}, ErrGatewayUnavailable
	case resp.StatusCode >= http.StatusBadRequest:
		var gwErr gatewayError
		_ = json.NewDecoder(resp.Body).Decode(&gwErr)
		c.log.Warn("gateway rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", gwErr.Error.Code),
		)
		return Invoice{}, ErrInvalidRequest
	}

	var invoice Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return Invoice{}, ErrGatewayUnavailable
	}
	return invoice, nil
}

func (c *restClient) VerifySignature(payload []byte, signature string) error {
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

var Module = fx.Module("gateway.client",
	fx.Provide(NewClient),
)
