// Package gateway talks to the external payment gateway over REST and
// verifies its webhook signatures.
package gateway

import (
	"context"
	"errors"
	"time"
)

// InvoiceStatus is the gateway-side state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "pending"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusExpired   InvoiceStatus = "expired"
	InvoiceStatusCancelled InvoiceStatus = "canceled"
	InvoiceStatusRefunded  InvoiceStatus = "refunded"
)

// Invoice mirrors the gateway's invoice resource. AmountPaid is in the
// currency's minor unit and is carried for logging and reconciliation;
// price validation runs against the stored payment amount.
type Invoice struct {
	ExternalID string            `json:"id"`
	HostedURL  string            `json:"hosted_url"`
	Status     InvoiceStatus     `json:"status"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata"`
	PaidAt     *time.Time        `json:"paid_at"`
}

// CreateInvoiceRequest opens a hosted invoice at the gateway.
type CreateInvoiceRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type Client interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	GetInvoice(ctx context.Context, externalID string) (Invoice, error)
	// Refund reverses up to the given amount, in minor units, so partial
	// refunds stay expressible.
	Refund(ctx context.Context, externalID string, amount int64) error
	// VerifySignature checks the webhook HMAC over the raw payload.
	VerifySignature(payload []byte, signature string) error
}

var (
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrInvoiceNotFound    = errors.New("gateway_invoice_not_found")
	ErrInvalidSignature   = errors.New("invalid_webhook_signature")
	ErrInvalidRequest     = errors.New("gateway_rejected_request")
)
