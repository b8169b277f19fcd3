package provider

import (
	"context"
	"net/http"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

// ProviderStatus is a status value in one gateway's own vocabulary.
type ProviderStatus string

type InitiateInput struct {
	PaymentID   string
	OrderID     string
	AmountMinor int64
	Currency    string
	CustomerRef *string
	Metadata    map[string]string
	ReturnURL   string
}

type InitiateOutput struct {
	Handle       string
	Status       ProviderStatus
	Continuation map[string]string
}

type ConfirmOutput struct {
	Status       ProviderStatus
	Continuation map[string]string
}

type RefundInput struct {
	Handle         string
	AmountMinor    int64
	Currency       string
	Full           bool
	IdempotencyKey string
	Reason         entity.RefundReason
}

type RefundOutput struct {
	Reference string
	Status    entity.RefundStatus
}

type EventKind int

const (
	EventKindIgnored EventKind = iota
	EventKindPayment
	EventKindRefund
)

type WebhookEvent struct {
	EventID   string
	EventType string
	Kind      EventKind

	PaymentReference string
	RefundReference  string
	RefundKey        string

	Status       ProviderStatus
	RefundStatus entity.RefundStatus

	FailureCode   string
	FailureReason string
}

// Gateway is implemented once per external payment gateway.
type Gateway interface {
	Code() entity.Provider

	Initiate(ctx context.Context, input *InitiateInput) (*InitiateOutput, error)
	Confirm(ctx context.Context, handle string, details map[string]string) (*ConfirmOutput, error)
	Cancel(ctx context.Context, handle string) error
	Refund(ctx context.Context, input *RefundInput) (*RefundOutput, error)

	// GetStatus re-queries the gateway for the current status of a transaction.
	GetStatus(ctx context.Context, handle string) (ProviderStatus, error)
	// LookupRefund finds a refund previously placed with idempotencyKey; nil when the gateway has none.
	LookupRefund(ctx context.Context, handle, idempotencyKey string) (*RefundOutput, error)

	MapStatus(status ProviderStatus) (entity.Status, bool)
	KnownStatuses() []ProviderStatus

	// SignatureHeader names the request header carrying the webhook signature.
	SignatureHeader() string
	VerifySignature(headers http.Header, body []byte) bool
	ParseWebhook(body []byte) (*WebhookEvent, error)
}
