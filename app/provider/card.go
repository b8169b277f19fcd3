package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

const (
	cardSignatureHeader = "Stripe-Signature"
	metadataPaymentID   = "payment_id"
	metadataOrderID     = "order_id"
	metadataCustomerRef = "customer_ref"
	metadataRefundID    = "refund_id"
)

var cardStatuses = map[ProviderStatus]entity.Status{
	"requires_payment_method": entity.StatusPending,
	"requires_confirmation":   entity.StatusPending,
	"requires_action":         entity.StatusProcessing,
	"processing":              entity.StatusProcessing,
	"requires_capture":        entity.StatusProcessing,
	"succeeded":               entity.StatusCompleted,
	"canceled":                entity.StatusCancelled,

	"payment_intent.created":                   entity.StatusPending,
	"payment_intent.requires_action":           entity.StatusProcessing,
	"payment_intent.processing":                entity.StatusProcessing,
	"payment_intent.amount_capturable_updated": entity.StatusProcessing,
	"payment_intent.succeeded":                 entity.StatusCompleted,
	"payment_intent.payment_failed":            entity.StatusFailed,
	"payment_intent.canceled":                  entity.StatusCancelled,
}

var cardRefundEvents = map[string]bool{
	"refund.created":        true,
	"refund.updated":        true,
	"refund.failed":         true,
	"charge.refund.updated": true,
}

type CardConfig struct {
	SecretKey          string
	WebhookSecret      string
	BaseURL            string
	SignatureTolerance time.Duration
	HTTPTimeout        time.Duration
}

// CardGateway settles CARD payments through payment intents.
type CardGateway struct {
	cfg CardConfig
	api *client.API
}

func NewCardGateway(cfg CardConfig) *CardGateway {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = 5 * time.Minute
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		backendCfg.URL = stripe.String(base)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &CardGateway{
		cfg: cfg,
		api: client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
	}
}

func (g *CardGateway) Code() entity.Provider {
	return entity.ProviderCard
}

func (g *CardGateway) Initiate(ctx context.Context, input *InitiateInput) (*InitiateOutput, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(input.AmountMinor),
		Currency: stripe.String(strings.ToLower(input.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(input.PaymentID)
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(metadataPaymentID, input.PaymentID)
	params.AddMetadata(metadataOrderID, input.OrderID)
	if input.CustomerRef != nil {
		params.AddMetadata(metadataCustomerRef, *input.CustomerRef)
	}

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, g.classify("initiate", err)
	}

	out := &InitiateOutput{
		Handle:       intent.ID,
		Status:       ProviderStatus(intent.Status),
		Continuation: map[string]string{},
	}
	if intent.ClientSecret != "" {
		out.Continuation["client_secret"] = intent.ClientSecret
	}
	return out, nil
}

func (g *CardGateway) Confirm(ctx context.Context, handle string, details map[string]string) (*ConfirmOutput, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if pm := strings.TrimSpace(details["payment_method"]); pm != "" {
		params.PaymentMethod = stripe.String(pm)
	}
	if returnURL := strings.TrimSpace(details["return_url"]); returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}

	intent, err := g.api.PaymentIntents.Confirm(handle, params)
	if err != nil {
		return nil, g.classify("confirm", err)
	}

	out := &ConfirmOutput{Status: ProviderStatus(intent.Status), Continuation: map[string]string{}}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		out.Continuation["redirect_url"] = intent.NextAction.RedirectToURL.URL
	}
	if intent.ClientSecret != "" && intent.Status == stripe.PaymentIntentStatusRequiresAction {
		out.Continuation["client_secret"] = intent.ClientSecret
	}
	return out, nil
}

func (g *CardGateway) Cancel(ctx context.Context, handle string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := g.api.PaymentIntents.Cancel(handle, params); err != nil {
		return g.classify("cancel", err)
	}
	return nil
}

func (g *CardGateway) Refund(ctx context.Context, input *RefundInput) (*RefundOutput, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(input.Handle),
	}
	params.Context = ctx
	params.SetIdempotencyKey(input.IdempotencyKey)
	params.AddMetadata(metadataRefundID, input.IdempotencyKey)
	if !input.Full {
		params.Amount = stripe.Int64(input.AmountMinor)
	}
	if reason := cardRefundReason(input.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, g.classify("refund", err)
	}
	return &RefundOutput{Reference: refund.ID, Status: mapCardRefundStatus(refund.Status)}, nil
}

func (g *CardGateway) GetStatus(ctx context.Context, handle string) (ProviderStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.api.PaymentIntents.Get(handle, params)
	if err != nil {
		return "", g.classify("get_status", err)
	}
	return ProviderStatus(intent.Status), nil
}

func (g *CardGateway) LookupRefund(ctx context.Context, handle, idempotencyKey string) (*RefundOutput, error) {
	params := &stripe.RefundListParams{PaymentIntent: stripe.String(handle)}
	params.Context = ctx

	iter := g.api.Refunds.List(params)
	for iter.Next() {
		refund := iter.Refund()
		if refund.Metadata[metadataRefundID] == idempotencyKey {
			return &RefundOutput{Reference: refund.ID, Status: mapCardRefundStatus(refund.Status)}, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, g.classify("lookup_refund", err)
	}
	return nil, nil
}

func (g *CardGateway) MapStatus(status ProviderStatus) (entity.Status, bool) {
	mapped, ok := cardStatuses[status]
	return mapped, ok
}

func (g *CardGateway) KnownStatuses() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(cardStatuses))
	for status := range cardStatuses {
		out = append(out, status)
	}
	return out
}

func (g *CardGateway) SignatureHeader() string {
	return cardSignatureHeader
}

func (g *CardGateway) VerifySignature(headers http.Header, body []byte) bool {
	header := strings.TrimSpace(headers.Get(cardSignatureHeader))
	if header == "" || strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return false
	}
	return webhook.ValidatePayloadWithTolerance(body, header, g.cfg.WebhookSecret, g.cfg.SignatureTolerance) == nil
}

func (g *CardGateway) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, errors.Join(ErrMalformedWebhook, err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" || event.Data == nil {
		return nil, ErrMalformedWebhook
	}

	result := &WebhookEvent{
		EventID:   strings.TrimSpace(event.ID),
		EventType: string(event.Type),
	}

	if _, ok := cardStatuses[ProviderStatus(event.Type)]; ok {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
			return nil, ErrMalformedWebhook
		}
		result.Kind = EventKindPayment
		result.PaymentReference = intent.ID
		result.Status = ProviderStatus(event.Type)
		if intent.LastPaymentError != nil {
			result.FailureCode = string(intent.LastPaymentError.Code)
			if intent.LastPaymentError.DeclineCode != "" {
				result.FailureCode = string(intent.LastPaymentError.DeclineCode)
			}
			result.FailureReason = intent.LastPaymentError.Msg
		}
		return result, nil
	}

	if cardRefundEvents[string(event.Type)] {
		var refund stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil || refund.ID == "" {
			return nil, ErrMalformedWebhook
		}
		result.Kind = EventKindRefund
		result.RefundReference = refund.ID
		result.RefundKey = refund.Metadata[metadataRefundID]
		result.RefundStatus = mapCardRefundStatus(refund.Status)
		if refund.PaymentIntent != nil {
			result.PaymentReference = refund.PaymentIntent.ID
		}
		result.FailureReason = string(refund.FailureReason)
		return result, nil
	}

	result.Kind = EventKindIgnored
	return result, nil
}

func (g *CardGateway) classify(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return unavailable(entity.ProviderCard, op, err)
	}
	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &GatewayError{
			Provider: entity.ProviderCard,
			Op:       op,
			Code:     string(stripeErr.Code),
			Message:  stripeErr.Msg,
			Class:    ErrGatewayUnavailable,
		}
	}

	code := string(stripeErr.Code)
	if stripeErr.DeclineCode != "" {
		code = string(stripeErr.DeclineCode)
	}
	return rejected(entity.ProviderCard, op, code, stripeErr.Msg)
}

func mapCardRefundStatus(status stripe.RefundStatus) entity.RefundStatus {
	switch status {
	case stripe.RefundStatusSucceeded:
		return entity.RefundStatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return entity.RefundStatusFailed
	default:
		return entity.RefundStatusPending
	}
}

func cardRefundReason(reason entity.RefundReason) string {
	switch reason {
	case entity.RefundReasonDuplicate:
		return string(stripe.RefundReasonDuplicate)
	case entity.RefundReasonFraudulent:
		return string(stripe.RefundReasonFraudulent)
	case entity.RefundReasonRequestedByCustomer:
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
