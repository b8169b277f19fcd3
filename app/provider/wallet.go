package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

const (
	walletSignatureHeader = "X-Wallet-Signature"
	walletTimestampHeader = "X-Wallet-Timestamp"
	walletIdempotencyKey  = "Idempotency-Key"
)

var walletStatuses = map[ProviderStatus]entity.Status{
	"CREATED":               entity.StatusPending,
	"PAYER_ACTION_REQUIRED": entity.StatusPending,
	"APPROVED":              entity.StatusPending,
	"CAPTURE_PENDING":       entity.StatusProcessing,
	"COMPLETED":             entity.StatusCompleted,
	"DECLINED":              entity.StatusFailed,
	"VOIDED":                entity.StatusCancelled,

	"CHECKOUT.ORDER.APPROVED":   entity.StatusPending,
	"PAYMENT.CAPTURE.PENDING":   entity.StatusProcessing,
	"PAYMENT.CAPTURE.COMPLETED": entity.StatusCompleted,
	"PAYMENT.CAPTURE.DENIED":    entity.StatusFailed,
	"CHECKOUT.ORDER.VOIDED":     entity.StatusCancelled,
}

var walletRefundEvents = map[string]entity.RefundStatus{
	"PAYMENT.REFUND.PENDING":   entity.RefundStatusPending,
	"PAYMENT.REFUND.COMPLETED": entity.RefundStatusSucceeded,
	"PAYMENT.REFUND.FAILED":    entity.RefundStatusFailed,
}

type WalletConfig struct {
	APIKey             string
	WebhookSecret      string
	BaseURL            string
	SignatureTolerance time.Duration
	HTTPTimeout        time.Duration
}

// WalletGateway settles WALLET payments through the wallet orders API.
type WalletGateway struct {
	cfg    WalletConfig
	client *http.Client
	now    func() time.Time
}

func NewWalletGateway(cfg WalletConfig) *WalletGateway {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	return &WalletGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		now:    time.Now,
	}
}

func (g *WalletGateway) Code() entity.Provider {
	return entity.ProviderWallet
}

type walletAmount struct {
	Currency   string `json:"currency"`
	ValueMinor int64  `json:"value_minor"`
}

type walletOrder struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code"`
	Reason     string `json:"reason"`
	Links      struct {
		Approve string `json:"approve"`
	} `json:"links"`
}

type walletRefund struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

func (g *WalletGateway) Initiate(ctx context.Context, input *InitiateInput) (*InitiateOutput, error) {
	payload := map[string]interface{}{
		"reference_id": input.PaymentID,
		"order_id":     input.OrderID,
		"amount":       walletAmount{Currency: strings.ToUpper(input.Currency), ValueMinor: input.AmountMinor},
		"metadata":     input.Metadata,
	}
	if input.CustomerRef != nil {
		payload["customer_ref"] = *input.CustomerRef
	}
	if input.ReturnURL != "" {
		payload["return_url"] = input.ReturnURL
	}

	var order walletOrder
	if err := g.do(ctx, "initiate", http.MethodPost, "/v1/orders", input.PaymentID, payload, &order); err != nil {
		return nil, err
	}
	if strings.TrimSpace(order.ID) == "" {
		return nil, unavailable(entity.ProviderWallet, "initiate", errors.New("wallet order id missing"))
	}

	out := &InitiateOutput{Handle: order.ID, Status: ProviderStatus(order.Status), Continuation: map[string]string{}}
	if order.Links.Approve != "" {
		out.Continuation["approve_url"] = order.Links.Approve
	}
	return out, nil
}

// Confirm captures an approved wallet order. A declined capture is reported as a rejection.
func (g *WalletGateway) Confirm(ctx context.Context, handle string, details map[string]string) (*ConfirmOutput, error) {
	payload := map[string]string{}
	if token := strings.TrimSpace(details["payer_token"]); token != "" {
		payload["payer_token"] = token
	}

	var order walletOrder
	if err := g.do(ctx, "confirm", http.MethodPost, "/v1/orders/"+url.PathEscape(handle)+"/capture", "", payload, &order); err != nil {
		return nil, err
	}
	if order.Status == "DECLINED" {
		return nil, rejected(entity.ProviderWallet, "confirm", order.ReasonCode, order.Reason)
	}

	out := &ConfirmOutput{Status: ProviderStatus(order.Status), Continuation: map[string]string{}}
	if order.Links.Approve != "" {
		out.Continuation["approve_url"] = order.Links.Approve
	}
	return out, nil
}

func (g *WalletGateway) Cancel(ctx context.Context, handle string) error {
	return g.do(ctx, "cancel", http.MethodPost, "/v1/orders/"+url.PathEscape(handle)+"/void", "", nil, nil)
}

func (g *WalletGateway) Refund(ctx context.Context, input *RefundInput) (*RefundOutput, error) {
	payload := map[string]interface{}{
		"reference": input.IdempotencyKey,
		"reason":    string(input.Reason),
	}
	if !input.Full {
		payload["amount"] = walletAmount{Currency: strings.ToUpper(input.Currency), ValueMinor: input.AmountMinor}
	}

	var refund walletRefund
	path := "/v1/orders/" + url.PathEscape(input.Handle) + "/refunds"
	if err := g.do(ctx, "refund", http.MethodPost, path, input.IdempotencyKey, payload, &refund); err != nil {
		return nil, err
	}
	return &RefundOutput{Reference: refund.ID, Status: mapWalletRefundStatus(refund.Status)}, nil
}

func (g *WalletGateway) GetStatus(ctx context.Context, handle string) (ProviderStatus, error) {
	var order walletOrder
	if err := g.do(ctx, "get_status", http.MethodGet, "/v1/orders/"+url.PathEscape(handle), "", nil, &order); err != nil {
		return "", err
	}
	return ProviderStatus(order.Status), nil
}

func (g *WalletGateway) LookupRefund(ctx context.Context, handle, idempotencyKey string) (*RefundOutput, error) {
	var payload struct {
		Refunds []walletRefund `json:"refunds"`
	}
	path := "/v1/orders/" + url.PathEscape(handle) + "/refunds?reference=" + url.QueryEscape(idempotencyKey)
	if err := g.do(ctx, "lookup_refund", http.MethodGet, path, "", nil, &payload); err != nil {
		return nil, err
	}
	for _, refund := range payload.Refunds {
		if refund.Reference == idempotencyKey {
			return &RefundOutput{Reference: refund.ID, Status: mapWalletRefundStatus(refund.Status)}, nil
		}
	}
	return nil, nil
}

func (g *WalletGateway) MapStatus(status ProviderStatus) (entity.Status, bool) {
	mapped, ok := walletStatuses[status]
	return mapped, ok
}

func (g *WalletGateway) KnownStatuses() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(walletStatuses))
	for status := range walletStatuses {
		out = append(out, status)
	}
	return out
}

func (g *WalletGateway) SignatureHeader() string {
	return walletSignatureHeader
}

func (g *WalletGateway) VerifySignature(headers http.Header, body []byte) bool {
	signature := strings.TrimSpace(headers.Get(walletSignatureHeader))
	ts := strings.TrimSpace(headers.Get(walletTimestampHeader))
	if signature == "" || ts == "" || strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	tolerance := int64(g.cfg.SignatureTolerance / time.Second)
	now := g.now().Unix()
	if now-tsUnix > tolerance || tsUnix-now > tolerance {
		return false
	}

	candidate, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(candidate, SignWalletPayload(g.cfg.WebhookSecret, ts, body))
}

// SignWalletPayload computes the HMAC the wallet sends in X-Wallet-Signature.
func SignWalletPayload(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func (g *WalletGateway) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var event struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			OrderID    string `json:"order_id"`
			RefundID   string `json:"refund_id"`
			Reference  string `json:"reference"`
			ReasonCode string `json:"reason_code"`
			Reason     string `json:"reason"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, errors.Join(ErrMalformedWebhook, err)
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.EventType) == "" {
		return nil, ErrMalformedWebhook
	}

	result := &WebhookEvent{
		EventID:          strings.TrimSpace(event.ID),
		EventType:        strings.TrimSpace(event.EventType),
		PaymentReference: strings.TrimSpace(event.Resource.OrderID),
		FailureCode:      event.Resource.ReasonCode,
		FailureReason:    event.Resource.Reason,
	}

	if _, ok := walletStatuses[ProviderStatus(result.EventType)]; ok {
		if result.PaymentReference == "" {
			return nil, ErrMalformedWebhook
		}
		result.Kind = EventKindPayment
		result.Status = ProviderStatus(result.EventType)
		return result, nil
	}

	if refundStatus, ok := walletRefundEvents[result.EventType]; ok {
		if strings.TrimSpace(event.Resource.RefundID) == "" {
			return nil, ErrMalformedWebhook
		}
		result.Kind = EventKindRefund
		result.RefundReference = strings.TrimSpace(event.Resource.RefundID)
		result.RefundKey = strings.TrimSpace(event.Resource.Reference)
		result.RefundStatus = refundStatus
		return result, nil
	}

	result.Kind = EventKindIgnored
	return result, nil
}

func (g *WalletGateway) do(ctx context.Context, op, method, path, idempotencyKey string, payload interface{}, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(walletIdempotencyKey, idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return unavailable(entity.ProviderWallet, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable(entity.ProviderWallet, op, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return unavailable(entity.ProviderWallet, op, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Code == "" {
			apiErr.Code = strconv.Itoa(resp.StatusCode)
		}
		return rejected(entity.ProviderWallet, op, apiErr.Code, apiErr.Message)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return unavailable(entity.ProviderWallet, op, err)
	}
	return nil
}

func mapWalletRefundStatus(status string) entity.RefundStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return entity.RefundStatusSucceeded
	case "FAILED", "CANCELLED":
		return entity.RefundStatusFailed
	default:
		return entity.RefundStatusPending
	}
}
