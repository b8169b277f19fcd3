package types

import "github.com/shopspring/decimal"

// Messages shared by the HTTP API, the gRPC API and outbound status callbacks.

type CreatePaymentRequest struct {
	OrderId           string            `json:"order_id" validate:"required,max=64"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency" validate:"required,len=3,alpha"`
	Method            string            `json:"method" validate:"required,oneof=CARD WALLET"`
	CustomerRef       string            `json:"customer_ref,omitempty" validate:"max=128"`
	StatusCallbackUrl string            `json:"status_callback_url,omitempty" validate:"omitempty,url"`
	ReturnUrl         string            `json:"return_url,omitempty" validate:"omitempty,url"`
	Metadata          map[string]string `json:"metadata,omitempty" validate:"max=50"`
}

func (r *CreatePaymentRequest) GetOrderId() string             { return r.OrderId }
func (r *CreatePaymentRequest) GetAmount() decimal.Decimal     { return r.Amount }
func (r *CreatePaymentRequest) GetCurrency() string            { return r.Currency }
func (r *CreatePaymentRequest) GetMethod() string              { return r.Method }
func (r *CreatePaymentRequest) GetCustomerRef() string         { return r.CustomerRef }
func (r *CreatePaymentRequest) GetStatusCallbackUrl() string   { return r.StatusCallbackUrl }
func (r *CreatePaymentRequest) GetReturnUrl() string           { return r.ReturnUrl }
func (r *CreatePaymentRequest) GetMetadata() map[string]string { return r.Metadata }

type GetPaymentRequest struct {
	Id string `json:"id" validate:"required,uuid"`
}

func (r *GetPaymentRequest) GetId() string { return r.Id }

type GetPaymentByOrderRequest struct {
	OrderId string `json:"order_id" validate:"required,max=64"`
}

func (r *GetPaymentByOrderRequest) GetOrderId() string { return r.OrderId }

type ListPaymentsRequest struct {
	OrderId  string `json:"order_id,omitempty" validate:"max=64"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=PENDING PROCESSING COMPLETED FAILED CANCELLED REFUNDED PARTIALLY_REFUNDED"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=card wallet"`
	Limit    int32  `json:"limit,omitempty" validate:"min=1,max=500"`
	Offset   int32  `json:"offset,omitempty" validate:"min=0"`
}

func (r *ListPaymentsRequest) GetOrderId() string  { return r.OrderId }
func (r *ListPaymentsRequest) GetStatus() string   { return r.Status }
func (r *ListPaymentsRequest) GetProvider() string { return r.Provider }
func (r *ListPaymentsRequest) GetLimit() int32     { return r.Limit }
func (r *ListPaymentsRequest) GetOffset() int32    { return r.Offset }

type ConfirmPaymentRequest struct {
	Id      string            `json:"id" validate:"required,uuid"`
	Details map[string]string `json:"details,omitempty" validate:"max=20"`
}

func (r *ConfirmPaymentRequest) GetId() string                 { return r.Id }
func (r *ConfirmPaymentRequest) GetDetails() map[string]string { return r.Details }

type CancelPaymentRequest struct {
	Id     string `json:"id" validate:"required,uuid"`
	Reason string `json:"reason,omitempty" validate:"max=255"`
}

func (r *CancelPaymentRequest) GetId() string     { return r.Id }
func (r *CancelPaymentRequest) GetReason() string { return r.Reason }

type CreateRefundRequest struct {
	PaymentId string           `json:"payment_id" validate:"required,uuid"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty" validate:"omitempty,oneof=REQUESTED_BY_CUSTOMER DUPLICATE FRAUDULENT ORDER_CANCELLED"`
}

func (r *CreateRefundRequest) GetPaymentId() string        { return r.PaymentId }
func (r *CreateRefundRequest) GetAmount() *decimal.Decimal { return r.Amount }
func (r *CreateRefundRequest) GetReason() string           { return r.Reason }

type HealthRequest struct{}

type ListStuckRefundsRequest struct{}

type WebhookRequest struct {
	Provider string `validate:"required,oneof=card wallet"`
	Payload  []byte `validate:"required"`
}

func (r *WebhookRequest) GetProvider() string { return r.Provider }
func (r *WebhookRequest) GetPayload() []byte  { return r.Payload }

type Refund struct {
	Id                      string `json:"id"`
	PaymentId               string `json:"payment_id"`
	Amount                  string `json:"amount"`
	Reason                  string `json:"reason"`
	Status                  string `json:"status"`
	ProviderRefundReference string `json:"provider_refund_reference,omitempty"`
	CreatedAt               string `json:"created_at"`
	UpdatedAt               string `json:"updated_at"`
	ProcessedAt             string `json:"processed_at,omitempty"`
}

type Payment struct {
	Id                  string            `json:"id"`
	OrderId             string            `json:"order_id"`
	CustomerRef         string            `json:"customer_ref,omitempty"`
	Amount              string            `json:"amount"`
	Currency            string            `json:"currency"`
	TotalRefunded       string            `json:"total_refunded"`
	NetAmount           string            `json:"net_amount"`
	RemainingRefundable string            `json:"remaining_refundable"`
	Method              string            `json:"method"`
	Provider            string            `json:"provider"`
	Status              string            `json:"status"`
	ProviderReference   string            `json:"provider_reference,omitempty"`
	FailureCode         string            `json:"failure_code,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	StatusCallbackUrl   string            `json:"status_callback_url,omitempty"`
	Metadata            map[string]string `json:"metadata"`
	Refunds             []*Refund         `json:"refunds"`
	WebhookEventIds     []string          `json:"webhook_event_ids"`
	CreatedAt           string            `json:"created_at"`
	UpdatedAt           string            `json:"updated_at"`
	ProcessedAt         string            `json:"processed_at,omitempty"`
}

type PaymentEnvelopeResponse struct {
	Payment *Payment `json:"payment"`
}

type PaymentWithContinuationResponse struct {
	Payment      *Payment          `json:"payment"`
	Continuation map[string]string `json:"continuation,omitempty"`
}

type ListPaymentsResponse struct {
	Payments []*Payment `json:"payments"`
}

type RefundEnvelopeResponse struct {
	Payment *Payment `json:"payment"`
	Refund  *Refund  `json:"refund"`
}

type ListStuckRefundsResponse struct {
	Refunds []*Refund `json:"refunds"`
	Count   int       `json:"count"`
}

type WebhookAckResponse struct {
	Outcome   string `json:"outcome"`
	EventId   string `json:"event_id,omitempty"`
	PaymentId string `json:"payment_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
