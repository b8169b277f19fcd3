package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CallbackDeliveryNone    int32 = 0
	CallbackDeliveryPending int32 = 1
	CallbackDeliverySuccess int32 = 10
	CallbackDeliveryFailed  int32 = 20
)

type Payment struct {
	ID      string
	OrderID string

	CustomerRef *string

	Amount        decimal.Decimal
	Currency      string
	TotalRefunded decimal.Decimal

	Method   Method
	Provider Provider
	Status   Status

	ProviderReference string

	FailureCode   *string
	FailureReason *string

	StatusCallbackURL string
	Metadata          map[string]string

	Refunds         []*Refund
	WebhookEventIDs []string

	CallbackDeliveryStatus   int32
	CallbackDeliveryAttempts int32
	CallbackDeliveryNextAt   *time.Time
	CallbackDeliveryLastErr  *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// RemainingRefundable is the part of the amount not yet refunded.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.TotalRefunded)
}

// NetAmount is the captured amount net of refunds; zero until the payment completes.
func (p *Payment) NetAmount() decimal.Decimal {
	switch p.Status {
	case StatusCompleted, StatusPartiallyRefunded, StatusRefunded:
		return p.Amount.Sub(p.TotalRefunded)
	default:
		return decimal.Zero
	}
}

type Refund struct {
	ID        string
	PaymentID string

	Amount   decimal.Decimal
	Currency string
	Reason   RefundReason
	Status   RefundStatus

	ProviderRefundReference *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// NextUpdatedAt keeps updated_at strictly increasing even when clocks collide.
func NextUpdatedAt(previous, now time.Time) time.Time {
	now = now.UTC()
	if !now.After(previous) {
		return previous.Add(time.Microsecond).UTC()
	}
	return now
}
