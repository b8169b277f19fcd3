package entity

import "time"

const (
	PaymentEventCreated         = "payment_created"
	PaymentEventConfirmed       = "payment_confirm_submitted"
	PaymentEventCancelled       = "payment_cancelled"
	PaymentEventRefundCreated   = "refund_created"
	PaymentEventRefundUpdated   = "refund_updated"
	PaymentEventReconciled      = "payment_reconciled"
	PaymentEventWebhookApplied  = "webhook_applied"
	PaymentEventWebhookConflict = "webhook_conflict"
	PaymentEventCallbackSent    = "callback_dispatched"
	PaymentEventCallbackFailed  = "callback_dispatch_failed"
	PaymentEventGatewayFailure  = "gateway_failure"
)

type PaymentEvent struct {
	ID uint64

	PaymentID string

	EventType string

	OldStatus *Status
	NewStatus Status

	ProviderEventID *string
	Detail          *string

	CreatedAt time.Time
}
