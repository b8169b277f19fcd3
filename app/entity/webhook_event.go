package entity

import "time"

type WebhookOutcome string

const (
	WebhookOutcomeApplied   WebhookOutcome = "applied"
	WebhookOutcomeNoop      WebhookOutcome = "noop"
	WebhookOutcomeConflict  WebhookOutcome = "conflict"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeOrphaned  WebhookOutcome = "orphaned"
)

// WebhookEvent is one entry of a payment's webhook ledger, keyed by (provider, event id).
type WebhookEvent struct {
	ID uint64

	Provider  Provider
	EventID   string
	PaymentID string

	EventType    string
	MappedStatus *Status
	Outcome      WebhookOutcome

	CreatedAt time.Time
}
