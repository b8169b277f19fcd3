package entity

import "time"

const (
	CallbackStatusProcessed     int32 = 10
	CallbackStatusDuplicate     int32 = 11
	CallbackStatusOrphaned      int32 = 15
	CallbackStatusRejected      int32 = 20
	CallbackStatusOrphanExpired int32 = 25
)

// PaymentCallback is the raw audit record of one inbound webhook delivery.
type PaymentCallback struct {
	ID uint64

	PaymentID *string

	Provider        Provider
	ProviderEventID *string
	Signature       string
	PayloadJSON     string
	Status          int32
	Attempts        int32
	Error           *string
	// NextAttemptAt is the replay time of an orphaned delivery; nil once it leaves that status.
	NextAttemptAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
