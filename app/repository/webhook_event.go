package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

var ErrDuplicateWebhookEvent = errors.New("webhook event already recorded")

// WebhookEventRepository persists the webhook ledger used for deduplication.
type WebhookEventRepository struct {
	db DBTX
}

func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) Record(ctx context.Context, event *entity.WebhookEvent) error {
	var mappedStatus interface{}
	if event.MappedStatus != nil {
		mappedStatus = string(*event.MappedStatus)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_webhook_events (
			provider, event_id, payment_id, event_type, mapped_status, outcome, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		int32(event.Provider),
		event.EventID,
		nullableNonEmpty(event.PaymentID),
		event.EventType,
		mappedStatus,
		string(event.Outcome),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrDuplicateWebhookEvent
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}

func (r *WebhookEventRepository) Find(ctx context.Context, provider entity.Provider, eventID string) (*entity.WebhookEvent, error) {
	event := &entity.WebhookEvent{}
	var paymentID, mappedStatus sql.NullString
	var providerCode int32
	var outcome string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, provider, event_id, payment_id, event_type, mapped_status, outcome, created_at
		FROM payment_webhook_events
		WHERE provider = ? AND event_id = ?
	`, int32(provider), eventID).Scan(
		&event.ID,
		&providerCode,
		&event.EventID,
		&paymentID,
		&event.EventType,
		&mappedStatus,
		&outcome,
		&event.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	event.Provider = entity.Provider(providerCode)
	event.PaymentID = paymentID.String
	event.Outcome = entity.WebhookOutcome(outcome)
	if mappedStatus.Valid {
		status := entity.Status(mappedStatus.String)
		event.MappedStatus = &status
	}
	return event, nil
}
