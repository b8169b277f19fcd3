package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

var ErrCallbackNotFound = errors.New("payment callback not found")

type PaymentCallbackRepository struct {
	db DBTX
}

func NewPaymentCallbackRepository(db DBTX) *PaymentCallbackRepository {
	return &PaymentCallbackRepository{db: db}
}

func (r *PaymentCallbackRepository) Create(ctx context.Context, callback *entity.PaymentCallback) error {
	query := `
		INSERT INTO payment_callbacks (
			payment_id, provider, provider_event_id, signature, payload_json, status, attempts, error, next_attempt_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(callback.PaymentID),
		int32(callback.Provider),
		nullableStringValue(callback.ProviderEventID),
		callback.Signature,
		callback.PayloadJSON,
		callback.Status,
		callback.Attempts,
		nullableStringValue(callback.Error),
		nullableTimeValue(callback.NextAttemptAt),
		callback.CreatedAt.UTC(),
		callback.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	callback.ID = uint64(id)

	return nil
}

// UpdateOutcome stores the processing outcome of a callback delivery.
func (r *PaymentCallbackRepository) UpdateOutcome(ctx context.Context, callback *entity.PaymentCallback) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_callbacks SET
			payment_id = ?,
			status = ?,
			attempts = ?,
			error = ?,
			next_attempt_at = ?,
			updated_at = ?
		WHERE id = ?
	`,
		nullableStringValue(callback.PaymentID),
		callback.Status,
		callback.Attempts,
		nullableStringValue(callback.Error),
		nullableTimeValue(callback.NextAttemptAt),
		callback.UpdatedAt.UTC(),
		callback.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCallbackNotFound
	}
	return nil
}

func (r *PaymentCallbackRepository) FindByID(ctx context.Context, id uint64) (*entity.PaymentCallback, error) {
	callback := &entity.PaymentCallback{}
	var paymentID, providerEventID, callbackErr sql.NullString
	var nextAttemptAt sql.NullTime
	var provider int32

	err := r.db.QueryRowContext(ctx, `
		SELECT id, payment_id, provider, provider_event_id, signature, payload_json, status, attempts, error, next_attempt_at, created_at, updated_at
		FROM payment_callbacks
		WHERE id = ?
	`, id).Scan(
		&callback.ID,
		&paymentID,
		&provider,
		&providerEventID,
		&callback.Signature,
		&callback.PayloadJSON,
		&callback.Status,
		&callback.Attempts,
		&callbackErr,
		&nextAttemptAt,
		&callback.CreatedAt,
		&callback.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	callback.PaymentID = stringPtrFromNull(paymentID)
	callback.Provider = entity.Provider(provider)
	callback.ProviderEventID = stringPtrFromNull(providerEventID)
	callback.Error = stringPtrFromNull(callbackErr)
	callback.NextAttemptAt = timePtrFromNull(nextAttemptAt)
	return callback, nil
}

// ListDueOrphans returns orphaned callbacks whose replay time has passed, oldest schedule first.
// Rows without a schedule are treated as due.
func (r *PaymentCallbackRepository) ListDueOrphans(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id
		FROM payment_callbacks
		WHERE status = ?
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT ?
	`, entity.CallbackStatusOrphaned, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uint64, 0)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimReplay records a replay attempt when the callback is still orphaned at the expected attempt count.
// It reports false when another replayer already took this attempt.
func (r *PaymentCallbackRepository) ClaimReplay(ctx context.Context, id uint64, expectedAttempts int32, nextAttemptAt time.Time, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_callbacks SET
			attempts = ?,
			next_attempt_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ?
	`,
		expectedAttempts+1,
		nextAttemptAt.UTC(),
		now.UTC(),
		id,
		entity.CallbackStatusOrphaned,
		expectedAttempts,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
