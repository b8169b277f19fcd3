package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	ErrStaleTransition      = errors.New("stale transition: stored status does not match expected status")
	ErrInvalidTransition    = errors.New("transition not allowed by the payment state machine")
	ErrRefundExceedsAmount  = errors.New("refund exceeds remaining refundable amount")
)

const paymentColumns = `id, order_id, customer_ref, amount_minor, total_refunded_minor, currency,
	method, provider, status, provider_reference, failure_code, failure_reason,
	status_callback_url, metadata_json,
	callback_delivery_status, callback_delivery_attempts, callback_delivery_next_at, callback_delivery_last_error,
	created_at, updated_at, processed_at`

type PaymentFilter struct {
	OrderID   string
	HasStatus bool
	Status    entity.Status
	Provider  entity.Provider
	Limit     int32
	Offset    int32
}

// TransitionDetails carries the fields written alongside a status transition.
type TransitionDetails struct {
	FailureCode   *string
	FailureReason *string
}

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	amountMinor, err := entity.ToMinor(payment.Amount, payment.Currency)
	if err != nil {
		return err
	}
	refundedMinor, err := entity.ToMinor(payment.TotalRefunded, payment.Currency)
	if err != nil {
		return err
	}
	metadataJSON, err := serializeMetadata(payment.Metadata)
	if err != nil {
		return err
	}

	var activeOrderID interface{}
	if payment.Status.IsActive() {
		activeOrderID = payment.OrderID
	}

	query := `
		INSERT INTO payments (
			id, order_id, active_order_id, customer_ref, amount_minor, total_refunded_minor, currency,
			method, provider, status, provider_reference, failure_code, failure_reason,
			status_callback_url, metadata_json,
			callback_delivery_status, callback_delivery_attempts, callback_delivery_next_at, callback_delivery_last_error,
			created_at, updated_at, processed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		payment.ID,
		payment.OrderID,
		activeOrderID,
		nullableStringValue(payment.CustomerRef),
		amountMinor,
		refundedMinor,
		payment.Currency,
		string(payment.Method),
		int32(payment.Provider),
		string(payment.Status),
		nullableNonEmpty(payment.ProviderReference),
		nullableStringValue(payment.FailureCode),
		nullableStringValue(payment.FailureReason),
		payment.StatusCallbackURL,
		metadataJSON,
		payment.CallbackDeliveryStatus,
		payment.CallbackDeliveryAttempts,
		nullableTimeValue(payment.CallbackDeliveryNextAt),
		nullableStringValue(payment.CallbackDeliveryLastErr),
		payment.CreatedAt.UTC(),
		payment.UpdatedAt.UTC(),
		nullableTimeValue(payment.ProcessedAt),
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrPaymentAlreadyExists
		}
		return err
	}
	return nil
}

// TransitionStatus moves payment from its current status to target with a compare-and-set on the
// stored status. On success payment is updated in place.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, payment *entity.Payment, target entity.Status, details TransitionDetails, now time.Time) error {
	if !payment.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}

	updatedAt := entity.NextUpdatedAt(payment.UpdatedAt, now)
	sets := []string{
		"status = ?",
		"updated_at = ?",
		"active_order_id = CASE WHEN ? = 1 THEN NULL ELSE active_order_id END",
		"processed_at = CASE WHEN ? = 1 AND processed_at IS NULL THEN ? ELSE processed_at END",
	}
	args := []interface{}{
		string(target),
		updatedAt,
		boolFlag(target.IsTerminal()),
		boolFlag(target == entity.StatusCompleted),
		updatedAt,
	}
	if target == entity.StatusFailed {
		sets = append(sets, "failure_code = ?", "failure_reason = ?")
		args = append(args, nullableStringValue(details.FailureCode), nullableStringValue(details.FailureReason))
	}
	args = append(args, payment.ID, string(payment.Status))

	query := "UPDATE payments SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if err := r.checkAffected(ctx, result, payment.ID); err != nil {
		return err
	}

	payment.Status = target
	payment.UpdatedAt = updatedAt
	if target == entity.StatusCompleted && payment.ProcessedAt == nil {
		processedAt := updatedAt
		payment.ProcessedAt = &processedAt
	}
	if target == entity.StatusFailed {
		payment.FailureCode = details.FailureCode
		payment.FailureReason = details.FailureReason
	}
	return nil
}

// appendRefund moves total_refunded with a compare-and-set on (status, total_refunded) and inserts
// the refund row. Must run inside a transaction.
func (r *PaymentRepository) appendRefund(ctx context.Context, payment *entity.Payment, refund *entity.Refund, now time.Time) error {
	if refund.Amount.Sign() <= 0 || refund.Amount.GreaterThan(payment.RemainingRefundable()) {
		return ErrRefundExceedsAmount
	}

	newTotal := payment.TotalRefunded.Add(refund.Amount)
	target := entity.StatusPartiallyRefunded
	if newTotal.Equal(payment.Amount) {
		target = entity.StatusRefunded
	}
	if target != payment.Status && !payment.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}

	expectedMinor, err := entity.ToMinor(payment.TotalRefunded, payment.Currency)
	if err != nil {
		return err
	}
	newMinor, err := entity.ToMinor(newTotal, payment.Currency)
	if err != nil {
		return err
	}
	refundMinor, err := entity.ToMinor(refund.Amount, payment.Currency)
	if err != nil {
		return err
	}

	updatedAt := entity.NextUpdatedAt(payment.UpdatedAt, now)
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments SET
			status = ?,
			total_refunded_minor = ?,
			updated_at = ?,
			active_order_id = CASE WHEN ? = 1 THEN NULL ELSE active_order_id END
		WHERE id = ? AND status = ? AND total_refunded_minor = ?
	`,
		string(target),
		newMinor,
		updatedAt,
		boolFlag(target.IsTerminal()),
		payment.ID,
		string(payment.Status),
		expectedMinor,
	)
	if err != nil {
		return err
	}
	if err := r.checkAffected(ctx, result, payment.ID); err != nil {
		return err
	}

	refund.PaymentID = payment.ID
	refund.CreatedAt = updatedAt
	refund.UpdatedAt = updatedAt
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO refunds (
			id, payment_id, amount_minor, reason, status, provider_refund_reference, created_at, updated_at, processed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		refund.ID,
		refund.PaymentID,
		refundMinor,
		string(refund.Reason),
		string(refund.Status),
		nullableStringValue(refund.ProviderRefundReference),
		refund.CreatedAt,
		refund.UpdatedAt,
		nullableTimeValue(refund.ProcessedAt),
	); err != nil {
		return err
	}

	payment.Status = target
	payment.TotalRefunded = newTotal
	payment.UpdatedAt = updatedAt
	payment.Refunds = append(payment.Refunds, refund)
	return nil
}

func (r *PaymentRepository) checkAffected(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, "SELECT status FROM payments WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPaymentNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleTransition
}

// UpdateCallbackDelivery persists only the status callback delivery fields.
func (r *PaymentRepository) UpdateCallbackDelivery(ctx context.Context, payment *entity.Payment) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments SET
			callback_delivery_status = ?,
			callback_delivery_attempts = ?,
			callback_delivery_next_at = ?,
			callback_delivery_last_error = ?
		WHERE id = ?
	`,
		payment.CallbackDeliveryStatus,
		payment.CallbackDeliveryAttempts,
		nullableTimeValue(payment.CallbackDeliveryNextAt),
		nullableStringValue(payment.CallbackDeliveryLastErr),
		payment.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*entity.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE id = ?"
	return r.findOne(ctx, query, id)
}

// FindByOrderID returns the most recent payment created for orderID.
func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*entity.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE order_id = ? ORDER BY created_at DESC LIMIT 1"
	return r.findOne(ctx, query, orderID)
}

func (r *PaymentRepository) FindActiveByOrderID(ctx context.Context, orderID string) (*entity.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE active_order_id = ? LIMIT 1"
	return r.findOne(ctx, query, orderID)
}

func (r *PaymentRepository) FindByProviderReference(ctx context.Context, provider entity.Provider, reference string) (*entity.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments WHERE provider = ? AND provider_reference = ? LIMIT 1"
	return r.findOne(ctx, query, int32(provider), reference)
}

func (r *PaymentRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Payment, error) {
	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, args...), payment); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	if err := r.loadChildren(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (r *PaymentRepository) loadChildren(ctx context.Context, payment *entity.Payment) error {
	refunds, err := r.ListRefunds(ctx, payment.ID)
	if err != nil {
		return err
	}
	payment.Refunds = refunds

	rows, err := r.db.QueryContext(ctx, "SELECT event_id FROM payment_webhook_events WHERE payment_id = ? ORDER BY id ASC", payment.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	payment.WebhookEventIDs = make([]string, 0)
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return err
		}
		payment.WebhookEventIDs = append(payment.WebhookEventIDs, eventID)
	}
	return rows.Err()
}

func (r *PaymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*entity.Payment, error) {
	query := "SELECT " + paymentColumns + " FROM payments"

	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)

	if strings.TrimSpace(filter.OrderID) != "" {
		conditions = append(conditions, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.HasStatus {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Provider != entity.ProviderUnspecified {
		conditions = append(conditions, "provider = ?")
		args = append(args, int32(filter.Provider))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.queryPayments(ctx, query, args...)
}

func (r *PaymentRepository) ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Payment, error) {
	query := "SELECT " + paymentColumns + ` FROM payments
		WHERE callback_delivery_status = ?
		  AND callback_delivery_next_at IS NOT NULL
		  AND callback_delivery_next_at <= ?
		ORDER BY callback_delivery_next_at ASC
		LIMIT ?`

	return r.queryPayments(ctx, query, entity.CallbackDeliveryPending, now.UTC(), limit)
}

// ListForReconcile returns in-flight payments with a gateway handle that have not moved since before.
func (r *PaymentRepository) ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error) {
	query := "SELECT " + paymentColumns + ` FROM payments
		WHERE status IN (?, ?)
		  AND provider_reference IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`

	return r.queryPayments(ctx, query, string(entity.StatusPending), string(entity.StatusProcessing), before.UTC(), limit)
}

func (r *PaymentRepository) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*entity.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	payments := make([]*entity.Payment, 0)
	for rows.Next() {
		item := &entity.Payment{}
		if err := scanPayment(rows, item); err != nil {
			rows.Close()
			return nil, err
		}
		payments = append(payments, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, item := range payments {
		if err := r.loadChildren(ctx, item); err != nil {
			return nil, err
		}
	}
	return payments, nil
}

func scanPayment(scan rowScanner, payment *entity.Payment) error {
	var customerRef sql.NullString
	var amountMinor, refundedMinor int64
	var method, status string
	var provider int32
	var providerReference sql.NullString
	var failureCode, failureReason sql.NullString
	var metadataJSON string
	var callbackNextAt sql.NullTime
	var callbackLastErr sql.NullString
	var processedAt sql.NullTime

	err := scan.Scan(
		&payment.ID,
		&payment.OrderID,
		&customerRef,
		&amountMinor,
		&refundedMinor,
		&payment.Currency,
		&method,
		&provider,
		&status,
		&providerReference,
		&failureCode,
		&failureReason,
		&payment.StatusCallbackURL,
		&metadataJSON,
		&payment.CallbackDeliveryStatus,
		&payment.CallbackDeliveryAttempts,
		&callbackNextAt,
		&callbackLastErr,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&processedAt,
	)
	if err != nil {
		return err
	}

	payment.CustomerRef = stringPtrFromNull(customerRef)
	payment.Amount = entity.FromMinor(amountMinor, payment.Currency)
	payment.TotalRefunded = entity.FromMinor(refundedMinor, payment.Currency)
	payment.Method = entity.Method(method)
	payment.Provider = entity.Provider(provider)
	payment.Status = entity.Status(status)
	payment.ProviderReference = providerReference.String
	payment.FailureCode = stringPtrFromNull(failureCode)
	payment.FailureReason = stringPtrFromNull(failureReason)
	payment.CallbackDeliveryNextAt = timePtrFromNull(callbackNextAt)
	payment.CallbackDeliveryLastErr = stringPtrFromNull(callbackLastErr)
	payment.CreatedAt = payment.CreatedAt.UTC()
	payment.UpdatedAt = payment.UpdatedAt.UTC()
	payment.ProcessedAt = timePtrFromNull(processedAt)

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	payment.Metadata = metadata

	return nil
}
