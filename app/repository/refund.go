package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

var (
	ErrRefundNotFound      = errors.New("refund not found")
	ErrRefundAlreadyFinal  = errors.New("refund is no longer pending")
	ErrRefundStatusInvalid = errors.New("refund can only move from pending to succeeded or failed")
)

const refundColumns = `r.id, r.payment_id, r.amount_minor, r.reason, r.status, r.provider_refund_reference,
	r.created_at, r.updated_at, r.processed_at, p.currency`

func (r *PaymentRepository) ListRefunds(ctx context.Context, paymentID string) ([]*entity.Refund, error) {
	query := "SELECT " + refundColumns + ` FROM refunds r JOIN payments p ON p.id = r.payment_id
		WHERE r.payment_id = ?
		ORDER BY r.created_at ASC, r.id ASC`

	return r.queryRefunds(ctx, query, paymentID)
}

func (r *PaymentRepository) FindRefundByID(ctx context.Context, id string) (*entity.Refund, error) {
	query := "SELECT " + refundColumns + " FROM refunds r JOIN payments p ON p.id = r.payment_id WHERE r.id = ?"
	return r.findRefund(ctx, query, id)
}

func (r *PaymentRepository) FindRefundByProviderReference(ctx context.Context, paymentID, reference string) (*entity.Refund, error) {
	query := "SELECT " + refundColumns + ` FROM refunds r JOIN payments p ON p.id = r.payment_id
		WHERE r.payment_id = ? AND r.provider_refund_reference = ?
		LIMIT 1`
	return r.findRefund(ctx, query, paymentID, reference)
}

// ListStuckRefunds returns refunds still pending that were created at or before olderThan.
func (r *PaymentRepository) ListStuckRefunds(ctx context.Context, olderThan time.Time, limit int32) ([]*entity.Refund, error) {
	query := "SELECT " + refundColumns + ` FROM refunds r JOIN payments p ON p.id = r.payment_id
		WHERE r.status = ? AND r.created_at <= ?
		ORDER BY r.created_at ASC
		LIMIT ?`

	return r.queryRefunds(ctx, query, string(entity.RefundStatusPending), olderThan.UTC(), limit)
}

// UpdateRefundStatus corroborates a pending refund. The update is a compare-and-set on status pending.
func (r *PaymentRepository) UpdateRefundStatus(ctx context.Context, refund *entity.Refund, target entity.RefundStatus, providerReference *string, now time.Time) error {
	if !target.IsFinal() {
		return ErrRefundStatusInvalid
	}

	at := entity.NextUpdatedAt(refund.UpdatedAt, now)
	result, err := r.db.ExecContext(ctx, `
		UPDATE refunds SET
			status = ?,
			provider_refund_reference = COALESCE(provider_refund_reference, ?),
			updated_at = ?,
			processed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(target),
		nullableStringValue(providerReference),
		at,
		at,
		refund.ID,
		string(entity.RefundStatusPending),
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current, err := r.FindRefundByID(ctx, refund.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrRefundNotFound
		}
		return ErrRefundAlreadyFinal
	}

	refund.Status = target
	refund.UpdatedAt = at
	refund.ProcessedAt = &at
	if refund.ProviderRefundReference == nil && providerReference != nil {
		ref := *providerReference
		refund.ProviderRefundReference = &ref
	}
	return nil
}

func (r *PaymentRepository) findRefund(ctx context.Context, query string, args ...interface{}) (*entity.Refund, error) {
	refund, err := scanRefund(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return refund, nil
}

func (r *PaymentRepository) queryRefunds(ctx context.Context, query string, args ...interface{}) ([]*entity.Refund, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]*entity.Refund, 0)
	for rows.Next() {
		item, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func scanRefund(scan rowScanner) (*entity.Refund, error) {
	refund := &entity.Refund{}
	var amountMinor int64
	var reason, status, currency string
	var providerReference sql.NullString
	var processedAt sql.NullTime

	if err := scan.Scan(
		&refund.ID,
		&refund.PaymentID,
		&amountMinor,
		&reason,
		&status,
		&providerReference,
		&refund.CreatedAt,
		&refund.UpdatedAt,
		&processedAt,
		&currency,
	); err != nil {
		return nil, err
	}

	refund.Amount = entity.FromMinor(amountMinor, currency)
	refund.Currency = currency
	refund.Reason = entity.RefundReason(reason)
	refund.Status = entity.RefundStatus(status)
	refund.ProviderRefundReference = stringPtrFromNull(providerReference)
	refund.CreatedAt = refund.CreatedAt.UTC()
	refund.UpdatedAt = refund.UpdatedAt.UTC()
	refund.ProcessedAt = timePtrFromNull(processedAt)
	return refund, nil
}
