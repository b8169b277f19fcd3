package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/queue"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
)

const (
	webhookStaleRetries     = 3
	defaultOrphanBaseDelay  = 5 * time.Second
	defaultOrphanMaxDelay   = 10 * time.Minute
	defaultOrphanMaxAttempt = int32(8)
)

// WebhookResult is the acknowledged outcome of one inbound webhook delivery.
type WebhookResult struct {
	Outcome   entity.WebhookOutcome
	EventID   string
	PaymentID string
	Status    entity.Status
}

// HandleWebhook verifies, deduplicates and applies one gateway webhook delivery.
func (s *PaymentService) HandleWebhook(ctx context.Context, providerRaw string, headers http.Header, body []byte) (*WebhookResult, error) {
	code, ok := entity.ParseProvider(providerRaw)
	if !ok {
		return nil, ErrProviderUnsupported
	}
	gateway, err := s.providerReg.Get(code)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	now := s.now()
	callback := &entity.PaymentCallback{
		Provider:    code,
		Signature:   truncate(strings.TrimSpace(headers.Get(gateway.SignatureHeader())), 1024),
		PayloadJSON: string(body),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	logger := s.logger.WithField("provider", code.String())

	if !gateway.VerifySignature(headers, body) {
		logger.Warn("webhook signature verification failed")
		s.rejectCallback(ctx, callback, "signature verification failed")
		s.metrics.WebhookOutcome(code.String(), "rejected")
		return nil, ErrSignatureInvalid
	}

	event, err := gateway.ParseWebhook(body)
	if err != nil {
		logger.WithError(err).Warn("webhook payload could not be parsed")
		s.rejectCallback(ctx, callback, fmt.Sprintf("payload could not be parsed: %v", err))
		s.metrics.WebhookOutcome(code.String(), "rejected")
		return nil, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
	}

	return s.processWebhookEvent(ctx, gateway, event, callback)
}

// processWebhookEvent runs the deduplication, resolution and application steps for a verified event.
// callback is created when new and updated when it is a replayed orphan.
func (s *PaymentService) processWebhookEvent(
	ctx context.Context,
	gateway provider.Gateway,
	event *provider.WebhookEvent,
	callback *entity.PaymentCallback,
) (*WebhookResult, error) {
	code := gateway.Code()
	eventID := event.EventID
	callback.ProviderEventID = &eventID
	logger := s.logger.WithFields(logrus.Fields{
		"provider":   code.String(),
		"event_id":   event.EventID,
		"event_type": event.EventType,
	})

	for attempt := 0; ; attempt++ {
		seen, err := s.store.WebhookEvents.Find(ctx, code, event.EventID)
		if err != nil {
			return nil, err
		}
		if seen != nil {
			return s.finishDuplicate(ctx, callback, seen.PaymentID), nil
		}

		payment, err := s.resolvePayment(ctx, code, event)
		if err != nil {
			return nil, err
		}
		if event.Kind != provider.EventKindIgnored && payment == nil {
			return s.orphan(ctx, callback, event, logger), nil
		}

		var refund *entity.Refund
		if event.Kind == provider.EventKindRefund {
			refund, err = s.resolveRefund(ctx, payment, event)
			if err != nil {
				return nil, err
			}
			if refund == nil {
				return s.orphan(ctx, callback, event, logger), nil
			}
		}

		result, applied, err := s.applyWebhookEvent(ctx, gateway, event, payment, refund)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrDuplicateWebhookEvent):
			return s.finishDuplicate(ctx, callback, paymentIDOf(payment)), nil
		case (errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrRefundAlreadyFinal)) && attempt < webhookStaleRetries:
			logger.WithError(err).Debug("webhook lost a compare-and-set race, re-reading payment")
			continue
		default:
			return nil, err
		}

		s.afterTransition(ctx, payment, applied...)

		callback.PaymentID = optionalID(result.PaymentID)
		callback.Status = entity.CallbackStatusProcessed
		callback.Error = nil
		s.saveCallback(ctx, callback)
		s.metrics.WebhookOutcome(code.String(), string(result.Outcome))

		entry := logger.WithFields(logrus.Fields{
			"payment_id": result.PaymentID,
			"outcome":    result.Outcome,
			"status":     result.Status,
		})
		if result.Outcome == entity.WebhookOutcomeConflict {
			entry.Warn("webhook conflicts with stored payment status; recorded without applying")
		} else {
			entry.Info("webhook processed")
		}
		return result, nil
	}
}

// applyWebhookEvent applies the mapped transition and records the event id in one transaction.
// It returns every applied step in order.
func (s *PaymentService) applyWebhookEvent(
	ctx context.Context,
	gateway provider.Gateway,
	event *provider.WebhookEvent,
	payment *entity.Payment,
	refund *entity.Refund,
) (*WebhookResult, []statusStep, error) {
	now := s.now()
	eventID := event.EventID
	result := &WebhookResult{EventID: event.EventID, PaymentID: paymentIDOf(payment)}
	record := &entity.WebhookEvent{
		Provider:  gateway.Code(),
		EventID:   event.EventID,
		PaymentID: paymentIDOf(payment),
		EventType: event.EventType,
		CreatedAt: now,
	}

	var applied []statusStep
	err := s.store.WithinTx(ctx, func(tx *repository.Store) error {
		applied = applied[:0]

		switch event.Kind {
		case provider.EventKindPayment:
			target, ok := gateway.MapStatus(event.Status)
			if !ok {
				result.Outcome = entity.WebhookOutcomeIgnored
				break
			}
			record.MappedStatus = &target

			outcome, steps, err := s.applyPaymentStatus(ctx, tx, payment, target, event, &eventID)
			if err != nil {
				return err
			}
			result.Outcome = outcome
			applied = steps

		case provider.EventKindRefund:
			outcome, err := s.applyRefundStatus(ctx, tx, payment, refund, event, &eventID)
			if err != nil {
				return err
			}
			result.Outcome = outcome

		default:
			result.Outcome = entity.WebhookOutcomeIgnored
		}

		record.Outcome = result.Outcome
		return tx.WebhookEvents.Record(ctx, record)
	})
	if err != nil {
		return nil, nil, err
	}

	if payment != nil {
		result.Status = payment.Status
		payment.WebhookEventIDs = append(payment.WebhookEventIDs, event.EventID)
	}
	return result, applied, nil
}

func (s *PaymentService) applyPaymentStatus(
	ctx context.Context,
	tx *repository.Store,
	payment *entity.Payment,
	target entity.Status,
	event *provider.WebhookEvent,
	eventID *string,
) (entity.WebhookOutcome, []statusStep, error) {
	if payment.Status == target || reachedBeyond(payment.Status, target) {
		return entity.WebhookOutcomeNoop, nil, nil
	}

	path, ok := entity.TransitionPath(payment.Status, target)
	if !ok {
		s.recordEvent(ctx, tx, payment, payment.Status, entity.PaymentEventWebhookConflict, eventID,
			fmt.Sprintf("%s reported %s while payment is %s", event.EventType, target, payment.Status))
		return entity.WebhookOutcomeConflict, nil, nil
	}

	details := repository.TransitionDetails{
		FailureCode:   normalizeOptionalString(event.FailureCode),
		FailureReason: normalizeOptionalString(truncate(event.FailureReason, 1024)),
	}
	steps := make([]statusStep, 0, len(path))
	for _, step := range path {
		previous := payment.Status
		if err := tx.Payments.TransitionStatus(ctx, payment, step, details, s.now()); err != nil {
			return "", nil, err
		}
		s.recordEvent(ctx, tx, payment, previous, entity.PaymentEventWebhookApplied, eventID, event.EventType)
		steps = append(steps, statusStep{From: previous, To: step})
	}
	return entity.WebhookOutcomeApplied, steps, nil
}

// applyRefundStatus corroborates a pending refund. The refunded total is never reversed here.
func (s *PaymentService) applyRefundStatus(
	ctx context.Context,
	tx *repository.Store,
	payment *entity.Payment,
	refund *entity.Refund,
	event *provider.WebhookEvent,
	eventID *string,
) (entity.WebhookOutcome, error) {
	if !event.RefundStatus.IsFinal() || refund.Status == event.RefundStatus {
		return entity.WebhookOutcomeNoop, nil
	}
	if refund.Status.IsFinal() {
		s.recordEvent(ctx, tx, payment, payment.Status, entity.PaymentEventWebhookConflict, eventID,
			fmt.Sprintf("refund %s reported %s while recorded %s", refund.ID, event.RefundStatus, refund.Status))
		return entity.WebhookOutcomeConflict, nil
	}

	if err := tx.Payments.UpdateRefundStatus(ctx, refund, event.RefundStatus, normalizeOptionalString(event.RefundReference), s.now()); err != nil {
		return "", err
	}
	s.recordEvent(ctx, tx, payment, payment.Status, entity.PaymentEventRefundUpdated, eventID,
		fmt.Sprintf("refund %s %s", refund.ID, refund.Status))

	if refund.Status == entity.RefundStatusFailed {
		s.logger.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"refund_id":  refund.ID,
			"amount":     refund.Amount.String(),
		}).Error("gateway reported refund failed; refunded total left unchanged for operator review")
	}
	return entity.WebhookOutcomeApplied, nil
}

func (s *PaymentService) resolvePayment(ctx context.Context, code entity.Provider, event *provider.WebhookEvent) (*entity.Payment, error) {
	reference := strings.TrimSpace(event.PaymentReference)
	if reference == "" {
		return nil, nil
	}
	return s.store.Payments.FindByProviderReference(ctx, code, reference)
}

func (s *PaymentService) resolveRefund(ctx context.Context, payment *entity.Payment, event *provider.WebhookEvent) (*entity.Refund, error) {
	if reference := strings.TrimSpace(event.RefundReference); reference != "" {
		refund, err := s.store.Payments.FindRefundByProviderReference(ctx, payment.ID, reference)
		if err != nil || refund != nil {
			return refund, err
		}
	}
	if key := strings.TrimSpace(event.RefundKey); key != "" {
		refund, err := s.store.Payments.FindRefundByID(ctx, key)
		if err != nil {
			return nil, err
		}
		if refund != nil && refund.PaymentID == payment.ID {
			return refund, nil
		}
	}
	return nil, nil
}

// orphan persists an event whose payment or refund is not in the ledger yet and schedules an internal replay.
func (s *PaymentService) orphan(
	ctx context.Context,
	callback *entity.PaymentCallback,
	event *provider.WebhookEvent,
	logger logrus.FieldLogger,
) *WebhookResult {
	at := s.now().Add(s.orphanDelay(callback.Attempts + 1))
	callback.Status = entity.CallbackStatusOrphaned
	callback.NextAttemptAt = &at
	s.saveCallback(ctx, callback)

	if callback.ID > 0 {
		if err := s.orphans.Enqueue(ctx, callback.ID, at); err != nil {
			logger.WithError(err).WithField("callback_id", callback.ID).Error("orphaned webhook could not be queued for replay")
		}
	}

	s.metrics.WebhookOutcome(callback.Provider.String(), string(entity.WebhookOutcomeOrphaned))
	logger.WithFields(logrus.Fields{
		"payment_reference": event.PaymentReference,
		"refund_reference":  event.RefundReference,
		"attempts":          callback.Attempts,
	}).Warn("orphaned webhook event queued for replay")

	return &WebhookResult{Outcome: entity.WebhookOutcomeOrphaned, EventID: event.EventID}
}

func (s *PaymentService) finishDuplicate(ctx context.Context, callback *entity.PaymentCallback, paymentID string) *WebhookResult {
	callback.Status = entity.CallbackStatusDuplicate
	callback.PaymentID = optionalID(paymentID)
	callback.Error = nil
	s.saveCallback(ctx, callback)
	s.metrics.WebhookOutcome(callback.Provider.String(), string(entity.WebhookOutcomeDuplicate))

	result := &WebhookResult{Outcome: entity.WebhookOutcomeDuplicate, PaymentID: paymentID}
	if callback.ProviderEventID != nil {
		result.EventID = *callback.ProviderEventID
	}
	return result
}

func (s *PaymentService) rejectCallback(ctx context.Context, callback *entity.PaymentCallback, reason string) {
	reason = truncate(strings.TrimSpace(reason), 1024)
	callback.Status = entity.CallbackStatusRejected
	callback.Error = &reason
	s.saveCallback(ctx, callback)
}

func (s *PaymentService) saveCallback(ctx context.Context, callback *entity.PaymentCallback) {
	callback.UpdatedAt = s.now()
	if callback.Status != entity.CallbackStatusOrphaned {
		callback.NextAttemptAt = nil
	}
	var err error
	if callback.ID == 0 {
		err = s.store.Callbacks.Create(ctx, callback)
	} else {
		err = s.store.Callbacks.UpdateOutcome(ctx, callback)
	}
	if err != nil {
		s.logger.WithError(err).WithField("provider", callback.Provider.String()).Error("failed to persist webhook callback record")
	}
}

func (s *PaymentService) orphanDelay(attempt int32) time.Duration {
	base := s.paymentsCfg.OrphanBaseDelay
	if base <= 0 {
		base = defaultOrphanBaseDelay
	}
	maxDelay := s.paymentsCfg.OrphanMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultOrphanMaxDelay
	}
	return queue.Backoff(attempt, base, maxDelay)
}

func paymentIDOf(payment *entity.Payment) string {
	if payment == nil {
		return ""
	}
	return payment.ID
}

func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
