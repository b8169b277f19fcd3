package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
)

const (
	defaultReconcileStaleAfter = 15 * time.Minute
	defaultStuckRefundAfter    = time.Hour
)

// RunReconcileBatch re-queries the gateway for in-flight payments that have not moved recently.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	staleAfter := s.paymentsCfg.ReconcileStaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultReconcileStaleAfter
	}
	before := s.now().Add(-staleAfter)
	items, err := s.store.Payments.ListForReconcile(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil || strings.TrimSpace(payment.ProviderReference) == "" {
			continue
		}

		gateway, err := s.providerReg.Get(payment.Provider)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		status, err := s.queryStatus(ctx, gateway, payment)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		if err := s.applyGatewayStatus(ctx, gateway, payment, status, entity.PaymentEventReconciled); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *PaymentService) RunDispatchCallbacksBatch(ctx context.Context) error {
	now := s.now()
	items, err := s.store.Payments.ListDueCallbackDispatch(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil {
			continue
		}
		if err := s.dispatchCallback(ctx, payment, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunRefundRecheckBatch asks the gateway about refunds pending beyond the threshold, records what it
// confirms and reports the rest as stuck.
func (s *PaymentService) RunRefundRecheckBatch(ctx context.Context) error {
	refunds, err := s.StuckRefunds(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	stuck := 0
	for _, refund := range refunds {
		resolved, err := s.recheckRefund(ctx, refund)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
		if !resolved {
			stuck++
			s.logger.WithFields(logrus.Fields{
				"payment_id": refund.PaymentID,
				"refund_id":  refund.ID,
				"amount":     refund.Amount.String(),
				"created_at": refund.CreatedAt.Format(time.RFC3339),
			}).Warn("refund still pending without gateway corroboration")
		}
	}

	s.metrics.SetStuckRefunds(stuck)
	return firstErr
}

// StuckRefunds lists refunds still pending beyond the configured threshold.
func (s *PaymentService) StuckRefunds(ctx context.Context) ([]*entity.Refund, error) {
	after := s.paymentsCfg.StuckRefundAfter
	if after <= 0 {
		after = defaultStuckRefundAfter
	}
	return s.store.Payments.ListStuckRefunds(ctx, s.now().Add(-after), s.batchSize())
}

func (s *PaymentService) recheckRefund(ctx context.Context, refund *entity.Refund) (bool, error) {
	payment, err := s.store.Payments.FindByID(ctx, refund.PaymentID)
	if err != nil {
		return false, err
	}
	if payment == nil {
		return false, ErrPaymentNotFound
	}

	gateway, err := s.providerReg.Get(payment.Provider)
	if err != nil {
		return false, err
	}

	callCtx, cancel := s.gatewayContext(ctx)
	started := time.Now()
	found, err := gateway.LookupRefund(callCtx, payment.ProviderReference, refund.ID)
	cancel()
	s.observeGateway(gateway, "lookup_refund", err, started)
	if err != nil {
		return false, err
	}
	if found == nil || !found.Status.IsFinal() {
		return false, nil
	}

	if err := s.store.Payments.UpdateRefundStatus(ctx, refund, found.Status, normalizeOptionalString(found.Reference), s.now()); err != nil {
		if errors.Is(err, repository.ErrRefundAlreadyFinal) {
			return true, nil
		}
		return false, err
	}

	s.recordEvent(ctx, s.store, payment, payment.Status, entity.PaymentEventRefundUpdated, nil,
		fmt.Sprintf("refund %s %s", refund.ID, refund.Status))
	if refund.Status == entity.RefundStatusFailed {
		s.logger.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"refund_id":  refund.ID,
			"amount":     refund.Amount.String(),
		}).Error("gateway reported refund failed; refunded total left unchanged for operator review")
	}
	return true, nil
}

// RunOrphanRetryBatch replays orphaned webhook events whose delay has elapsed.
// The ledger holds the replay schedule; the orphan queue only surfaces due entries sooner.
func (s *PaymentService) RunOrphanRetryBatch(ctx context.Context) error {
	now := s.now()
	queued, err := s.orphans.Claim(ctx, now, int64(s.batchSize()))
	if err != nil {
		s.logger.WithError(err).Warn("orphan queue unavailable; replaying from the ledger schedule")
		queued = nil
	}
	due, err := s.store.Callbacks.ListDueOrphans(ctx, now, int(s.batchSize()))
	if err != nil {
		return err
	}

	ids := make([]uint64, 0, len(queued)+len(due))
	seen := make(map[uint64]struct{}, len(queued)+len(due))
	for _, id := range append(queued, due...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	var firstErr error
	for _, id := range ids {
		if err := s.retryOrphan(ctx, id); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			if qerr := s.orphans.Enqueue(ctx, id, s.now().Add(s.orphanDelay(1))); qerr != nil {
				s.logger.WithError(qerr).WithField("callback_id", id).Error("orphaned webhook could not be re-queued")
			}
		}
	}

	return firstErr
}

func (s *PaymentService) retryOrphan(ctx context.Context, id uint64) error {
	callback, err := s.store.Callbacks.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if callback == nil || callback.Status != entity.CallbackStatusOrphaned {
		return nil
	}
	if callback.NextAttemptAt != nil && callback.NextAttemptAt.After(s.now()) {
		return nil
	}

	gateway, err := s.providerReg.Get(callback.Provider)
	if err != nil {
		return err
	}

	maxAttempts := s.paymentsCfg.OrphanMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultOrphanMaxAttempt
	}
	if callback.Attempts+1 <= maxAttempts {
		nextAt := s.now().Add(s.orphanDelay(callback.Attempts + 2))
		claimed, err := s.store.Callbacks.ClaimReplay(ctx, callback.ID, callback.Attempts, nextAt, s.now())
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		callback.NextAttemptAt = &nextAt
	}
	callback.Attempts++
	if callback.Attempts > maxAttempts {
		reason := "payment never appeared in the ledger"
		callback.Status = entity.CallbackStatusOrphanExpired
		callback.Error = &reason
		s.saveCallback(ctx, callback)
		s.logger.WithFields(logrus.Fields{
			"callback_id": callback.ID,
			"provider":    callback.Provider.String(),
			"event_id":    derefString(callback.ProviderEventID),
			"attempts":    callback.Attempts - 1,
		}).Error("orphaned webhook expired without a matching payment")
		return nil
	}

	event, err := gateway.ParseWebhook([]byte(callback.PayloadJSON))
	if err != nil {
		s.rejectCallback(ctx, callback, fmt.Sprintf("payload could not be parsed: %v", err))
		return nil
	}

	_, err = s.processWebhookEvent(ctx, gateway, event, callback)
	return err
}

func (s *PaymentService) dispatchCallback(ctx context.Context, payment *entity.Payment, now time.Time) error {
	if strings.TrimSpace(payment.StatusCallbackURL) == "" {
		errMsg := "status_callback_url is empty"
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		payment.CallbackDeliveryNextAt = nil
		payment.CallbackDeliveryLastErr = &errMsg
		return s.store.Payments.UpdateCallbackDelivery(ctx, payment)
	}

	payload := &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(payment)}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payment.StatusCallbackURL, bytes.NewReader(body))
	if err != nil {
		return s.recordDispatchFailure(ctx, payment, now, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", payment.ID)
	if s.appAPIKey != "" {
		req.Header.Set("X-API-Key", s.appAPIKey)
	}

	resp, err := s.callbackHTTP.Do(req)
	if err != nil {
		return s.recordDispatchFailure(ctx, payment, now, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.recordDispatchFailure(ctx, payment, now, fmt.Errorf("callback endpoint returned status=%d", resp.StatusCode))
	}

	payment.CallbackDeliveryStatus = entity.CallbackDeliverySuccess
	payment.CallbackDeliveryNextAt = nil
	payment.CallbackDeliveryLastErr = nil

	if err := s.store.Payments.UpdateCallbackDelivery(ctx, payment); err != nil {
		return err
	}

	s.recordEvent(ctx, s.store, payment, payment.Status, entity.PaymentEventCallbackSent, nil, "")
	return nil
}

func (s *PaymentService) recordDispatchFailure(ctx context.Context, payment *entity.Payment, now time.Time, dispatchErr error) error {
	payment.CallbackDeliveryAttempts++
	trimmed := truncate(dispatchErr.Error(), 1024)
	payment.CallbackDeliveryLastErr = &trimmed

	maxAttempts := s.paymentsCfg.CallbackMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if payment.CallbackDeliveryAttempts >= maxAttempts {
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		payment.CallbackDeliveryNextAt = nil
	} else {
		retryInterval := s.paymentsCfg.CallbackRetryInterval
		if retryInterval <= 0 {
			retryInterval = 5 * time.Minute
		}
		next := now.Add(retryInterval)
		payment.CallbackDeliveryStatus = entity.CallbackDeliveryPending
		payment.CallbackDeliveryNextAt = &next
	}

	if err := s.store.Payments.UpdateCallbackDelivery(ctx, payment); err != nil {
		return err
	}

	s.recordEvent(ctx, s.store, payment, payment.Status, entity.PaymentEventCallbackFailed, nil, trimmed)
	return dispatchErr
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
