package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
)

func TestWebhookWalksPendingPaymentToCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.createPayment(t, usd("order-hook", "40"))

	body := webhookBody(t, fakeWebhook{ID: "evt_1", Type: "payment.succeeded", Kind: "payment", Reference: payment.ProviderReference, Status: "succeeded"})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeApplied, result.Outcome)
	assert.Equal(t, payment.ID, result.PaymentID)
	assert.Equal(t, entity.StatusCompleted, result.Status)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusCompleted, stored.Status)
	assert.Equal(t, []string{"evt_1"}, stored.WebhookEventIDs)
	require.NotNil(t, stored.ProcessedAt)

	assert.Eventually(t, func() bool {
		return len(env.publisher.statusesFor(payment.ID)) == 2
	}, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"PENDING->PROCESSING", "PROCESSING->COMPLETED"}, env.publisher.statusesFor(payment.ID))
}

func TestDuplicateWebhookIsAcknowledgedWithoutReapplying(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.completedPayment(t, "order-dup", "40")

	body := webhookBody(t, fakeWebhook{ID: "evt_dup", Type: "payment.succeeded", Kind: "payment", Reference: payment.ProviderReference, Status: "succeeded"})

	first, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeNoop, first.Outcome)
	before := env.reload(t, payment.ID)

	second, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeDuplicate, second.Outcome)
	assert.Equal(t, payment.ID, second.PaymentID)

	after := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusCompleted, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, []string{"evt_dup"}, after.WebhookEventIDs)
}

func TestFailedWebhookAfterCompletedIsConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.completedPayment(t, "order-conflict", "40")

	body := webhookBody(t, fakeWebhook{ID: "evt_late_fail", Type: "payment.failed", Kind: "payment", Reference: payment.ProviderReference, Status: "failed", FailureCode: "expired_card"})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeConflict, result.Outcome)
	assert.Equal(t, entity.StatusCompleted, result.Status)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusCompleted, stored.Status)
	assert.Nil(t, stored.FailureCode)
	assert.Contains(t, stored.WebhookEventIDs, "evt_late_fail")

	events, err := env.store.Events.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	found := false
	for _, event := range events {
		if event.EventType == entity.PaymentEventWebhookConflict {
			found = true
			require.NotNil(t, event.ProviderEventID)
			assert.Equal(t, "evt_late_fail", *event.ProviderEventID)
		}
	}
	assert.True(t, found, "conflict must be recorded in the payment history")
}

func TestOutOfOrderWebhookIsNoop(t *testing.T) {
	env := newTestEnv(t)
	payment := env.completedPayment(t, "order-late-processing", "40")

	body := webhookBody(t, fakeWebhook{ID: "evt_processing", Type: "payment.processing", Kind: "payment", Reference: payment.ProviderReference, Status: "processing"})
	result, err := env.svc.HandleWebhook(context.Background(), "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeNoop, result.Outcome)
	assert.Equal(t, entity.StatusCompleted, env.reload(t, payment.ID).Status)
}

func TestWebhookFailureRecordsFailureDetails(t *testing.T) {
	env := newTestEnv(t)
	payment := env.createPayment(t, usd("order-hook-fail", "40"))

	body := webhookBody(t, fakeWebhook{
		ID:             "evt_fail",
		Type:           "payment.failed",
		Kind:           "payment",
		Reference:      payment.ProviderReference,
		Status:         "failed",
		FailureCode:    "do_not_honor",
		FailureMessage: "issuer declined",
	})
	result, err := env.svc.HandleWebhook(context.Background(), "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeApplied, result.Outcome)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureCode)
	assert.Equal(t, "do_not_honor", *stored.FailureCode)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "issuer declined", *stored.FailureReason)
}

func TestWebhookWithInvalidSignatureIsRejected(t *testing.T) {
	env := newTestEnv(t)
	payment := env.createPayment(t, usd("order-forged", "40"))

	body := webhookBody(t, fakeWebhook{ID: "evt_forged", Kind: "payment", Reference: payment.ProviderReference, Status: "succeeded"})
	headers := http.Header{}
	headers.Set(testSignatureHeader, "forged")

	_, err := env.svc.HandleWebhook(context.Background(), "card", headers, body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, entity.StatusPending, env.reload(t, payment.ID).Status)

	callback, err := env.store.Callbacks.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, callback)
	assert.Equal(t, entity.CallbackStatusRejected, callback.Status)
	assert.Equal(t, "forged", callback.Signature)
}

func TestWebhookMalformedAndUnsupported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.HandleWebhook(ctx, "card", signed(), []byte(`{"kind":`))
	assert.ErrorIs(t, err, ErrMalformedWebhook)

	_, err = env.svc.HandleWebhook(ctx, "paypal", signed(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrProviderUnsupported)
}

func TestIgnoredWebhookIsDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := webhookBody(t, fakeWebhook{ID: "evt_customer", Type: "customer.updated", Kind: "other"})
	first, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeIgnored, first.Outcome)

	second, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeDuplicate, second.Outcome)
}

func TestOrphanedWebhookIsReplayedOnceThePaymentExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.card.handle = "pi_early"

	body := webhookBody(t, fakeWebhook{ID: "evt_early", Type: "payment.succeeded", Kind: "payment", Reference: "pi_early", Status: "succeeded"})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeOrphaned, result.Outcome)
	assert.Equal(t, 1, env.orphans.Len())

	payment := env.createPayment(t, usd("order-early", "40"))
	require.Equal(t, "pi_early", payment.ProviderReference)

	env.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	require.NoError(t, env.svc.RunOrphanRetryBatch(ctx))
	assert.Zero(t, env.orphans.Len())

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusCompleted, stored.Status)
	assert.Equal(t, []string{"evt_early"}, stored.WebhookEventIDs)

	callback, err := env.store.Callbacks.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, callback)
	assert.Equal(t, entity.CallbackStatusProcessed, callback.Status)
	require.NotNil(t, callback.PaymentID)
	assert.Equal(t, payment.ID, *callback.PaymentID)
	assert.Equal(t, int32(1), callback.Attempts)
}

func TestOrphanedWebhookExpiresAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := webhookBody(t, fakeWebhook{ID: "evt_stray", Type: "payment.succeeded", Kind: "payment", Reference: "pi_unknown", Status: "succeeded"})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeOrphaned, result.Outcome)

	clock := time.Now().UTC()
	for i := 0; i < 4; i++ {
		clock = clock.Add(time.Hour)
		at := clock
		env.svc.now = func() time.Time { return at }
		require.NoError(t, env.svc.RunOrphanRetryBatch(ctx))
	}

	callback, err := env.store.Callbacks.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, callback)
	assert.Equal(t, entity.CallbackStatusOrphanExpired, callback.Status)
	assert.Zero(t, env.orphans.Len())
}

func TestOrphanReplayRunsFromAnotherProcessSharingTheLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.card.handle = "pi_restart"

	body := webhookBody(t, fakeWebhook{ID: "evt_restart", Type: "payment.succeeded", Kind: "payment", Reference: "pi_restart", Status: "succeeded"})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeOrphaned, result.Outcome)

	orphaned, err := env.store.Callbacks.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, orphaned)
	require.NotNil(t, orphaned.NextAttemptAt)

	payment := env.createPayment(t, usd("order-restart", "25"))
	require.Equal(t, "pi_restart", payment.ProviderReference)

	// A fresh process starts with an empty orphan queue and only the ledger to go on.
	worker := NewPaymentService(
		env.store,
		provider.NewRegistry(env.card, env.wallet),
		env.publisher,
		nil,
		env.metrics,
		testPaymentsConfig(),
		"payments-app-key",
	)
	worker.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }
	require.NoError(t, worker.RunOrphanRetryBatch(ctx))

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusCompleted, stored.Status)
	assert.Equal(t, []string{"evt_restart"}, stored.WebhookEventIDs)

	callback, err := env.store.Callbacks.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, callback)
	assert.Equal(t, entity.CallbackStatusProcessed, callback.Status)
	assert.Nil(t, callback.NextAttemptAt)
	assert.Equal(t, int32(1), callback.Attempts)
}

func TestOrphanReplayIsNotRunBeforeItsScheduledTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := webhookBody(t, fakeWebhook{ID: "evt_soon", Type: "payment.succeeded", Kind: "payment", Reference: "pi_soon", Status: "succeeded"})
	_, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)

	due, err := env.store.Callbacks.ListDueOrphans(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = env.store.Callbacks.ListDueOrphans(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, due)

	claimed, err := env.store.Callbacks.ClaimReplay(ctx, 1, 0, time.Now().UTC().Add(time.Hour), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = env.store.Callbacks.ClaimReplay(ctx, 1, 0, time.Now().UTC().Add(time.Hour), time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRefundWebhookCorroboratesPendingRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.completedPayment(t, "order-refund-hook", "40")

	refunded, err := env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("15")})
	require.NoError(t, err)
	require.Equal(t, entity.RefundStatusPending, refunded.Refund.Status)

	body := webhookBody(t, fakeWebhook{
		ID:           "evt_refund",
		Type:         "refund.updated",
		Kind:         "refund",
		Reference:    payment.ProviderReference,
		RefundKey:    refunded.Refund.ID,
		RefundRef:    "re_settled",
		RefundStatus: string(entity.RefundStatusSucceeded),
	})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeApplied, result.Outcome)

	refund, err := env.store.Payments.FindRefundByID(ctx, refunded.Refund.ID)
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.Equal(t, entity.RefundStatusSucceeded, refund.Status)
	require.NotNil(t, refund.ProcessedAt)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusPartiallyRefunded, stored.Status)
	assert.Equal(t, "15.00", stored.TotalRefunded.StringFixed(2))

	reversal := webhookBody(t, fakeWebhook{
		ID:           "evt_refund_failed",
		Type:         "refund.failed",
		Kind:         "refund",
		Reference:    payment.ProviderReference,
		RefundKey:    refunded.Refund.ID,
		RefundStatus: string(entity.RefundStatusFailed),
	})
	result, err = env.svc.HandleWebhook(ctx, "card", signed(), reversal)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeConflict, result.Outcome)
}

func TestFailedRefundWebhookKeepsRefundedTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.completedPayment(t, "order-refund-fail-hook", "40")

	refunded, err := env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("10")})
	require.NoError(t, err)

	body := webhookBody(t, fakeWebhook{
		ID:           "evt_refund_fail",
		Type:         "refund.failed",
		Kind:         "refund",
		Reference:    payment.ProviderReference,
		RefundKey:    refunded.Refund.ID,
		RefundStatus: string(entity.RefundStatusFailed),
	})
	result, err := env.svc.HandleWebhook(ctx, "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeApplied, result.Outcome)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, "10.00", stored.TotalRefunded.StringFixed(2))
	require.Len(t, stored.Refunds, 1)
	assert.Equal(t, entity.RefundStatusFailed, stored.Refunds[0].Status)
}
