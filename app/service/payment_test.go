package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
)

func TestPaymentLifecycleWithPartialAndFinalRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.svc.CreatePayment(ctx, usd("order-100", "100.00"))
	require.NoError(t, err)
	payment := created.Payment
	assert.Equal(t, entity.StatusPending, payment.Status)
	assert.Equal(t, entity.ProviderCard, payment.Provider)
	assert.Equal(t, "ref_"+payment.ID, payment.ProviderReference)
	assert.Equal(t, "ref_"+payment.ID+"_secret", created.Continuation["client_secret"])

	confirmed, err := env.svc.ConfirmPayment(ctx, idReq(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, confirmed.Payment.Status)
	require.NotNil(t, confirmed.Payment.ProcessedAt)

	first, err := env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("40.00")})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPartiallyRefunded, first.Payment.Status)
	assert.True(t, first.Payment.TotalRefunded.Equal(decimal.RequireFromString("40")))
	assert.Equal(t, entity.RefundStatusPending, first.Refund.Status)
	assert.Equal(t, entity.RefundReasonRequestedByCustomer, first.Refund.Reason)

	second, err := env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRefunded, second.Payment.Status)
	assert.True(t, second.Refund.Amount.Equal(decimal.RequireFromString("60")))
	assert.True(t, second.Payment.NetAmount().IsZero())

	_, err = env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("1.00")})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, refundCalls, _ := env.card.calls()
	assert.Equal(t, 2, refundCalls)
	require.Len(t, env.card.refundInputs, 2)
	assert.Equal(t, int64(4000), env.card.refundInputs[0].AmountMinor)
	assert.False(t, env.card.refundInputs[0].Full)
	assert.True(t, env.card.refundInputs[1].Full)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusRefunded, stored.Status)
	assert.Len(t, stored.Refunds, 2)

	assert.Eventually(t, func() bool {
		return len(env.publisher.statusesFor(payment.ID)) == 4
	}, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{
		"PENDING->PROCESSING",
		"PROCESSING->COMPLETED",
		"COMPLETED->PARTIALLY_REFUNDED",
		"PARTIALLY_REFUNDED->REFUNDED",
	}, env.publisher.statusesFor(payment.ID))

	events, err := env.store.Events.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	assert.Contains(t, types, entity.PaymentEventCreated)
	assert.Contains(t, types, entity.PaymentEventConfirmed)
	assert.Contains(t, types, entity.PaymentEventRefundCreated)
}

func TestCreatePaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  createReq
	}{
		{name: "zero amount", req: usd("order-v1", "0")},
		{name: "negative amount", req: usd("order-v2", "-5")},
		{name: "unsupported currency", req: createReq{orderID: "order-v3", amount: decimal.RequireFromString("10"), currency: "GBP", method: "CARD"}},
		{name: "unknown currency", req: createReq{orderID: "order-v4", amount: decimal.RequireFromString("10"), currency: "XYZ", method: "CARD"}},
		{name: "too precise", req: usd("order-v5", "10.001")},
		{name: "yen with decimals", req: createReq{orderID: "order-v6", amount: decimal.RequireFromString("10.5"), currency: "JPY", method: "WALLET"}},
		{name: "below card minimum", req: usd("order-v7", "0.10")},
		{name: "above wallet maximum", req: createReq{orderID: "order-v8", amount: decimal.RequireFromString("5000.01"), currency: "USD", method: "WALLET"}},
		{name: "unknown method", req: createReq{orderID: "order-v9", amount: decimal.RequireFromString("10"), currency: "USD", method: "CASH"}},
		{name: "missing order", req: usd(" ", "10")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreatePayment(ctx, tc.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	initiateCalls, _, _, _ := env.card.calls()
	assert.Zero(t, initiateCalls)
}

func TestCreatePaymentRoutesWalletAndRejectsSecondActivePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payment := env.createPayment(t, createReq{orderID: "order-w", amount: decimal.RequireFromString("25"), currency: "EUR", method: "wallet"})
	assert.Equal(t, entity.ProviderWallet, payment.Provider)
	assert.Equal(t, entity.MethodWallet, payment.Method)

	_, err := env.svc.CreatePayment(ctx, createReq{orderID: "order-w", amount: decimal.RequireFromString("25"), currency: "EUR", method: "CARD"})
	assert.ErrorIs(t, err, ErrPaymentAlreadyExists)

	_, err = env.svc.CancelPayment(ctx, idReq(payment.ID))
	require.NoError(t, err)

	retry := env.createPayment(t, usd("order-w", "25"))
	assert.NotEqual(t, payment.ID, retry.ID)

	latest, err := env.svc.GetPaymentByOrderID(ctx, "order-w")
	require.NoError(t, err)
	assert.Equal(t, retry.ID, latest.ID)
}

func TestCreatePaymentRetriesUnavailableGateway(t *testing.T) {
	env := newTestEnv(t)
	env.card.initiateErrs = []error{unavailableErr(), unavailableErr()}

	payment := env.createPayment(t, usd("order-retry", "10"))
	assert.Equal(t, entity.StatusPending, payment.Status)

	initiateCalls, _, _, _ := env.card.calls()
	assert.Equal(t, 3, initiateCalls)
}

func TestCreatePaymentDoesNotRetryRejection(t *testing.T) {
	env := newTestEnv(t)
	env.card.initiateErrs = []error{rejectedErr("card_declined", "insufficient funds")}

	_, err := env.svc.CreatePayment(context.Background(), usd("order-reject", "10"))
	assert.ErrorIs(t, err, ErrGatewayRejected)

	initiateCalls, _, _, _ := env.card.calls()
	assert.Equal(t, 1, initiateCalls)

	stored, err := env.store.Payments.FindByOrderID(context.Background(), "order-reject")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCreatePaymentGivesUpWhenRetryBudgetExhausted(t *testing.T) {
	cfg := testPaymentsConfig()
	cfg.InitiateRetryMaxTime = 300 * time.Millisecond
	env := newTestEnvWithConfig(t, cfg)
	env.card.initiateErrs = make([]error, 100)
	for i := range env.card.initiateErrs {
		env.card.initiateErrs[i] = unavailableErr()
	}

	_, err := env.svc.CreatePayment(context.Background(), usd("order-down", "10"))
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	stored, err := env.store.Payments.FindByOrderID(context.Background(), "order-down")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestConcurrentConfirmHasSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.card.confirmDelay = 50 * time.Millisecond
	payment := env.createPayment(t, usd("order-race", "30"))

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)

	_, confirmCalls, _, _ := env.card.calls()
	assert.Equal(t, 1, confirmCalls)
	assert.Equal(t, entity.StatusCompleted, env.reload(t, payment.ID).Status)
}

func TestConfirmSucceedsWhenWebhookSettlesPaymentFirst(t *testing.T) {
	env := newTestEnv(t)
	env.card.confirmDelay = 200 * time.Millisecond
	payment := env.createPayment(t, usd("order-webhook-first", "30"))

	type confirmOutcome struct {
		result *PaymentResult
		err    error
	}
	done := make(chan confirmOutcome, 1)
	go func() {
		result, err := env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
		done <- confirmOutcome{result: result, err: err}
	}()

	require.Eventually(t, func() bool {
		stored, err := env.store.Payments.FindByID(context.Background(), payment.ID)
		return err == nil && stored != nil && stored.Status == entity.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	body := webhookBody(t, fakeWebhook{ID: "evt_first", Type: "payment.succeeded", Kind: "payment", Reference: payment.ProviderReference, Status: "succeeded"})
	hook, err := env.svc.HandleWebhook(context.Background(), "card", signed(), body)
	require.NoError(t, err)
	assert.Equal(t, entity.WebhookOutcomeApplied, hook.Outcome)

	outcome := <-done
	require.NoError(t, outcome.err)
	assert.Equal(t, entity.StatusCompleted, outcome.result.Payment.Status)
	assert.Equal(t, entity.StatusCompleted, env.reload(t, payment.ID).Status)
}

func TestConfirmKeepsSettlementReportedByWebhookDuringCall(t *testing.T) {
	env := newTestEnv(t)
	env.card.confirmDelay = 200 * time.Millisecond
	payment := env.createPayment(t, usd("order-webhook-failed", "30"))

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
		done <- err
	}()

	require.Eventually(t, func() bool {
		stored, err := env.store.Payments.FindByID(context.Background(), payment.ID)
		return err == nil && stored != nil && stored.Status == entity.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	body := webhookBody(t, fakeWebhook{ID: "evt_failed_first", Type: "payment.failed", Kind: "payment", Reference: payment.ProviderReference, Status: "failed", FailureCode: "expired_card"})
	_, err := env.svc.HandleWebhook(context.Background(), "card", signed(), body)
	require.NoError(t, err)

	require.NoError(t, <-done)
	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureCode)
	assert.Equal(t, "expired_card", *stored.FailureCode)
}

func TestConfirmRejectedMarksPaymentFailed(t *testing.T) {
	env := newTestEnv(t)
	env.card.confirmErr = rejectedErr("card_declined", "insufficient funds")
	payment := env.createPayment(t, usd("order-declined", "30"))

	result, err := env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, result.Payment.Status)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureCode)
	assert.Equal(t, "card_declined", *stored.FailureCode)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "insufficient funds", *stored.FailureReason)

	again := env.createPayment(t, usd("order-declined", "30"))
	assert.Equal(t, entity.StatusPending, again.Status)
}

func TestConfirmTimeoutResolvedByStatusQuery(t *testing.T) {
	env := newTestEnv(t)
	env.card.confirmErr = unavailableErr()
	env.card.status = "succeeded"
	payment := env.createPayment(t, usd("order-timeout", "30"))

	result, err := env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, result.Payment.Status)
}

func TestConfirmUnknownOutcomeLeavesPaymentProcessing(t *testing.T) {
	env := newTestEnv(t)
	env.card.confirmErr = unavailableErr()
	env.card.statusErr = unavailableErr()
	payment := env.createPayment(t, usd("order-unknown", "30"))

	_, err := env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, entity.StatusProcessing, env.reload(t, payment.ID).Status)
}

func TestConfirmRequiresPending(t *testing.T) {
	env := newTestEnv(t)
	payment := env.completedPayment(t, "order-twice", "30")

	_, err := env.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.svc.ConfirmPayment(context.Background(), idReq("00000000-0000-0000-0000-000000000000"))
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending := env.createPayment(t, usd("order-cancel", "30"))
	cancelled, err := env.svc.CancelPayment(ctx, idReq(pending.ID))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, cancelled.Status)

	_, _, _, cancelCalls := env.card.calls()
	assert.Equal(t, 1, cancelCalls)

	completed := env.completedPayment(t, "order-cancel-late", "30")
	_, err = env.svc.CancelPayment(ctx, idReq(completed.ID))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, entity.StatusCompleted, env.reload(t, completed.ID).Status)
}

func TestRefundRejectedForIncompletePayment(t *testing.T) {
	env := newTestEnv(t)
	payment := env.createPayment(t, usd("order-early-refund", "30"))

	_, err := env.svc.CreateRefund(context.Background(), refundReq{paymentID: payment.ID})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, refundCalls, _ := env.card.calls()
	assert.Zero(t, refundCalls)
}

func TestRefundAmountChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.completedPayment(t, "order-refund-checks", "50")

	_, err := env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("50.01")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("1.005")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, amount: amountPtr("0")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.CreateRefund(ctx, refundReq{paymentID: payment.ID, reason: "CHANGED_MIND"})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, refundCalls, _ := env.card.calls()
	assert.Zero(t, refundCalls)
}

func TestRefundDeclinedByGatewayLeavesLedgerUntouched(t *testing.T) {
	env := newTestEnv(t)
	payment := env.completedPayment(t, "order-refund-declined", "50")

	env.card.refundErr = rejectedErr("charge_disputed", "charge is disputed")
	_, err := env.svc.CreateRefund(context.Background(), refundReq{paymentID: payment.ID})
	assert.ErrorIs(t, err, ErrGatewayRejected)

	stored := env.reload(t, payment.ID)
	assert.Equal(t, entity.StatusCompleted, stored.Status)
	assert.True(t, stored.TotalRefunded.IsZero())
	assert.Empty(t, stored.Refunds)
}

func TestRefundTimeoutResolvedByLookup(t *testing.T) {
	env := newTestEnv(t)
	payment := env.completedPayment(t, "order-refund-timeout", "50")

	env.card.refundErr = unavailableErr()
	env.card.lookup = &provider.RefundOutput{Reference: "re_found", Status: entity.RefundStatusSucceeded}

	result, err := env.svc.CreateRefund(context.Background(), refundReq{paymentID: payment.ID, amount: amountPtr("20")})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPartiallyRefunded, result.Payment.Status)
	assert.Equal(t, entity.RefundStatusSucceeded, result.Refund.Status)
	require.NotNil(t, result.Refund.ProviderRefundReference)
	assert.Equal(t, "re_found", *result.Refund.ProviderRefundReference)
}

func TestRefundTimeoutWithoutGatewayRecordIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	payment := env.completedPayment(t, "order-refund-lost", "50")

	env.card.refundErr = unavailableErr()
	_, err := env.svc.CreateRefund(context.Background(), refundReq{paymentID: payment.ID})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, env.reload(t, payment.ID).TotalRefunded.IsZero())
}

func TestConcurrentRefundsNeverExceedAmount(t *testing.T) {
	env := newTestEnv(t)
	payment := env.completedPayment(t, "order-refund-race", "100")

	const workers = 5
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.CreateRefund(context.Background(), refundReq{paymentID: payment.ID, amount: amountPtr("30")})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition), "unexpected error %v", err)
	}
	assert.Equal(t, 3, succeeded)

	stored := env.reload(t, payment.ID)
	assert.True(t, stored.TotalRefunded.Equal(decimal.RequireFromString("90")))
	assert.Equal(t, entity.StatusPartiallyRefunded, stored.Status)
	assert.Len(t, stored.Refunds, 3)
}

func TestListPaymentsFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.completedPayment(t, "order-list-1", "10")
	env.createPayment(t, usd("order-list-2", "10"))
	env.createPayment(t, createReq{orderID: "order-list-3", amount: decimal.RequireFromString("10"), currency: "USD", method: "WALLET"})

	all, err := env.svc.ListPayments(ctx, listReq{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := env.svc.ListPayments(ctx, listReq{status: "completed"})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "order-list-1", completed[0].OrderID)

	wallet, err := env.svc.ListPayments(ctx, listReq{provider: "wallet"})
	require.NoError(t, err)
	require.Len(t, wallet, 1)
	assert.Equal(t, "order-list-3", wallet[0].OrderID)

	_, err = env.svc.ListPayments(ctx, listReq{status: "SETTLED"})
	assert.ErrorIs(t, err, ErrValidation)
}
