package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/factory"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/metrics"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/notification"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/queue"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/config"
)

const (
	defaultListLimit           = int32(100)
	maxListLimit               = int32(500)
	defaultBatchSize           = int32(100)
	defaultGatewayTimeout      = 10 * time.Second
	defaultInitiateRetryBudget = 5 * time.Second
	defaultRefundLedgerRetries = 3
	defaultNotifyTimeout       = 5 * time.Second
)

type createPaymentRequest interface {
	GetOrderId() string
	GetAmount() decimal.Decimal
	GetCurrency() string
	GetMethod() string
	GetCustomerRef() string
	GetStatusCallbackUrl() string
	GetReturnUrl() string
	GetMetadata() map[string]string
}

type listPaymentsRequest interface {
	GetOrderId() string
	GetStatus() string
	GetProvider() string
	GetLimit() int32
	GetOffset() int32
}

type confirmPaymentRequest interface {
	GetId() string
	GetDetails() map[string]string
}

type cancelPaymentRequest interface {
	GetId() string
}

type createRefundRequest interface {
	GetPaymentId() string
	GetAmount() *decimal.Decimal
	GetReason() string
}

// PaymentResult is a payment plus the opaque continuation data the gateway returned for the caller's UI.
type PaymentResult struct {
	Payment      *entity.Payment
	Continuation map[string]string
}

type RefundResult struct {
	Payment *entity.Payment
	Refund  *entity.Refund
}

type PaymentService struct {
	store        *repository.Store
	providerReg  *provider.Registry
	publisher    notification.Publisher
	orphans      queue.OrphanQueue
	metrics      *metrics.Metrics
	paymentsCfg  config.PaymentsConfig
	appAPIKey    string
	callbackHTTP *http.Client
	logger       logrus.FieldLogger
	now          func() time.Time
}

func NewPaymentService(
	store *repository.Store,
	providerReg *provider.Registry,
	publisher notification.Publisher,
	orphans queue.OrphanQueue,
	m *metrics.Metrics,
	paymentsCfg config.PaymentsConfig,
	appAPIKey string,
) *PaymentService {
	timeout := paymentsCfg.CallbackHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if publisher == nil {
		publisher = notification.NoopPublisher{}
	}
	if orphans == nil {
		orphans = queue.NewMemoryOrphanQueue()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	return &PaymentService{
		store:        store,
		providerReg:  providerReg,
		publisher:    publisher,
		orphans:      orphans,
		metrics:      m,
		paymentsCfg:  paymentsCfg,
		appAPIKey:    strings.TrimSpace(appAPIKey),
		callbackHTTP: &http.Client{Timeout: timeout},
		logger:       factory.NewModuleLogger("payment_service"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *PaymentService) CreatePayment(ctx context.Context, req createPaymentRequest) (*PaymentResult, error) {
	orderID := strings.TrimSpace(req.GetOrderId())
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrValidation)
	}

	method, ok := entity.ParseMethod(req.GetMethod())
	if !ok {
		return nil, fmt.Errorf("%w: unsupported payment method %q", ErrValidation, req.GetMethod())
	}

	currency := entity.NormalizeCurrency(req.GetCurrency())
	if !s.currencySupported(currency) {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrValidation, currency)
	}

	amount := req.GetAmount()
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	amountMinor, err := entity.ToMinor(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := s.checkBounds(method, amount); err != nil {
		return nil, err
	}

	gateway, err := s.providerReg.ForMethod(method)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	existing, err := s.store.Payments.FindActiveByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrPaymentAlreadyExists
	}

	paymentID := uuid.NewString()
	customerRef := normalizeOptionalString(req.GetCustomerRef())
	metadata := cloneMetadata(req.GetMetadata())

	output, err := s.initiate(ctx, gateway, &provider.InitiateInput{
		PaymentID:   paymentID,
		OrderID:     orderID,
		AmountMinor: amountMinor,
		Currency:    currency,
		CustomerRef: customerRef,
		Metadata:    metadata,
		ReturnURL:   strings.TrimSpace(req.GetReturnUrl()),
	})
	if err != nil {
		return nil, err
	}

	if mapped, ok := gateway.MapStatus(output.Status); !ok || mapped != entity.StatusPending {
		s.logger.WithFields(logrus.Fields{
			"payment_id":      paymentID,
			"provider":        gateway.Code().String(),
			"provider_status": output.Status,
		}).Warn("gateway returned a non-pending status on initiate; stored as PENDING for reconcile")
	}

	now := s.now()
	payment := &entity.Payment{
		ID:                     paymentID,
		OrderID:                orderID,
		CustomerRef:            customerRef,
		Amount:                 entity.FromMinor(amountMinor, currency),
		Currency:               currency,
		TotalRefunded:          decimal.Zero,
		Method:                 method,
		Provider:               gateway.Code(),
		Status:                 entity.StatusPending,
		ProviderReference:      output.Handle,
		StatusCallbackURL:      strings.TrimSpace(req.GetStatusCallbackUrl()),
		Metadata:               metadata,
		CallbackDeliveryStatus: entity.CallbackDeliveryNone,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err = s.store.WithinTx(ctx, func(tx *repository.Store) error {
		if err := tx.Payments.Create(ctx, payment); err != nil {
			return err
		}
		return tx.Events.Create(ctx, &entity.PaymentEvent{
			PaymentID: payment.ID,
			EventType: entity.PaymentEventCreated,
			NewStatus: payment.Status,
			CreatedAt: now,
		})
	})
	if err != nil {
		s.voidIntent(gateway, output.Handle, paymentID)
		if errors.Is(err, repository.ErrPaymentAlreadyExists) {
			return nil, ErrPaymentAlreadyExists
		}
		return nil, err
	}

	s.metrics.PaymentCreated(gateway.Code().String(), currency)
	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"provider":   payment.Provider.String(),
	}).Info("payment created")

	return &PaymentResult{Payment: payment, Continuation: output.Continuation}, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, id string) (*entity.Payment, error) {
	return s.loadPayment(ctx, id)
}

func (s *PaymentService) GetPaymentByOrderID(ctx context.Context, orderID string) (*entity.Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrValidation)
	}
	payment, err := s.store.Payments.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, req listPaymentsRequest) ([]*entity.Payment, error) {
	limit := req.GetLimit()
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	filter := repository.PaymentFilter{
		OrderID: strings.TrimSpace(req.GetOrderId()),
		Limit:   limit,
		Offset:  req.GetOffset(),
	}
	if raw := strings.TrimSpace(req.GetStatus()); raw != "" {
		status, ok := entity.ParseStatus(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
		}
		filter.HasStatus = true
		filter.Status = status
	}
	if raw := strings.TrimSpace(req.GetProvider()); raw != "" {
		code, ok := entity.ParseProvider(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrValidation, raw)
		}
		filter.Provider = code
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return s.store.Payments.List(ctx, filter)
}

// ConfirmPayment claims the payment with PENDING -> PROCESSING before the gateway call, so a concurrent
// confirm fails with ErrInvalidTransition without reaching the gateway.
func (s *PaymentService) ConfirmPayment(ctx context.Context, req confirmPaymentRequest) (*PaymentResult, error) {
	payment, err := s.loadPayment(ctx, req.GetId())
	if err != nil {
		return nil, err
	}
	if payment.Status != entity.StatusPending {
		s.logInvalidTransition(payment, entity.StatusProcessing, "confirm")
		return nil, fmt.Errorf("%w: cannot confirm payment in status %s", ErrInvalidTransition, payment.Status)
	}

	gateway, err := s.providerReg.Get(payment.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	if err := s.transition(ctx, payment, entity.StatusProcessing, repository.TransitionDetails{}, entity.PaymentEventConfirmed); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logInvalidTransition(payment, entity.StatusProcessing, "confirm")
		}
		return nil, err
	}

	callCtx, cancel := s.gatewayContext(ctx)
	started := time.Now()
	output, err := gateway.Confirm(callCtx, payment.ProviderReference, cloneMetadata(req.GetDetails()))
	cancel()
	s.observeGateway(gateway, "confirm", err, started)

	if err != nil {
		if errors.Is(err, provider.ErrGatewayRejected) {
			code, message := provider.FailureDetails(err)
			details := repository.TransitionDetails{
				FailureCode:   normalizeOptionalString(code),
				FailureReason: normalizeOptionalString(message),
			}
			if terr := s.advanceFromGateway(ctx, payment, entity.StatusFailed, details, entity.PaymentEventGatewayFailure); terr != nil {
				return nil, terr
			}
			return &PaymentResult{Payment: payment}, nil
		}

		// The confirmation may already be placed with the gateway; only its status answers that.
		status, qerr := s.queryStatus(ctx, gateway, payment)
		if qerr != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"payment_id": payment.ID,
				"provider":   payment.Provider.String(),
			}).Warn("confirm outcome unknown; payment left PROCESSING for reconcile")
			return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		output = &provider.ConfirmOutput{Status: status}
	}

	if err := s.applyGatewayStatus(ctx, gateway, payment, output.Status, entity.PaymentEventConfirmed); err != nil {
		return nil, err
	}

	return &PaymentResult{Payment: payment, Continuation: output.Continuation}, nil
}

func (s *PaymentService) CancelPayment(ctx context.Context, req cancelPaymentRequest) (*entity.Payment, error) {
	payment, err := s.loadPayment(ctx, req.GetId())
	if err != nil {
		return nil, err
	}
	if payment.Status != entity.StatusPending && payment.Status != entity.StatusProcessing {
		s.logInvalidTransition(payment, entity.StatusCancelled, "cancel")
		return nil, fmt.Errorf("%w: cannot cancel payment in status %s", ErrInvalidTransition, payment.Status)
	}

	if err := s.transition(ctx, payment, entity.StatusCancelled, repository.TransitionDetails{}, entity.PaymentEventCancelled); err != nil {
		return nil, err
	}

	if gateway, err := s.providerReg.Get(payment.Provider); err == nil {
		s.voidIntent(gateway, payment.ProviderReference, payment.ID)
	}

	return payment, nil
}

func (s *PaymentService) CreateRefund(ctx context.Context, req createRefundRequest) (*RefundResult, error) {
	payment, err := s.loadPayment(ctx, req.GetPaymentId())
	if err != nil {
		return nil, err
	}
	if payment.Status != entity.StatusCompleted && payment.Status != entity.StatusPartiallyRefunded {
		return nil, fmt.Errorf("%w: payment in status %s cannot be refunded", ErrValidation, payment.Status)
	}

	reason, ok := entity.ParseRefundReason(req.GetReason())
	if !ok {
		return nil, fmt.Errorf("%w: unknown refund reason %q", ErrValidation, req.GetReason())
	}

	remaining := payment.RemainingRefundable()
	amount := remaining
	if requested := req.GetAmount(); requested != nil {
		amount = *requested
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be greater than zero", ErrValidation)
	}
	amountMinor, err := entity.ToMinor(amount, payment.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if amount.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: refund amount %s exceeds remaining %s", ErrValidation, amount, remaining)
	}

	gateway, err := s.providerReg.Get(payment.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	refund := &entity.Refund{
		ID:       uuid.NewString(),
		Amount:   entity.FromMinor(amountMinor, payment.Currency),
		Currency: payment.Currency,
		Reason:   reason,
		Status:   entity.RefundStatusPending,
	}

	output, err := s.placeRefund(ctx, gateway, payment, refund, &provider.RefundInput{
		Handle:         payment.ProviderReference,
		AmountMinor:    amountMinor,
		Currency:       payment.Currency,
		Full:           amount.Equal(remaining),
		IdempotencyKey: refund.ID,
		Reason:         reason,
	})
	if err != nil {
		return nil, err
	}

	refund.ProviderRefundReference = normalizeOptionalString(output.Reference)
	switch output.Status {
	case entity.RefundStatusFailed:
		return nil, fmt.Errorf("%w: refund declined by %s", ErrGatewayRejected, payment.Provider)
	case entity.RefundStatusSucceeded:
		at := s.now()
		refund.Status = entity.RefundStatusSucceeded
		refund.ProcessedAt = &at
	}

	previous := payment.Status
	if err := s.appendRefund(ctx, payment, refund); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"payment_id":       payment.ID,
			"refund_id":        refund.ID,
			"refund_reference": output.Reference,
		}).Error("refund placed with gateway but not recorded in the ledger")
		return nil, err
	}

	s.recordEvent(ctx, s.store, payment, previous, entity.PaymentEventRefundCreated, nil,
		fmt.Sprintf("refund %s amount %s", refund.ID, refund.Amount.StringFixed(exponent(payment.Currency))))
	if payment.Status != previous {
		s.afterTransition(ctx, payment, statusStep{From: previous, To: payment.Status})
	}

	return &RefundResult{Payment: payment, Refund: refund}, nil
}

// placeRefund resolves a timed out refund call by looking the refund up under its idempotency key.
func (s *PaymentService) placeRefund(
	ctx context.Context,
	gateway provider.Gateway,
	payment *entity.Payment,
	refund *entity.Refund,
	input *provider.RefundInput,
) (*provider.RefundOutput, error) {
	callCtx, cancel := s.gatewayContext(ctx)
	started := time.Now()
	output, err := gateway.Refund(callCtx, input)
	cancel()
	s.observeGateway(gateway, "refund", err, started)
	if err == nil {
		return output, nil
	}
	if errors.Is(err, provider.ErrGatewayRejected) {
		return nil, fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	}

	lookupCtx, cancelLookup := s.gatewayContext(ctx)
	defer cancelLookup()
	found, lerr := gateway.LookupRefund(lookupCtx, payment.ProviderReference, refund.ID)
	if lerr != nil || found == nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"refund_id":  refund.ID,
		}).Warn("refund outcome could not be confirmed with the gateway")
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	return found, nil
}

// appendRefund retries the ledger compare-and-set against a fresh read when a concurrent writer moved the payment.
func (s *PaymentService) appendRefund(ctx context.Context, payment *entity.Payment, refund *entity.Refund) error {
	retries := s.paymentsCfg.RefundLedgerRetries
	if retries <= 0 {
		retries = defaultRefundLedgerRetries
	}

	for attempt := 0; ; attempt++ {
		err := s.store.AppendRefund(ctx, payment, refund, s.now())
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, repository.ErrRefundExceedsAmount):
			return fmt.Errorf("%w: %w", ErrValidation, err)
		case errors.Is(err, repository.ErrInvalidTransition):
			return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		case errors.Is(err, repository.ErrPaymentNotFound):
			return ErrPaymentNotFound
		case !errors.Is(err, repository.ErrStaleTransition) || attempt >= retries:
			return err
		}

		fresh, ferr := s.store.Payments.FindByID(ctx, payment.ID)
		if ferr != nil {
			return ferr
		}
		if fresh == nil {
			return ErrPaymentNotFound
		}
		*payment = *fresh
	}
}

// applyGatewayStatus maps a gateway status and advances payment toward it. Statuses behind the current one
// are left for webhooks and reconcile.
func (s *PaymentService) applyGatewayStatus(
	ctx context.Context,
	gateway provider.Gateway,
	payment *entity.Payment,
	status provider.ProviderStatus,
	eventType string,
) error {
	target, ok := gateway.MapStatus(status)
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"payment_id":      payment.ID,
			"provider":        payment.Provider.String(),
			"provider_status": status,
		}).Warn("unmapped gateway status")
		return nil
	}
	if target == payment.Status || reachedBeyond(payment.Status, target) {
		return nil
	}
	return s.advanceFromGateway(ctx, payment, target, repository.TransitionDetails{}, eventType)
}

// advanceFromGateway is advance for an outcome a gateway call returned. A webhook may have moved the payment
// while the call was in flight; a stored status that already covers target, or any settled status, stands.
func (s *PaymentService) advanceFromGateway(
	ctx context.Context,
	payment *entity.Payment,
	target entity.Status,
	details repository.TransitionDetails,
	eventType string,
) error {
	for attempt := 0; ; attempt++ {
		err := s.advance(ctx, payment, target, details, eventType)
		if err == nil || !errors.Is(err, repository.ErrStaleTransition) || attempt >= webhookStaleRetries {
			return err
		}

		fresh, ferr := s.store.Payments.FindByID(ctx, payment.ID)
		if ferr != nil {
			return ferr
		}
		if fresh == nil {
			return ErrPaymentNotFound
		}
		*payment = *fresh

		if payment.Status == target || reachedBeyond(payment.Status, target) {
			return nil
		}
		if payment.Status.IsSettled() {
			s.logger.WithFields(logrus.Fields{
				"payment_id":     payment.ID,
				"provider":       payment.Provider.String(),
				"status":         payment.Status,
				"gateway_status": target,
			}).Warn("gateway outcome superseded by a concurrent settlement")
			return nil
		}
	}
}

// advance walks payment to target through consecutive compare-and-set steps.
func (s *PaymentService) advance(
	ctx context.Context,
	payment *entity.Payment,
	target entity.Status,
	details repository.TransitionDetails,
	eventType string,
) error {
	if payment.Status == target {
		return nil
	}
	path, ok := entity.TransitionPath(payment.Status, target)
	if !ok {
		s.logInvalidTransition(payment, target, eventType)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, payment.Status, target)
	}
	for _, step := range path {
		if err := s.transition(ctx, payment, step, details, eventType); err != nil {
			return err
		}
	}
	return nil
}

func (s *PaymentService) transition(
	ctx context.Context,
	payment *entity.Payment,
	target entity.Status,
	details repository.TransitionDetails,
	eventType string,
) error {
	previous := payment.Status
	if err := s.store.Payments.TransitionStatus(ctx, payment, target, details, s.now()); err != nil {
		return transitionErr(err)
	}
	s.recordEvent(ctx, s.store, payment, previous, eventType, nil, "")
	s.afterTransition(ctx, payment, statusStep{From: previous, To: payment.Status})
	return nil
}

func (s *PaymentService) recordEvent(
	ctx context.Context,
	store *repository.Store,
	payment *entity.Payment,
	previous entity.Status,
	eventType string,
	providerEventID *string,
	detail string,
) {
	var oldStatus *entity.Status
	if previous != payment.Status {
		old := previous
		oldStatus = &old
	}
	err := store.Events.Create(ctx, &entity.PaymentEvent{
		PaymentID:       payment.ID,
		EventType:       eventType,
		OldStatus:       oldStatus,
		NewStatus:       payment.Status,
		ProviderEventID: providerEventID,
		Detail:          normalizeOptionalString(detail),
		CreatedAt:       s.now(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("payment_id", payment.ID).Warn("failed to record payment event")
	}
}

// statusStep is one applied edge of the state machine.
type statusStep struct {
	From entity.Status
	To   entity.Status
}

// afterTransition publishes one status change per step and schedules the order service callback for settled states.
func (s *PaymentService) afterTransition(ctx context.Context, payment *entity.Payment, steps ...statusStep) {
	if len(steps) == 0 {
		return
	}
	for _, step := range steps {
		s.metrics.Transition(string(step.From), string(step.To))
		s.notify(payment, step)
	}

	if !payment.Status.IsSettled() || payment.StatusCallbackURL == "" {
		return
	}
	s.markForCallbackDelivery(payment, s.now())
	if err := s.store.Payments.UpdateCallbackDelivery(ctx, payment); err != nil {
		s.logger.WithError(err).WithField("payment_id", payment.ID).Warn("failed to schedule status callback")
	}
}

func (s *PaymentService) notify(payment *entity.Payment, step statusStep) {
	change := notification.StatusChange{
		PaymentID:  payment.ID,
		OrderID:    payment.OrderID,
		OldStatus:  string(step.From),
		NewStatus:  string(step.To),
		Provider:   payment.Provider.String(),
		OccurredAt: payment.UpdatedAt,
	}
	timeout := s.paymentsCfg.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, change); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"payment_id": change.PaymentID,
				"new_status": change.NewStatus,
			}).Warn("status change notification not delivered")
		}
	}()
}

func (s *PaymentService) markForCallbackDelivery(payment *entity.Payment, now time.Time) {
	payment.CallbackDeliveryStatus = entity.CallbackDeliveryPending
	payment.CallbackDeliveryAttempts = 0
	payment.CallbackDeliveryNextAt = &now
	payment.CallbackDeliveryLastErr = nil
}

func (s *PaymentService) initiate(ctx context.Context, gateway provider.Gateway, input *provider.InitiateInput) (*provider.InitiateOutput, error) {
	budget := s.paymentsCfg.InitiateRetryMaxTime
	if budget <= 0 {
		budget = defaultInitiateRetryBudget
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = budget
	policy.Reset()

	var output *provider.InitiateOutput
	operation := func() error {
		callCtx, cancel := s.gatewayContext(ctx)
		defer cancel()

		started := time.Now()
		result, err := gateway.Initiate(callCtx, input)
		s.observeGateway(gateway, "initiate", err, started)
		if err != nil {
			if errors.Is(err, provider.ErrGatewayUnavailable) {
				s.logger.WithError(err).WithField("payment_id", input.PaymentID).Warn("initiate failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		output = result
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, gatewayErr(err)
	}
	return output, nil
}

func (s *PaymentService) queryStatus(ctx context.Context, gateway provider.Gateway, payment *entity.Payment) (provider.ProviderStatus, error) {
	callCtx, cancel := s.gatewayContext(ctx)
	defer cancel()

	started := time.Now()
	status, err := gateway.GetStatus(callCtx, payment.ProviderReference)
	s.observeGateway(gateway, "get_status", err, started)
	return status, err
}

func (s *PaymentService) voidIntent(gateway provider.Gateway, handle, paymentID string) {
	if strings.TrimSpace(handle) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.gatewayTimeout())
	defer cancel()

	started := time.Now()
	err := gateway.Cancel(ctx, handle)
	s.observeGateway(gateway, "cancel", err, started)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"payment_id": paymentID,
			"provider":   gateway.Code().String(),
		}).Warn("gateway intent could not be voided")
	}
}

func (s *PaymentService) loadPayment(ctx context.Context, id string) (*entity.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrValidation)
	}
	payment, err := s.store.Payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *PaymentService) logInvalidTransition(payment *entity.Payment, target entity.Status, source string) {
	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"from":       payment.Status,
		"to":         target,
		"source":     source,
	}).Warn("invalid status transition rejected")
}

func (s *PaymentService) observeGateway(gateway provider.Gateway, op string, err error, started time.Time) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrGatewayRejected):
		result = "rejected"
	default:
		result = "unavailable"
	}
	s.metrics.ObserveGateway(gateway.Code().String(), op, result, started)
}

func (s *PaymentService) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.gatewayTimeout())
}

func (s *PaymentService) gatewayTimeout() time.Duration {
	if s.paymentsCfg.GatewayTimeout > 0 {
		return s.paymentsCfg.GatewayTimeout
	}
	return defaultGatewayTimeout
}

func (s *PaymentService) currencySupported(currency string) bool {
	if _, err := entity.CurrencyExponent(currency); err != nil {
		return false
	}
	if len(s.paymentsCfg.SupportedCurrencies) == 0 {
		return true
	}
	for _, item := range s.paymentsCfg.SupportedCurrencies {
		if entity.NormalizeCurrency(item) == currency {
			return true
		}
	}
	return false
}

func (s *PaymentService) checkBounds(method entity.Method, amount decimal.Decimal) error {
	bounds := s.paymentsCfg.CardBounds
	if method == entity.MethodWallet {
		bounds = s.paymentsCfg.WalletBounds
	}
	if !bounds.Min.IsZero() && amount.LessThan(bounds.Min) {
		return fmt.Errorf("%w: amount below %s minimum of %s", ErrValidation, method, bounds.Min)
	}
	if !bounds.Max.IsZero() && amount.GreaterThan(bounds.Max) {
		return fmt.Errorf("%w: amount above %s maximum of %s", ErrValidation, method, bounds.Max)
	}
	return nil
}

func (s *PaymentService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func transitionErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrStaleTransition), errors.Is(err, repository.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	case errors.Is(err, repository.ErrPaymentNotFound):
		return ErrPaymentNotFound
	default:
		return err
	}
}

func gatewayErr(err error) error {
	switch {
	case errors.Is(err, provider.ErrGatewayRejected):
		return fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	case errors.Is(err, provider.ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	default:
		return err
	}
}

// successRank orders the statuses of the successful lifecycle.
var successRank = map[entity.Status]int{
	entity.StatusPending:           0,
	entity.StatusProcessing:        1,
	entity.StatusCompleted:         2,
	entity.StatusPartiallyRefunded: 3,
	entity.StatusRefunded:          4,
}

// reachedBeyond reports whether current already lies past target on the successful lifecycle.
func reachedBeyond(current, target entity.Status) bool {
	currentRank, ok := successRank[current]
	if !ok {
		return false
	}
	targetRank, ok := successRank[target]
	if !ok {
		return false
	}
	return currentRank > targetRank
}

func exponent(currency string) int32 {
	exp, err := entity.CurrencyExponent(currency)
	if err != nil {
		return 2
	}
	return exp
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
