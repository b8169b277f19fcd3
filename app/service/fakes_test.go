package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/metrics"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/notification"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/queue"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/config"
)

const testSignatureHeader = "X-Test-Signature"

var fakeStatuses = map[provider.ProviderStatus]entity.Status{
	"pending":    entity.StatusPending,
	"processing": entity.StatusProcessing,
	"succeeded":  entity.StatusCompleted,
	"failed":     entity.StatusFailed,
	"canceled":   entity.StatusCancelled,
}

type fakeGateway struct {
	mu sync.Mutex

	code entity.Provider

	handle        string
	initiateErrs  []error
	initiateCalls int

	confirmStatus provider.ProviderStatus
	confirmErr    error
	confirmDelay  time.Duration
	confirmCalls  int

	status    provider.ProviderStatus
	statusErr error

	refundStatus entity.RefundStatus
	refundErr    error
	refundCalls  int
	refundInputs []*provider.RefundInput

	lookup    *provider.RefundOutput
	lookupErr error

	cancelCalls int
}

func newFakeGateway(code entity.Provider) *fakeGateway {
	return &fakeGateway{
		code:          code,
		confirmStatus: "succeeded",
		status:        "pending",
		refundStatus:  entity.RefundStatusPending,
	}
}

func (g *fakeGateway) Code() entity.Provider { return g.code }

func (g *fakeGateway) Initiate(_ context.Context, input *provider.InitiateInput) (*provider.InitiateOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiateCalls++
	if len(g.initiateErrs) > 0 {
		err := g.initiateErrs[0]
		g.initiateErrs = g.initiateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	handle := g.handle
	if handle == "" {
		handle = "ref_" + input.PaymentID
	}
	return &provider.InitiateOutput{
		Handle:       handle,
		Status:       "pending",
		Continuation: map[string]string{"client_secret": handle + "_secret"},
	}, nil
}

func (g *fakeGateway) Confirm(ctx context.Context, _ string, _ map[string]string) (*provider.ConfirmOutput, error) {
	g.mu.Lock()
	g.confirmCalls++
	delay, status, err := g.confirmDelay, g.confirmStatus, g.confirmErr
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &provider.GatewayError{Provider: g.code, Op: "confirm", Class: provider.ErrGatewayUnavailable, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return &provider.ConfirmOutput{Status: status}, nil
}

func (g *fakeGateway) Cancel(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return nil
}

func (g *fakeGateway) Refund(_ context.Context, input *provider.RefundInput) (*provider.RefundOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	g.refundInputs = append(g.refundInputs, input)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &provider.RefundOutput{Reference: "re_" + input.IdempotencyKey, Status: g.refundStatus}, nil
}

func (g *fakeGateway) GetStatus(context.Context, string) (provider.ProviderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.statusErr
}

func (g *fakeGateway) LookupRefund(context.Context, string, string) (*provider.RefundOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookup, g.lookupErr
}

func (g *fakeGateway) MapStatus(status provider.ProviderStatus) (entity.Status, bool) {
	mapped, ok := fakeStatuses[status]
	return mapped, ok
}

func (g *fakeGateway) KnownStatuses() []provider.ProviderStatus {
	items := make([]provider.ProviderStatus, 0, len(fakeStatuses))
	for status := range fakeStatuses {
		items = append(items, status)
	}
	return items
}

func (g *fakeGateway) SignatureHeader() string { return testSignatureHeader }

func (g *fakeGateway) VerifySignature(headers http.Header, _ []byte) bool {
	return headers.Get(testSignatureHeader) == "valid"
}

type fakeWebhook struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Kind           string `json:"kind"`
	Reference      string `json:"reference"`
	Status         string `json:"status,omitempty"`
	RefundRef      string `json:"refund_reference,omitempty"`
	RefundKey      string `json:"refund_key,omitempty"`
	RefundStatus   string `json:"refund_status,omitempty"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

func (g *fakeGateway) ParseWebhook(body []byte) (*provider.WebhookEvent, error) {
	var payload fakeWebhook
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		return nil, provider.ErrMalformedWebhook
	}

	event := &provider.WebhookEvent{
		EventID:          payload.ID,
		EventType:        payload.Type,
		PaymentReference: payload.Reference,
		RefundReference:  payload.RefundRef,
		RefundKey:        payload.RefundKey,
		Status:           provider.ProviderStatus(payload.Status),
		RefundStatus:     entity.RefundStatus(payload.RefundStatus),
		FailureCode:      payload.FailureCode,
		FailureReason:    payload.FailureMessage,
	}
	switch payload.Kind {
	case "payment":
		event.Kind = provider.EventKindPayment
	case "refund":
		event.Kind = provider.EventKindRefund
	default:
		event.Kind = provider.EventKindIgnored
	}
	return event, nil
}

func (g *fakeGateway) calls() (initiate, confirm, refund, cancel int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiateCalls, g.confirmCalls, g.refundCalls, g.cancelCalls
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []notification.StatusChange
}

func (p *recordingPublisher) Publish(_ context.Context, change notification.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statusesFor(paymentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, change := range p.changes {
		if change.PaymentID == paymentID {
			out = append(out, change.OldStatus+"->"+change.NewStatus)
		}
	}
	return out
}

type testEnv struct {
	svc       *PaymentService
	store     *repository.Store
	card      *fakeGateway
	wallet    *fakeGateway
	publisher *recordingPublisher
	orphans   *queue.MemoryOrphanQueue
	metrics   *metrics.Metrics
}

func testPaymentsConfig() config.PaymentsConfig {
	return config.PaymentsConfig{
		SupportedCurrencies:   []string{"USD", "EUR", "JPY"},
		CardBounds:            config.AmountBounds{Min: decimal.RequireFromString("0.50"), Max: decimal.RequireFromString("10000")},
		WalletBounds:          config.AmountBounds{Min: decimal.RequireFromString("1"), Max: decimal.RequireFromString("5000")},
		GatewayTimeout:        2 * time.Second,
		InitiateRetryMaxTime:  2 * time.Second,
		RefundLedgerRetries:   3,
		CallbackMaxAttempts:   3,
		CallbackRetryInterval: time.Minute,
		CallbackHTTPTimeout:   2 * time.Second,
		ReconcileStaleAfter:   10 * time.Minute,
		StuckRefundAfter:      time.Hour,
		OrphanMaxAttempts:     3,
		OrphanBaseDelay:       time.Second,
		OrphanMaxDelay:        time.Minute,
		NotifyTimeout:         time.Second,
		JobBatchSize:          50,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testPaymentsConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg config.PaymentsConfig) *testEnv {
	t.Helper()

	ctx := context.Background()
	db, err := repository.Open(ctx, repository.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", repository.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(ctx, db, repository.DriverSQLite))

	env := &testEnv{
		store:     repository.NewStore(db),
		card:      newFakeGateway(entity.ProviderCard),
		wallet:    newFakeGateway(entity.ProviderWallet),
		publisher: &recordingPublisher{},
		orphans:   queue.NewMemoryOrphanQueue(),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	env.svc = NewPaymentService(
		env.store,
		provider.NewRegistry(env.card, env.wallet),
		env.publisher,
		env.orphans,
		env.metrics,
		cfg,
		"payments-app-key",
	)
	return env
}

type createReq struct {
	orderID     string
	amount      decimal.Decimal
	currency    string
	method      string
	callbackURL string
}

func (r createReq) GetOrderId() string             { return r.orderID }
func (r createReq) GetAmount() decimal.Decimal     { return r.amount }
func (r createReq) GetCurrency() string            { return r.currency }
func (r createReq) GetMethod() string              { return r.method }
func (r createReq) GetCustomerRef() string         { return "cust-1" }
func (r createReq) GetStatusCallbackUrl() string   { return r.callbackURL }
func (r createReq) GetReturnUrl() string           { return "" }
func (r createReq) GetMetadata() map[string]string { return map[string]string{"channel": "web"} }

type idReq string

func (r idReq) GetId() string { return string(r) }
func (r idReq) GetDetails() map[string]string {
	return map[string]string{"payment_method": "pm_card_visa"}
}

type refundReq struct {
	paymentID string
	amount    *decimal.Decimal
	reason    string
}

func (r refundReq) GetPaymentId() string        { return r.paymentID }
func (r refundReq) GetAmount() *decimal.Decimal { return r.amount }
func (r refundReq) GetReason() string           { return r.reason }

type listReq struct {
	orderID  string
	status   string
	provider string
}

func (r listReq) GetOrderId() string  { return r.orderID }
func (r listReq) GetStatus() string   { return r.status }
func (r listReq) GetProvider() string { return r.provider }
func (r listReq) GetLimit() int32     { return 0 }
func (r listReq) GetOffset() int32    { return 0 }

func usd(orderID, amount string) createReq {
	return createReq{orderID: orderID, amount: decimal.RequireFromString(amount), currency: "USD", method: "CARD"}
}

func amountPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func (e *testEnv) createPayment(t *testing.T, req createReq) *entity.Payment {
	t.Helper()
	result, err := e.svc.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	return result.Payment
}

func (e *testEnv) completedPayment(t *testing.T, orderID, amount string) *entity.Payment {
	t.Helper()
	payment := e.createPayment(t, usd(orderID, amount))
	result, err := e.svc.ConfirmPayment(context.Background(), idReq(payment.ID))
	require.NoError(t, err)
	require.Equal(t, entity.StatusCompleted, result.Payment.Status)
	return result.Payment
}

func (e *testEnv) reload(t *testing.T, id string) *entity.Payment {
	t.Helper()
	payment, err := e.store.Payments.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, payment)
	return payment
}

func webhookBody(t *testing.T, hook fakeWebhook) []byte {
	t.Helper()
	body, err := json.Marshal(hook)
	require.NoError(t, err)
	return body
}

func signed() http.Header {
	headers := http.Header{}
	headers.Set(testSignatureHeader, "valid")
	return headers
}

func unavailableErr() error {
	return &provider.GatewayError{Provider: entity.ProviderCard, Op: "test", Class: provider.ErrGatewayUnavailable, Err: errors.New("connection reset")}
}

func rejectedErr(code, message string) error {
	return &provider.GatewayError{Provider: entity.ProviderCard, Op: "test", Code: code, Message: message, Class: provider.ErrGatewayRejected}
}
