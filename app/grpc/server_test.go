package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/service"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type grpcGateway struct {
	initiateErr error
}

func (g *grpcGateway) Code() entity.Provider { return entity.ProviderCard }

func (g *grpcGateway) Initiate(_ context.Context, input *provider.InitiateInput) (*provider.InitiateOutput, error) {
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return &provider.InitiateOutput{Handle: "pi_" + input.PaymentID, Status: "requires_payment_method"}, nil
}

func (g *grpcGateway) Confirm(context.Context, string, map[string]string) (*provider.ConfirmOutput, error) {
	return &provider.ConfirmOutput{Status: "succeeded"}, nil
}

func (g *grpcGateway) Cancel(context.Context, string) error { return nil }

func (g *grpcGateway) Refund(_ context.Context, input *provider.RefundInput) (*provider.RefundOutput, error) {
	return &provider.RefundOutput{Reference: "re_" + input.IdempotencyKey, Status: entity.RefundStatusSucceeded}, nil
}

func (g *grpcGateway) GetStatus(context.Context, string) (provider.ProviderStatus, error) {
	return "", errors.New("status query unavailable")
}

func (g *grpcGateway) LookupRefund(context.Context, string, string) (*provider.RefundOutput, error) {
	return nil, nil
}

func (g *grpcGateway) MapStatus(status provider.ProviderStatus) (entity.Status, bool) {
	switch status {
	case "requires_payment_method":
		return entity.StatusPending, true
	case "succeeded":
		return entity.StatusCompleted, true
	default:
		return "", false
	}
}

func (g *grpcGateway) KnownStatuses() []provider.ProviderStatus {
	return []provider.ProviderStatus{"requires_payment_method", "succeeded"}
}

func (g *grpcGateway) SignatureHeader() string { return "X-Test-Signature" }

func (g *grpcGateway) VerifySignature(http.Header, []byte) bool { return false }

func (g *grpcGateway) ParseWebhook([]byte) (*provider.WebhookEvent, error) {
	return nil, provider.ErrMalformedWebhook
}

func newServerForTest(t *testing.T, gateway *grpcGateway) *Server {
	t.Helper()

	ctx := context.Background()
	db, err := repository.Open(ctx, repository.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", repository.PoolConfig{})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := repository.Migrate(ctx, db, repository.DriverSQLite); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}

	paymentService := service.NewPaymentService(
		repository.NewStore(db),
		provider.NewRegistry(gateway),
		nil,
		nil,
		nil,
		config.PaymentsConfig{
			SupportedCurrencies:  []string{"USD"},
			GatewayTimeout:       time.Second,
			InitiateRetryMaxTime: 200 * time.Millisecond,
			CallbackMaxAttempts:  3,
			JobBatchSize:         100,
		},
		"payments-app-key",
	)
	return NewServer(paymentService)
}

func createRequest(orderID string) *types.CreatePaymentRequest {
	return &types.CreatePaymentRequest{
		OrderId:  orderID,
		Amount:   decimal.RequireFromString("25.00"),
		Currency: "usd",
		Method:   "card",
	}
}

func TestServerCreateAndGetPayment(t *testing.T) {
	srv := newServerForTest(t, &grpcGateway{})
	ctx := context.Background()

	created, err := srv.CreatePayment(ctx, createRequest(" ord-grpc-1 "))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Payment.Status != "PENDING" || created.Payment.OrderId != "ord-grpc-1" || created.Payment.Currency != "USD" {
		t.Fatalf("unexpected payment: %+v", created.Payment)
	}

	got, err := srv.GetPayment(ctx, &types.GetPaymentRequest{Id: created.Payment.Id})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Payment.Id != created.Payment.Id {
		t.Fatalf("expected %s, got %s", created.Payment.Id, got.Payment.Id)
	}

	byOrder, err := srv.GetPaymentByOrder(ctx, &types.GetPaymentByOrderRequest{OrderId: "ord-grpc-1"})
	if err != nil {
		t.Fatalf("get by order failed: %v", err)
	}
	if byOrder.Payment.Id != created.Payment.Id {
		t.Fatalf("expected %s, got %s", created.Payment.Id, byOrder.Payment.Id)
	}

	list, err := srv.ListPayments(ctx, &types.ListPaymentsRequest{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list.Payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(list.Payments))
	}
}

func TestServerConfirmRefundAndCancel(t *testing.T) {
	srv := newServerForTest(t, &grpcGateway{})
	ctx := context.Background()

	created, err := srv.CreatePayment(ctx, createRequest("ord-grpc-2"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	confirmed, err := srv.ConfirmPayment(ctx, &types.ConfirmPaymentRequest{Id: created.Payment.Id})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Payment.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", confirmed.Payment.Status)
	}

	amount := decimal.RequireFromString("5.00")
	refund, err := srv.CreateRefund(ctx, &types.CreateRefundRequest{PaymentId: created.Payment.Id, Amount: &amount, Reason: "requested_by_customer"})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.Payment.Status != "PARTIALLY_REFUNDED" || refund.Refund.Reason != "REQUESTED_BY_CUSTOMER" {
		t.Fatalf("unexpected refund response: %+v %+v", refund.Payment, refund.Refund)
	}

	_, err = srv.CancelPayment(ctx, &types.CancelPaymentRequest{Id: created.Payment.Id})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestServerStatusCodes(t *testing.T) {
	ctx := context.Background()
	srv := newServerForTest(t, &grpcGateway{})

	_, err := srv.GetPayment(ctx, &types.GetPaymentRequest{Id: "not-a-uuid"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	_, err = srv.GetPayment(ctx, &types.GetPaymentRequest{Id: uuid.NewString()})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	invalid := createRequest("ord-grpc-3")
	invalid.Amount = decimal.Zero
	_, err = srv.CreatePayment(ctx, invalid)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	unsupported := createRequest("ord-grpc-3")
	unsupported.Currency = "GBP"
	_, err = srv.CreatePayment(ctx, unsupported)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unsupported currency, got %v", err)
	}

	if _, err := srv.CreatePayment(ctx, createRequest("ord-grpc-3")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = srv.CreatePayment(ctx, createRequest("ord-grpc-3"))
	if status.Code(err) != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	unavailable := &provider.GatewayError{Provider: entity.ProviderCard, Op: "initiate", Class: provider.ErrGatewayUnavailable, Err: errors.New("timeout")}
	srv = newServerForTest(t, &grpcGateway{initiateErr: unavailable})
	_, err = srv.CreatePayment(ctx, createRequest("ord-grpc-4"))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}

	rejected := &provider.GatewayError{Provider: entity.ProviderCard, Op: "initiate", Code: "card_declined", Class: provider.ErrGatewayRejected}
	srv = newServerForTest(t, &grpcGateway{initiateErr: rejected})
	_, err = srv.CreatePayment(ctx, createRequest("ord-grpc-5"))
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted, got %v", err)
	}
}

func TestStatusErrorFallsBackToInternal(t *testing.T) {
	srv := &Server{}
	err := srv.statusError(context.Background(), fmt.Errorf("ledger: %w", errors.New("disk full")), "test")
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestServiceDescServesJSONOverTheWire(t *testing.T) {
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(),
		RequestIDInterceptor(),
		LoggingInterceptor(),
	))
	RegisterPaymentsServiceServer(grpcServer, newServerForTest(t, &grpcGateway{}))
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewPaymentsServiceClient(conn)
	_, err = client.Health(ctx, &types.HealthRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument without request id, got %v", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, requestIDHeader, "req-grpc-1")
	var header metadata.MD
	created, err := client.CreatePayment(ctx, createRequest("ord-wire-1"), grpc.Header(&header))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Payment == nil || created.Payment.Status != "PENDING" || created.Payment.Amount != "25.00" {
		t.Fatalf("unexpected payment: %+v", created.Payment)
	}
	if got := header.Get(requestIDHeader); len(got) != 1 || got[0] != "req-grpc-1" {
		t.Fatalf("expected request id header echoed, got %v", got)
	}

	fetched, err := client.GetPayment(ctx, &types.GetPaymentRequest{Id: created.Payment.Id})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if fetched.Payment.Id != created.Payment.Id {
		t.Fatalf("expected %s, got %s", created.Payment.Id, fetched.Payment.Id)
	}
}
