package grpc

import (
	"context"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
	"google.golang.org/grpc"
)

// PaymentsServiceClient calls PaymentsService over a connection, forcing the json content subtype.
type PaymentsServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPaymentsServiceClient(cc grpc.ClientConnInterface) *PaymentsServiceClient {
	return &PaymentsServiceClient{cc: cc}
}

func (c *PaymentsServiceClient) Health(ctx context.Context, in *types.HealthRequest, opts ...grpc.CallOption) (*types.HealthResponse, error) {
	out := new(types.HealthResponse)
	return out, c.invoke(ctx, "Health", in, out, opts)
}

func (c *PaymentsServiceClient) CreatePayment(ctx context.Context, in *types.CreatePaymentRequest, opts ...grpc.CallOption) (*types.PaymentWithContinuationResponse, error) {
	out := new(types.PaymentWithContinuationResponse)
	return out, c.invoke(ctx, "CreatePayment", in, out, opts)
}

func (c *PaymentsServiceClient) GetPayment(ctx context.Context, in *types.GetPaymentRequest, opts ...grpc.CallOption) (*types.PaymentEnvelopeResponse, error) {
	out := new(types.PaymentEnvelopeResponse)
	return out, c.invoke(ctx, "GetPayment", in, out, opts)
}

func (c *PaymentsServiceClient) GetPaymentByOrder(ctx context.Context, in *types.GetPaymentByOrderRequest, opts ...grpc.CallOption) (*types.PaymentEnvelopeResponse, error) {
	out := new(types.PaymentEnvelopeResponse)
	return out, c.invoke(ctx, "GetPaymentByOrder", in, out, opts)
}

func (c *PaymentsServiceClient) ListPayments(ctx context.Context, in *types.ListPaymentsRequest, opts ...grpc.CallOption) (*types.ListPaymentsResponse, error) {
	out := new(types.ListPaymentsResponse)
	return out, c.invoke(ctx, "ListPayments", in, out, opts)
}

func (c *PaymentsServiceClient) ConfirmPayment(ctx context.Context, in *types.ConfirmPaymentRequest, opts ...grpc.CallOption) (*types.PaymentWithContinuationResponse, error) {
	out := new(types.PaymentWithContinuationResponse)
	return out, c.invoke(ctx, "ConfirmPayment", in, out, opts)
}

func (c *PaymentsServiceClient) CancelPayment(ctx context.Context, in *types.CancelPaymentRequest, opts ...grpc.CallOption) (*types.PaymentEnvelopeResponse, error) {
	out := new(types.PaymentEnvelopeResponse)
	return out, c.invoke(ctx, "CancelPayment", in, out, opts)
}

func (c *PaymentsServiceClient) CreateRefund(ctx context.Context, in *types.CreateRefundRequest, opts ...grpc.CallOption) (*types.RefundEnvelopeResponse, error) {
	out := new(types.RefundEnvelopeResponse)
	return out, c.invoke(ctx, "CreateRefund", in, out, opts)
}

func (c *PaymentsServiceClient) ListStuckRefunds(ctx context.Context, in *types.ListStuckRefundsRequest, opts ...grpc.CallOption) (*types.ListStuckRefundsResponse, error) {
	out := new(types.ListStuckRefundsResponse)
	return out, c.invoke(ctx, "ListStuckRefunds", in, out, opts)
}

func (c *PaymentsServiceClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}
