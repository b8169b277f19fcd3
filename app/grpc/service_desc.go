package grpc

import (
	"context"
	"encoding/json"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName = "payments.PaymentsService"
	codecName   = "json"
)

// PaymentsServiceServer is the gRPC surface of the orchestrator. Messages travel as JSON under the
// "json" content subtype, so clients dial with grpc.CallContentSubtype("json").
type PaymentsServiceServer interface {
	Health(context.Context, *types.HealthRequest) (*types.HealthResponse, error)
	CreatePayment(context.Context, *types.CreatePaymentRequest) (*types.PaymentWithContinuationResponse, error)
	GetPayment(context.Context, *types.GetPaymentRequest) (*types.PaymentEnvelopeResponse, error)
	GetPaymentByOrder(context.Context, *types.GetPaymentByOrderRequest) (*types.PaymentEnvelopeResponse, error)
	ListPayments(context.Context, *types.ListPaymentsRequest) (*types.ListPaymentsResponse, error)
	ConfirmPayment(context.Context, *types.ConfirmPaymentRequest) (*types.PaymentWithContinuationResponse, error)
	CancelPayment(context.Context, *types.CancelPaymentRequest) (*types.PaymentEnvelopeResponse, error)
	CreateRefund(context.Context, *types.CreateRefundRequest) (*types.RefundEnvelopeResponse, error)
	ListStuckRefunds(context.Context, *types.ListStuckRefundsRequest) (*types.ListStuckRefundsResponse, error)
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func unaryMethod[Req any, Resp any](name string, call func(PaymentsServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PaymentsServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(PaymentsServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var PaymentsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PaymentsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Health", PaymentsServiceServer.Health),
		unaryMethod("CreatePayment", PaymentsServiceServer.CreatePayment),
		unaryMethod("GetPayment", PaymentsServiceServer.GetPayment),
		unaryMethod("GetPaymentByOrder", PaymentsServiceServer.GetPaymentByOrder),
		unaryMethod("ListPayments", PaymentsServiceServer.ListPayments),
		unaryMethod("ConfirmPayment", PaymentsServiceServer.ConfirmPayment),
		unaryMethod("CancelPayment", PaymentsServiceServer.CancelPayment),
		unaryMethod("CreateRefund", PaymentsServiceServer.CreateRefund),
		unaryMethod("ListStuckRefunds", PaymentsServiceServer.ListStuckRefunds),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterPaymentsServiceServer(s grpc.ServiceRegistrar, srv PaymentsServiceServer) {
	s.RegisterService(&PaymentsServiceDesc, srv)
}
