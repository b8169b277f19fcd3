package grpc

import (
	"context"
	"errors"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/service"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Server struct {
	paymentService *service.PaymentService
}

func NewServer(paymentService *service.PaymentService) *Server {
	return &Server{paymentService: paymentService}
}

func (s *Server) Health(_ context.Context, _ *types.HealthRequest) (*types.HealthResponse, error) {
	return &types.HealthResponse{Status: "ok"}, nil
}

func (s *Server) CreatePayment(ctx context.Context, req *types.CreatePaymentRequest) (*types.PaymentWithContinuationResponse, error) {
	l := loggerWithContext(ctx)
	req.Normalize()
	if err := req.Validate(); err != nil {
		l.WithError(err).Debug("Create payment validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.paymentService.CreatePayment(ctx, req)
	if err != nil {
		return nil, s.statusError(ctx, err, "Create payment failed")
	}

	return &types.PaymentWithContinuationResponse{
		Payment:      mapper.PaymentToResponse(result.Payment),
		Continuation: result.Continuation,
	}, nil
}

func (s *Server) GetPayment(ctx context.Context, req *types.GetPaymentRequest) (*types.PaymentEnvelopeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.paymentService.GetPayment(ctx, req.GetId())
	if err != nil {
		return nil, s.statusError(ctx, err, "Get payment failed")
	}

	return &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(item)}, nil
}

func (s *Server) GetPaymentByOrder(ctx context.Context, req *types.GetPaymentByOrderRequest) (*types.PaymentEnvelopeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.paymentService.GetPaymentByOrderID(ctx, req.GetOrderId())
	if err != nil {
		return nil, s.statusError(ctx, err, "Get payment by order failed")
	}

	return &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(item)}, nil
}

func (s *Server) ListPayments(ctx context.Context, req *types.ListPaymentsRequest) (*types.ListPaymentsResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	items, err := s.paymentService.ListPayments(ctx, req)
	if err != nil {
		return nil, s.statusError(ctx, err, "List payments failed")
	}

	return &types.ListPaymentsResponse{Payments: mapper.PaymentsToResponse(items)}, nil
}

func (s *Server) ConfirmPayment(ctx context.Context, req *types.ConfirmPaymentRequest) (*types.PaymentWithContinuationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.paymentService.ConfirmPayment(ctx, req)
	if err != nil {
		return nil, s.statusError(ctx, err, "Confirm payment failed")
	}

	return &types.PaymentWithContinuationResponse{
		Payment:      mapper.PaymentToResponse(result.Payment),
		Continuation: result.Continuation,
	}, nil
}

func (s *Server) CancelPayment(ctx context.Context, req *types.CancelPaymentRequest) (*types.PaymentEnvelopeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.paymentService.CancelPayment(ctx, req)
	if err != nil {
		return nil, s.statusError(ctx, err, "Cancel payment failed")
	}

	return &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(item)}, nil
}

func (s *Server) CreateRefund(ctx context.Context, req *types.CreateRefundRequest) (*types.RefundEnvelopeResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.paymentService.CreateRefund(ctx, req)
	if err != nil {
		return nil, s.statusError(ctx, err, "Create refund failed")
	}

	return &types.RefundEnvelopeResponse{
		Payment: mapper.PaymentToResponse(result.Payment),
		Refund:  mapper.RefundToResponse(result.Refund, result.Payment.Currency),
	}, nil
}

func (s *Server) ListStuckRefunds(ctx context.Context, _ *types.ListStuckRefundsRequest) (*types.ListStuckRefundsResponse, error) {
	items, err := s.paymentService.StuckRefunds(ctx)
	if err != nil {
		return nil, s.statusError(ctx, err, "List stuck refunds failed")
	}

	refunds := make([]*types.Refund, 0, len(items))
	for _, item := range items {
		refunds = append(refunds, mapper.RefundToResponse(item, item.Currency))
	}

	return &types.ListStuckRefundsResponse{Refunds: refunds, Count: len(refunds)}, nil
}

func (s *Server) statusError(ctx context.Context, err error, logMessage string) error {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrProviderUnsupported):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrPaymentNotFound):
		return status.Error(codes.NotFound, "payment not found")
	case errors.Is(err, service.ErrPaymentAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrGatewayRejected):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		loggerWithContext(ctx).WithError(err).Warn(logMessage)
		return status.Error(codes.Unavailable, "payment gateway unavailable")
	default:
		loggerWithContext(ctx).WithError(err).Error(logMessage)
		return status.Error(codes.Internal, "internal server error")
	}
}
