package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/factory"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/service"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
)

type PaymentController struct {
	paymentService *service.PaymentService
	logger         logrus.FieldLogger
}

func NewPaymentController(paymentService *service.PaymentService) *PaymentController {
	return &PaymentController{
		paymentService: paymentService,
		logger:         factory.NewModuleLogger("payments-controller"),
	}
}

func (c *PaymentController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *PaymentController) CreatePayment(ctx echo.Context) error {
	req, err := types.NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.paymentService.CreatePayment(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "Create payment failed")
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentWithContinuationResponse{
		Payment:      mapper.PaymentToResponse(result.Payment),
		Continuation: result.Continuation,
	})
}

func (c *PaymentController) GetPayment(ctx echo.Context) error {
	req, err := types.NewGetPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.GetPayment(ctx.Request().Context(), req.GetId())
	if err != nil {
		return c.writeServiceError(ctx, err, "Get payment failed")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) GetPaymentByOrder(ctx echo.Context) error {
	req, err := types.NewGetPaymentByOrderRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.GetPaymentByOrderID(ctx.Request().Context(), req.GetOrderId())
	if err != nil {
		return c.writeServiceError(ctx, err, "Get payment by order failed")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) ListPayments(ctx echo.Context) error {
	req, err := types.NewListPaymentsRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.paymentService.ListPayments(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "List payments failed")
	}

	return ctx.JSON(http.StatusOK, &types.ListPaymentsResponse{Payments: mapper.PaymentsToResponse(items)})
}

func (c *PaymentController) ConfirmPayment(ctx echo.Context) error {
	req, err := types.NewConfirmPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.paymentService.ConfirmPayment(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "Confirm payment failed")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentWithContinuationResponse{
		Payment:      mapper.PaymentToResponse(result.Payment),
		Continuation: result.Continuation,
	})
}

func (c *PaymentController) CancelPayment(ctx echo.Context) error {
	req, err := types.NewCancelPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.CancelPayment(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "Cancel payment failed")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentEnvelopeResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) CreateRefund(ctx echo.Context) error {
	req, err := types.NewCreateRefundRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.paymentService.CreateRefund(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "Create refund failed")
	}

	return ctx.JSON(http.StatusCreated, &types.RefundEnvelopeResponse{
		Payment: mapper.PaymentToResponse(result.Payment),
		Refund:  mapper.RefundToResponse(result.Refund, result.Payment.Currency),
	})
}

func (c *PaymentController) ListStuckRefunds(ctx echo.Context) error {
	items, err := c.paymentService.StuckRefunds(ctx.Request().Context())
	if err != nil {
		return c.writeServiceError(ctx, err, "List stuck refunds failed")
	}

	refunds := make([]*types.Refund, 0, len(items))
	for _, item := range items {
		refunds = append(refunds, mapper.RefundToResponse(item, item.Currency))
	}

	return ctx.JSON(http.StatusOK, &types.ListStuckRefundsResponse{Refunds: refunds, Count: len(refunds)})
}

// HandleWebhook acknowledges with 2xx only after the event is recorded; orphaned events get 202.
func (c *PaymentController) HandleWebhook(ctx echo.Context) error {
	req, err := types.NewWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.paymentService.HandleWebhook(ctx.Request().Context(), req.GetProvider(), ctx.Request().Header, req.GetPayload())
	if err != nil {
		return c.writeServiceError(ctx, err, "Handle webhook failed")
	}

	statusCode := http.StatusOK
	if result.Outcome == entity.WebhookOutcomeOrphaned {
		statusCode = http.StatusAccepted
	}
	return ctx.JSON(statusCode, &types.WebhookAckResponse{
		Outcome:   string(result.Outcome),
		EventId:   result.EventID,
		PaymentId: result.PaymentID,
		Status:    string(result.Status),
	})
}

func (c *PaymentController) writeServiceError(ctx echo.Context, err error, logMessage string) error {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrProviderUnsupported),
		errors.Is(err, service.ErrSignatureInvalid),
		errors.Is(err, service.ErrMalformedWebhook):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrPaymentNotFound):
		return c.writeError(ctx, http.StatusNotFound, "payment not found")
	case errors.Is(err, service.ErrPaymentAlreadyExists), errors.Is(err, service.ErrInvalidTransition):
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrGatewayRejected):
		return c.writeError(ctx, http.StatusBadGateway, err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn(logMessage)
		return c.writeError(ctx, http.StatusServiceUnavailable, "payment gateway unavailable")
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *PaymentController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
