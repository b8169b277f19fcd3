package types

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

const (
	defaultListLimit = int32(100)
	maxWebhookBytes  = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func NewCreatePaymentRequestFromContext(ctx echo.Context) (*CreatePaymentRequest, error) {
	var body CreatePaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.Normalize()

	return &body, nil
}

// Normalize trims the request and upper-cases the currency and method codes.
func (r *CreatePaymentRequest) Normalize() {
	r.OrderId = strings.TrimSpace(r.OrderId)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	r.CustomerRef = strings.TrimSpace(r.CustomerRef)
	r.StatusCallbackUrl = strings.TrimSpace(r.StatusCallbackUrl)
	r.ReturnUrl = strings.TrimSpace(r.ReturnUrl)
}

func (r *CreatePaymentRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.GetAmount().Sign() <= 0 {
		return errors.New("amount must be > 0")
	}
	return nil
}

func NewGetPaymentRequestFromContext(ctx echo.Context) (*GetPaymentRequest, error) {
	return &GetPaymentRequest{Id: strings.TrimSpace(ctx.Param("id"))}, nil
}

func (r *GetPaymentRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return errors.New("invalid payment id")
	}
	return nil
}

func NewGetPaymentByOrderRequestFromContext(ctx echo.Context) (*GetPaymentByOrderRequest, error) {
	return &GetPaymentByOrderRequest{OrderId: strings.TrimSpace(ctx.Param("order_id"))}, nil
}

func (r *GetPaymentByOrderRequest) Validate() error {
	return validateStruct(r)
}

func NewListPaymentsRequestFromContext(ctx echo.Context) (*ListPaymentsRequest, error) {
	req := &ListPaymentsRequest{
		OrderId:  strings.TrimSpace(ctx.QueryParam("order_id")),
		Status:   strings.ToUpper(strings.TrimSpace(ctx.QueryParam("status"))),
		Provider: strings.ToLower(strings.TrimSpace(ctx.QueryParam("provider"))),
		Limit:    defaultListLimit,
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentsRequest) Validate() error {
	if r.Limit == 0 {
		r.Limit = defaultListLimit
	}
	return validateStruct(r)
}

func NewConfirmPaymentRequestFromContext(ctx echo.Context) (*ConfirmPaymentRequest, error) {
	var body ConfirmPaymentRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.Id = strings.TrimSpace(ctx.Param("id"))

	return &body, nil
}

func (r *ConfirmPaymentRequest) Validate() error {
	return validateStruct(r)
}

func NewCancelPaymentRequestFromContext(ctx echo.Context) (*CancelPaymentRequest, error) {
	var body CancelPaymentRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.Id = strings.TrimSpace(ctx.Param("id"))
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *CancelPaymentRequest) Validate() error {
	return validateStruct(r)
}

func NewCreateRefundRequestFromContext(ctx echo.Context) (*CreateRefundRequest, error) {
	var body CreateRefundRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.PaymentId = ctx.Param("id")
	body.Normalize()

	return &body, nil
}

func (r *CreateRefundRequest) Normalize() {
	r.PaymentId = strings.TrimSpace(r.PaymentId)
	r.Reason = strings.ToUpper(strings.TrimSpace(r.Reason))
}

func (r *CreateRefundRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.Amount != nil && r.Amount.Sign() <= 0 {
		return errors.New("amount must be > 0")
	}
	return nil
}

// NewWebhookRequestFromContext keeps the body byte-for-byte; signatures are computed over the raw payload.
func NewWebhookRequestFromContext(ctx echo.Context) (*WebhookRequest, error) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBytes))
	if err != nil {
		return nil, err
	}

	return &WebhookRequest{
		Provider: strings.ToLower(strings.TrimSpace(ctx.Param("provider"))),
		Payload:  payload,
	}, nil
}

func (r *WebhookRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// validateStruct runs the struct tags and reports the first failure using the JSON field name.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := toSnakeCase(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", field, fe.Param())
	case "len":
		return fmt.Errorf("%s must be %s characters", field, fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Errorf("%s must be at least %s", field, fe.Param())
	case "uuid":
		return fmt.Errorf("%s must be a uuid", field)
	case "url":
		return fmt.Errorf("%s must be a valid url", field)
	default:
		return fmt.Errorf("%s is invalid", field)
	}
}

func toSnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
