package service

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("active payment already exists for order")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrProviderUnsupported  = errors.New("provider is not supported")
	ErrGatewayUnavailable   = errors.New("gateway unavailable")
	ErrGatewayRejected      = errors.New("gateway rejected")
	ErrSignatureInvalid     = errors.New("webhook signature invalid")
	ErrMalformedWebhook     = errors.New("malformed webhook payload")
)
