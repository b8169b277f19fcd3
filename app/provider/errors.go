package provider

import (
	"errors"
	"fmt"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
)

var (
	ErrGatewayUnavailable   = errors.New("gateway unavailable")
	ErrGatewayRejected      = errors.New("gateway rejected request")
	ErrProviderNotSupported = errors.New("provider is not supported")
	ErrMalformedWebhook     = errors.New("malformed webhook payload")
)

// GatewayError carries the gateway's own failure code and message next to the error class.
type GatewayError struct {
	Provider entity.Provider
	Op       string
	Code     string
	Message  string
	Class    error
	Err      error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Class)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

func unavailable(p entity.Provider, op string, err error) error {
	return &GatewayError{Provider: p, Op: op, Class: ErrGatewayUnavailable, Err: err}
}

func rejected(p entity.Provider, op, code, message string) error {
	return &GatewayError{Provider: p, Op: op, Code: code, Message: message, Class: ErrGatewayRejected}
}

// FailureDetails extracts the gateway failure code and message, if any.
func FailureDetails(err error) (code string, message string) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code, gwErr.Message
	}
	return "", ""
}
