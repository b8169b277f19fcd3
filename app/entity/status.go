package entity

import "strings"

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:        {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:         {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusRefunded},
	StatusFailed:            nil,
	StatusCancelled:         nil,
	StatusRefunded:          nil,
}

func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusProcessing,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
		StatusRefunded,
		StatusPartiallyRefunded,
	}
}

func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := transitions[status]
	return status, ok
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether s -> target is a single edge of the state machine.
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal is true for FAILED, CANCELLED and REFUNDED.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// IsActive is true while the payment still holds its order's single payment slot.
func (s Status) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// IsSettled marks statuses the order service is told about through status callbacks.
func (s Status) IsSettled() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// TransitionPath returns the ordered statuses to walk from s to target. A direct edge yields a
// single step; PENDING reaches PROCESSING successors through PROCESSING.
func TransitionPath(from, target Status) ([]Status, bool) {
	if from.CanTransitionTo(target) {
		return []Status{target}, true
	}
	if from == StatusPending && StatusProcessing.CanTransitionTo(target) {
		return []Status{StatusProcessing, target}, true
	}
	return nil, false
}

type Method string

const (
	MethodCard   Method = "CARD"
	MethodWallet Method = "WALLET"
)

func ParseMethod(raw string) (Method, bool) {
	switch Method(strings.ToUpper(strings.TrimSpace(raw))) {
	case MethodCard:
		return MethodCard, true
	case MethodWallet:
		return MethodWallet, true
	default:
		return "", false
	}
}

type Provider int32

const (
	ProviderUnspecified Provider = 0
	ProviderCard        Provider = 1
	ProviderWallet      Provider = 2
)

func (p Provider) String() string {
	switch p {
	case ProviderCard:
		return "card"
	case ProviderWallet:
		return "wallet"
	default:
		return "unspecified"
	}
}

func ParseProvider(raw string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "card", "1":
		return ProviderCard, true
	case "wallet", "2":
		return ProviderWallet, true
	default:
		return ProviderUnspecified, false
	}
}

// ProviderForMethod routes each payment method to the gateway that settles it.
func ProviderForMethod(method Method) (Provider, bool) {
	switch method {
	case MethodCard:
		return ProviderCard, true
	case MethodWallet:
		return ProviderWallet, true
	default:
		return ProviderUnspecified, false
	}
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

func (s RefundStatus) IsFinal() bool {
	return s == RefundStatusSucceeded || s == RefundStatusFailed
}

type RefundReason string

const (
	RefundReasonRequestedByCustomer RefundReason = "REQUESTED_BY_CUSTOMER"
	RefundReasonDuplicate           RefundReason = "DUPLICATE"
	RefundReasonFraudulent          RefundReason = "FRAUDULENT"
	RefundReasonOrderCancelled      RefundReason = "ORDER_CANCELLED"
)

func ParseRefundReason(raw string) (RefundReason, bool) {
	reason := RefundReason(strings.ToUpper(strings.TrimSpace(raw)))
	switch reason {
	case RefundReasonRequestedByCustomer, RefundReasonDuplicate, RefundReasonFraudulent, RefundReasonOrderCancelled:
		return reason, true
	case "":
		return RefundReasonRequestedByCustomer, true
	default:
		return "", false
	}
}
