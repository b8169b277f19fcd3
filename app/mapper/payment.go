package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
)

func PaymentToResponse(item *entity.Payment) *types.Payment {
	if item == nil {
		return nil
	}

	exp := currencyExponent(item.Currency)
	refunds := RefundsToResponse(item.Refunds, item.Currency)
	eventIDs := append([]string{}, item.WebhookEventIDs...)

	return &types.Payment{
		Id:                  item.ID,
		OrderId:             item.OrderID,
		CustomerRef:         derefString(item.CustomerRef),
		Amount:              item.Amount.StringFixed(exp),
		Currency:            item.Currency,
		TotalRefunded:       item.TotalRefunded.StringFixed(exp),
		NetAmount:           item.NetAmount().StringFixed(exp),
		RemainingRefundable: item.RemainingRefundable().StringFixed(exp),
		Method:              string(item.Method),
		Provider:            item.Provider.String(),
		Status:              string(item.Status),
		ProviderReference:   item.ProviderReference,
		FailureCode:         derefString(item.FailureCode),
		FailureReason:       derefString(item.FailureReason),
		StatusCallbackUrl:   item.StatusCallbackURL,
		Metadata:            cloneMetadata(item.Metadata),
		Refunds:             refunds,
		WebhookEventIds:     eventIDs,
		CreatedAt:           formatTime(item.CreatedAt),
		UpdatedAt:           formatTime(item.UpdatedAt),
		ProcessedAt:         formatOptionalTime(item.ProcessedAt),
	}
}

func PaymentsToResponse(items []*entity.Payment) []*types.Payment {
	result := make([]*types.Payment, 0, len(items))
	for _, item := range items {
		result = append(result, PaymentToResponse(item))
	}
	return result
}

func RefundToResponse(item *entity.Refund, currency string) *types.Refund {
	if item == nil {
		return nil
	}

	return &types.Refund{
		Id:                      item.ID,
		PaymentId:               item.PaymentID,
		Amount:                  item.Amount.StringFixed(currencyExponent(currency)),
		Reason:                  string(item.Reason),
		Status:                  string(item.Status),
		ProviderRefundReference: derefString(item.ProviderRefundReference),
		CreatedAt:               formatTime(item.CreatedAt),
		UpdatedAt:               formatTime(item.UpdatedAt),
		ProcessedAt:             formatOptionalTime(item.ProcessedAt),
	}
}

func RefundsToResponse(items []*entity.Refund, currency string) []*types.Refund {
	result := make([]*types.Refund, 0, len(items))
	for _, item := range items {
		result = append(result, RefundToResponse(item, currency))
	}
	return result
}

func currencyExponent(currency string) int32 {
	exp, err := entity.CurrencyExponent(currency)
	if err != nil {
		return 2
	}
	return exp
}

func formatTime(v time.Time) string {
	return v.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return formatTime(*v)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
