package entity

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrAmountPrecision = errors.New("amount has more decimal places than the currency allows")
)

// currencyExponents holds the ISO 4217 minor unit for every currency the ledger can store.
var currencyExponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"CHF": 2,
	"SEK": 2,
	"RON": 2,
	"JPY": 0,
}

func NormalizeCurrency(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func CurrencyExponent(currency string) (int32, error) {
	exp, ok := currencyExponents[NormalizeCurrency(currency)]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	return exp, nil
}

// ToMinor converts a decimal amount into integer minor units of currency.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	exp, err := CurrencyExponent(currency)
	if err != nil {
		return 0, err
	}
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	return shifted.IntPart(), nil
}

func FromMinor(minor int64, currency string) decimal.Decimal {
	exp, err := CurrencyExponent(currency)
	if err != nil {
		exp = 2
	}
	return decimal.New(minor, -exp)
}
