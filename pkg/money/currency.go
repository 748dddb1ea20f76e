package money

import (
	"strings"

	"invoicing/pkg/config"
)

const (
	defaultCurrencyEnv      = "BILLING_CURRENCY"
	defaultCurrencyFallback = "USD"
)

// DefaultCurrency returns the currency invoices are assumed to be in when none is recorded.
func DefaultCurrency() string {
	return NormalizeCurrency(config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback))
}

// NormalizeCurrency upper-cases an ISO 4217 code. Empty input yields the default currency.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return strings.ToUpper(config.GetEnv(defaultCurrencyEnv, defaultCurrencyFallback))
	}
	return code
}

// ProcessorCurrency is the lower-case form card processors expect.
func ProcessorCurrency(code string) string {
	return strings.ToLower(NormalizeCurrency(code))
}
