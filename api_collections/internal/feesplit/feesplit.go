// Package feesplit divides a card charge between the platform and the connected payee.
package feesplit

import (
	"fmt"

	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

// DefaultRateBps is the platform fee observed for card collections: 2%.
const DefaultRateBps = 200

// MaxRateBps is 100%.
const MaxRateBps = 10000

// Split is the result of dividing a gross amount.
type Split struct {
	Gross       money.Amount `json:"gross"`
	RateBps     int          `json:"rate_bps"`
	PlatformFee money.Amount `json:"platform_fee"`
	PayeeNet    money.Amount `json:"payee_net"`
}

// Compute returns platformFee = round_half_up(gross * rate / 10000) and payeeNet = gross - platformFee.
// PlatformFee + PayeeNet always equals gross.
func Compute(gross money.Amount, rateBps int) (Split, error) {
	if gross < 0 {
		return Split{}, fmt.Errorf("gross amount must not be negative, got %s", gross)
	}
	if rateBps < 0 || rateBps > MaxRateBps {
		return Split{}, fmt.Errorf("fee rate must be between 0 and %d bps, got %d", MaxRateBps, rateBps)
	}

	g := gross.MinorUnits()
	r := int64(rateBps)
	// g*r must stay below 2^63.
	if g > (1<<62)/MaxRateBps {
		return Split{}, fmt.Errorf("gross amount %s too large", gross)
	}
	fee := (g*r + MaxRateBps/2) / MaxRateBps

	return Split{
		Gross:       gross,
		RateBps:     rateBps,
		PlatformFee: money.FromMinor(fee),
		PayeeNet:    money.FromMinor(g - fee),
	}, nil
}

// RateSource resolves the fee rate applied to a payee.
type RateSource interface {
	RateFor(account *models.ConnectedAccount) int
}

// GlobalRate applies one configured rate, honoring per-account overrides when present.
type GlobalRate struct {
	Bps int
}

// RateFor returns the account override if set, otherwise the global rate.
func (g GlobalRate) RateFor(account *models.ConnectedAccount) int {
	if account != nil && account.FeeRateBps != nil {
		return *account.FeeRateBps
	}
	return g.Bps
}

// Calculator splits gross amounts using an injected rate source.
type Calculator struct {
	rates RateSource
}

// NewCalculator creates a calculator. A nil source falls back to DefaultRateBps.
func NewCalculator(rates RateSource) *Calculator {
	if rates == nil {
		rates = GlobalRate{Bps: DefaultRateBps}
	}
	return &Calculator{rates: rates}
}

// Split divides gross for the given payee.
func (c *Calculator) Split(gross money.Amount, account *models.ConnectedAccount) (Split, error) {
	return Compute(gross, c.rates.RateFor(account))
}
