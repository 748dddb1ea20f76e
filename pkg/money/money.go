// Package money holds currency amounts as integer minor units (cents).
//
// Floating point never enters the arithmetic; decimal strings are parsed
// exactly via shopspring/decimal and rounded half-up to two places.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by an Amount.
const Scale = 2

// Amount is a currency amount in minor units.
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// FromMinor wraps a minor-unit integer.
func FromMinor(minor int64) Amount {
	return Amount(minor)
}

// FromMajor builds an amount from whole currency units, e.g. FromMajor(300) is $300.00.
func FromMajor(major int64) Amount {
	return Amount(major * 100)
}

// Parse reads a decimal string such as "300", "300.5" or "19.999".
// More than two fractional digits are rounded half-up.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return fromDecimal(d)
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// fromDecimal rounds d half-up to two places and converts to minor units. Values that do not
// fit in an int64 are rejected rather than wrapped.
func fromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Round(Scale).Shift(Scale)
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("amount %s is out of range", d.String())
	}
	return Amount(minor.IntPart()), nil
}

// MinorUnits returns the raw integer value.
func (a Amount) MinorUnits() int64 {
	return int64(a)
}

// Decimal returns the exact decimal representation.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// String formats with exactly two decimals, e.g. "294.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool {
	return a > 0
}

// MarshalJSON encodes the amount as a fixed two-decimal string so clients never see float noise.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string ("12.50") or a bare JSON number (12.5).
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
