package feesplit

import (
	"testing"

	"invoicing/pkg/models"
	"invoicing/pkg/money"
)

func TestComputeKnownValues(t *testing.T) {
	cases := []struct {
		gross   int64
		rate    int
		fee     int64
		payee   int64
		comment string
	}{
		{30000, 200, 600, 29400, "300.00 at 2%"},
		{10000, 200, 200, 9800, "100.00 at 2%"},
		{25, 200, 1, 24, "0.25 at 2% rounds half up"},
		{24, 200, 0, 24, "0.24 at 2% rounds down"},
		{1, 200, 0, 1, "one cent"},
		{0, 200, 0, 0, "zero"},
		{12345, 0, 0, 12345, "zero rate"},
		{12345, 10000, 12345, 0, "full rate"},
		{333, 290, 10, 323, "odd rate"},
	}
	for _, tc := range cases {
		split, err := Compute(money.FromMinor(tc.gross), tc.rate)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.comment, err)
		}
		if split.PlatformFee.MinorUnits() != tc.fee || split.PayeeNet.MinorUnits() != tc.payee {
			t.Fatalf("%s: expected fee=%d payee=%d, got fee=%d payee=%d",
				tc.comment, tc.fee, tc.payee, split.PlatformFee.MinorUnits(), split.PayeeNet.MinorUnits())
		}
	}
}

func TestComputeConservesGross(t *testing.T) {
	rates := []int{0, 1, 50, 199, 200, 250, 290, 1000, 9999, 10000}
	for _, rate := range rates {
		for gross := int64(0); gross <= 5000; gross += 7 {
			split, err := Compute(money.FromMinor(gross), rate)
			if err != nil {
				t.Fatalf("gross=%d rate=%d: %v", gross, rate, err)
			}
			if split.PlatformFee+split.PayeeNet != split.Gross {
				t.Fatalf("gross=%d rate=%d: fee %d + net %d != gross", gross, rate, split.PlatformFee, split.PayeeNet)
			}
			if split.PlatformFee < 0 || split.PayeeNet < 0 {
				t.Fatalf("gross=%d rate=%d: negative component %+v", gross, rate, split)
			}
		}
	}
}

func TestComputeRejectsInvalidInput(t *testing.T) {
	if _, err := Compute(-1, 200); err == nil {
		t.Fatal("expected error for negative gross")
	}
	if _, err := Compute(100, -1); err == nil {
		t.Fatal("expected error for negative rate")
	}
	if _, err := Compute(100, MaxRateBps+1); err == nil {
		t.Fatal("expected error for rate over 100%")
	}
}

func TestCalculatorUsesAccountOverride(t *testing.T) {
	calc := NewCalculator(GlobalRate{Bps: 200})

	split, err := calc.Split(money.FromMajor(300), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if split.PlatformFee != money.FromMajor(6) {
		t.Fatalf("expected global fee 6.00, got %s", split.PlatformFee)
	}

	override := 100
	split, err = calc.Split(money.FromMajor(300), &models.ConnectedAccount{FeeRateBps: &override})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if split.PlatformFee != money.FromMajor(3) || split.RateBps != 100 {
		t.Fatalf("expected override fee 3.00 at 100bps, got %+v", split)
	}
}

func TestNewCalculatorDefaultsRate(t *testing.T) {
	split, err := NewCalculator(nil).Split(money.FromMajor(100), &models.ConnectedAccount{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if split.RateBps != DefaultRateBps {
		t.Fatalf("expected default rate %d, got %d", DefaultRateBps, split.RateBps)
	}
}
