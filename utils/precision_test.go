package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPrecision_RoundsEveryIntermediate(t *testing.T) {
	cases := []struct {
		name     string
		got      decimal.Decimal
		expected string
	}{
		{"round4 half up", Round4(dec("1.23455")), "1.2346"},
		{"round4 negative", Round4(dec("-1.23455")), "-1.2346"},
		{"add", Add(dec("0.1"), dec("0.2")), "0.3"},
		{"sub", Sub(dec("10"), dec("0.00004")), "10"},
		{"mul", Mul(dec("3.3333"), dec("3")), "9.9999"},
		{"div", Div(dec("10"), dec("3")), "3.3333"},
		{"div by zero", Div(dec("10"), decimal.Zero), "0"},
		{"percent", Percent(dec("250"), dec("23")), "57.5"},
		{"sum", Sum(dec("1.00005"), dec("2"), dec("-0.5")), "2.5001"},
	}
	for _, tc := range cases {
		if !tc.got.Equal(dec(tc.expected)) {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, tc.got.String())
		}
	}
}

func TestPrecision_RepeatedCascadeHasNoDrift(t *testing.T) {
	// 1/3 allocated three times and summed back must stay within the 4-place grid.
	third := Div(dec("100"), dec("3"))
	total := Sum(third, third, third)
	if !total.Equal(dec("99.9999")) {
		t.Fatalf("expected 99.9999, got %s", total)
	}
	if total.Exponent() < -4 {
		t.Fatalf("expected at most 4 decimal places, got exponent %d", total.Exponent())
	}
}

func TestMaxAbsDelta(t *testing.T) {
	got := MaxAbsDelta(
		[]decimal.Decimal{dec("1"), dec("5"), dec("2")},
		[]decimal.Decimal{dec("1.001"), dec("4.99"), dec("2"), dec("-0.3")},
	)
	if !got.Equal(dec("0.3")) {
		t.Fatalf("expected 0.3, got %s", got)
	}
	if !NonNegative(dec("-2")).IsZero() {
		t.Fatalf("expected NonNegative to clamp at zero")
	}
}
