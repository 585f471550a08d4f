package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundToLot(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		lotSize string
		want    string
	}{
		{"round down fractional shares", "33.3333", "1", "33"},
		{"exact multiple unchanged", "100", "1", "100"},
		{"odd lot step", "107", "10", "100"},
		{"fractional lot", "0.123456", "0.001", "0.123"},
		{"zero lot returns value", "42.5", "0", "42.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToLot(d(tt.value), d(tt.lotSize))
			if !got.Equal(d(tt.want)) {
				t.Errorf("RoundToLot(%s, %s) = %s, want %s", tt.value, tt.lotSize, got, tt.want)
			}
		})
	}
}

func TestWeightedAverage(t *testing.T) {
	tests := []struct {
		name                        string
		prevAvg, prevQty, price, qty string
		want                        string
	}{
		{"first fill", "0", "0", "150", "10", "150"},
		{"equal weights", "100", "10", "110", "10", "105"},
		{"uneven weights", "100", "4", "110", "6", "106"},
		{"zero total", "0", "0", "0", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedAverage(d(tt.prevAvg), d(tt.prevQty), d(tt.price), d(tt.qty))
			if !got.Equal(d(tt.want)) {
				t.Errorf("WeightedAverage = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPercentOf(t *testing.T) {
	if got := PercentOf(d("-5100"), d("100000")); !got.Equal(d("-5.1")) {
		t.Errorf("PercentOf = %s, want -5.1", got)
	}
	if got := PercentOf(d("10"), decimal.Zero); !got.IsZero() {
		t.Errorf("PercentOf with zero whole = %s, want 0", got)
	}
}

func TestDrawdownPct(t *testing.T) {
	tests := []struct {
		name   string
		equity string
		peak   string
		want   string
	}{
		{"fifteen percent", "102000", "120000", "15"},
		{"no drawdown", "120000", "120000", "0"},
		{"equity above peak clamps to zero", "125000", "120000", "0"},
		{"zero peak guards", "100", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DrawdownPct(d(tt.equity), d(tt.peak))
			if !got.Equal(d(tt.want)) {
				t.Errorf("DrawdownPct(%s, %s) = %s, want %s", tt.equity, tt.peak, got, tt.want)
			}
		})
	}
}
