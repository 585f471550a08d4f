package utils

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateSymbol(t *testing.T) {
	valid := []string{"A", "AAPL", "MSFT", "GOOGL", "BRK.B", "SPY"}
	invalid := []string{"", "aapl", "TOOLONG7", "AAPL!", "BRK.BB", "123", "BTCUSDT"}

	for _, s := range valid {
		if err := ValidateSymbol(s); err != nil {
			t.Errorf("ValidateSymbol(%q) = %v, want nil", s, err)
		}
	}
	for _, s := range invalid {
		if err := ValidateSymbol(s); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("ValidateSymbol(%q) = %v, want ErrInvalidSymbol", s, err)
		}
	}
}

func TestValidateSide(t *testing.T) {
	if err := ValidateSide("buy"); err != nil {
		t.Errorf("buy: %v", err)
	}
	if err := ValidateSide("sell"); err != nil {
		t.Errorf("sell: %v", err)
	}
	for _, s := range []string{"", "hold", "BUY", "long"} {
		if err := ValidateSide(s); !errors.Is(err, ErrInvalidSide) {
			t.Errorf("ValidateSide(%q) = %v, want ErrInvalidSide", s, err)
		}
	}
}

func TestValidateOrderType(t *testing.T) {
	if err := ValidateOrderType("market"); err != nil {
		t.Errorf("market: %v", err)
	}
	if err := ValidateOrderType("limit"); err != nil {
		t.Errorf("limit: %v", err)
	}
	for _, s := range []string{"", "stop", "MARKET"} {
		if err := ValidateOrderType(s); !errors.Is(err, ErrInvalidOrderType) {
			t.Errorf("ValidateOrderType(%q) = %v, want ErrInvalidOrderType", s, err)
		}
	}
}

func TestValidateQty(t *testing.T) {
	if err := ValidateQty(decimal.NewFromInt(10)); err != nil {
		t.Errorf("positive qty: %v", err)
	}
	if err := ValidateQty(decimal.RequireFromString("0.5")); err != nil {
		t.Errorf("fractional qty: %v", err)
	}

	for _, q := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)} {
		if err := ValidateQty(q); !errors.Is(err, ErrNonPositiveQty) {
			t.Errorf("ValidateQty(%s) = %v, want ErrNonPositiveQty", q, err)
		}
	}
}
