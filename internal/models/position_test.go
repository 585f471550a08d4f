package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// TestApplyFill_OpenAndAccumulate проверяет открытие и усреднение
func TestApplyFill_OpenAndAccumulate(t *testing.T) {
	p := &Position{Symbol: "AAPL"}

	p.ApplyFill(SideBuy, d("10"), d("100"))
	if !p.NetQty.Equal(d("10")) || !p.AvgCost.Equal(d("100")) {
		t.Fatalf("open: net=%s avg=%s", p.NetQty, p.AvgCost)
	}

	// Наращивание: (10*100 + 10*110) / 20 = 105
	p.ApplyFill(SideBuy, d("10"), d("110"))
	if !p.NetQty.Equal(d("20")) {
		t.Errorf("net = %s, want 20", p.NetQty)
	}
	if !p.AvgCost.Equal(d("105")) {
		t.Errorf("avg = %s, want 105", p.AvgCost)
	}
	if !p.RealizedPnl.IsZero() {
		t.Errorf("accumulation must not realize pnl, got %s", p.RealizedPnl)
	}
}

// TestApplyFill_ReduceRealizesPnl проверяет фиксацию PnL при сокращении
func TestApplyFill_ReduceRealizesPnl(t *testing.T) {
	p := &Position{Symbol: "AAPL"}
	p.ApplyFill(SideBuy, d("10"), d("100"))

	// Продажа 4 по 110: realized = (110-100)*4 = 40
	p.ApplyFill(SideSell, d("4"), d("110"))

	if !p.NetQty.Equal(d("6")) {
		t.Errorf("net = %s, want 6", p.NetQty)
	}
	if !p.AvgCost.Equal(d("100")) {
		t.Errorf("avg must not change on reduce, got %s", p.AvgCost)
	}
	if !p.RealizedPnl.Equal(d("40")) {
		t.Errorf("realized = %s, want 40", p.RealizedPnl)
	}
}

// TestApplyFill_CloseToFlat проверяет полное закрытие
func TestApplyFill_CloseToFlat(t *testing.T) {
	p := &Position{Symbol: "AAPL"}
	p.ApplyFill(SideBuy, d("5"), d("200"))
	p.ApplyFill(SideSell, d("5"), d("190"))

	if !p.IsFlat() {
		t.Fatalf("position must be flat, net = %s", p.NetQty)
	}
	if !p.AvgCost.IsZero() {
		t.Errorf("avg cost must reset on flat, got %s", p.AvgCost)
	}
	if !p.RealizedPnl.Equal(d("-50")) {
		t.Errorf("realized = %s, want -50", p.RealizedPnl)
	}
}

// TestApplyFill_Reversal проверяет разворот через ноль
func TestApplyFill_Reversal(t *testing.T) {
	p := &Position{Symbol: "AAPL"}
	p.ApplyFill(SideBuy, d("5"), d("100"))

	// Продажа 8 по 120: закрываем 5 (+100), открываем шорт 3 по 120
	p.ApplyFill(SideSell, d("8"), d("120"))

	if !p.NetQty.Equal(d("-3")) {
		t.Errorf("net = %s, want -3", p.NetQty)
	}
	if !p.AvgCost.Equal(d("120")) {
		t.Errorf("reversed position opens at trade price, got %s", p.AvgCost)
	}
	if !p.RealizedPnl.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", p.RealizedPnl)
	}
}

// TestApplyFill_ShortSide проверяет PnL короткой позиции
func TestApplyFill_ShortSide(t *testing.T) {
	p := &Position{Symbol: "AAPL"}
	p.ApplyFill(SideSell, d("10"), d("100"))

	if !p.NetQty.Equal(d("-10")) {
		t.Fatalf("net = %s, want -10", p.NetQty)
	}

	// Откуп 10 по 90: шорт зарабатывает на падении, realized = +100
	p.ApplyFill(SideBuy, d("10"), d("90"))
	if !p.RealizedPnl.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", p.RealizedPnl)
	}
}

// TestApplyFill_VersionGrows проверяет рост версии на каждом филле
func TestApplyFill_VersionGrows(t *testing.T) {
	p := &Position{Symbol: "AAPL"}
	p.ApplyFill(SideBuy, d("1"), d("100"))
	p.ApplyFill(SideBuy, d("1"), d("100"))

	if p.Version != 2 {
		t.Errorf("version = %d, want 2", p.Version)
	}
	if p.UpdatedAt.IsZero() {
		t.Error("updated_at must be set")
	}
}

// TestOrderRemaining проверяет расчёт остатка
func TestOrderRemaining(t *testing.T) {
	o := &Order{Qty: d("10"), FilledQty: d("6")}
	if !o.Remaining().Equal(d("4")) {
		t.Errorf("remaining = %s, want 4", o.Remaining())
	}
}

// TestMarketValue проверяет стоимость позиции
func TestMarketValue(t *testing.T) {
	p := &Position{Symbol: "AAPL", NetQty: d("-3")}
	if !p.MarketValue(d("100")).Equal(d("-300")) {
		t.Errorf("market value = %s, want -300", p.MarketValue(d("100")))
	}
}
