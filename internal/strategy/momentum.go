package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// Momentum - трендследящая стратегия на пересечении скользящих средних
//
// Работает только в режиме trend. Сигнал на покупку при fast > slow,
// на продажу существующей позиции при fast < slow. В chop и panic
// молчит - режимный фильтр отсекает пилу.
type Momentum struct {
	id         string
	symbols    []string
	fastWindow int
	slowWindow int
}

// NewMomentum создаёт стратегию
func NewMomentum(symbols []string, fastWindow, slowWindow int) *Momentum {
	if fastWindow <= 0 {
		fastWindow = 10
	}
	if slowWindow <= fastWindow {
		slowWindow = fastWindow * 3
	}
	return &Momentum{
		id:         fmt.Sprintf("momentum_%d_%d", fastWindow, slowWindow),
		symbols:    symbols,
		fastWindow: fastWindow,
		slowWindow: slowWindow,
	}
}

// ID возвращает идентификатор стратегии
func (m *Momentum) ID() string {
	return m.id
}

// ShouldRun - только направленный рынок
func (m *Momentum) ShouldRun(regime string) bool {
	return regime == models.RegimeTrend
}

// ProduceSignals возвращает сигналы текущего такта
func (m *Momentum) ProduceSignals(_ context.Context, mc *MarketContext) []models.Signal {
	var signals []models.Signal

	for _, symbol := range m.symbols {
		bars := mc.Bars[symbol]
		if len(bars) < m.slowWindow {
			continue
		}

		fast := smaClose(bars[len(bars)-m.fastWindow:])
		slow := smaClose(bars[len(bars)-m.slowWindow:])

		pos := mc.Positions[symbol]
		hasLong := pos != nil && pos.NetQty.Sign() > 0

		switch {
		case fast.GreaterThan(slow) && !hasLong:
			signals = append(signals, m.signal(symbol, models.SideBuy, fast, slow, mc.Now))

		case fast.LessThan(slow) && hasLong:
			signals = append(signals, m.signal(symbol, models.SideSell, fast, slow, mc.Now))
		}
	}

	return signals
}

// signal собирает сигнал с силой, пропорциональной разрыву SMA
func (m *Momentum) signal(symbol, side string, fast, slow decimal.Decimal, now time.Time) models.Signal {
	strength := decimal.RequireFromString("0.5")
	if slow.Sign() > 0 {
		gap := fast.Sub(slow).Abs().Div(slow).Mul(decimal.NewFromInt(100))
		// 0.5 базы + до 0.5 за разрыв свыше процента
		bonus := decimal.Min(gap, decimal.NewFromInt(1)).Mul(decimal.RequireFromString("0.5"))
		strength = strength.Add(bonus)
	}

	return models.Signal{
		SignalID:   uuid.NewString(),
		StrategyID: m.id,
		Symbol:     symbol,
		Side:       side,
		Strength:   strength,
		TS:         now,
	}
}

// smaClose - среднее закрытие баров
func smaClose(bars []*models.Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}
