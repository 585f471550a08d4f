package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/engine"
	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

// Мост риск-контроля: единственный путь от сигнала стратегии
// к одобренному интенту. Сайзер выдаёт интент с готовым ключом
// идемпотентности; движок чужих ключей не придумывает.

// SizerConfig - параметры сайзера
type SizerConfig struct {
	// RiskFraction - доля equity на одну позицию при силе сигнала 1.0
	RiskFraction decimal.Decimal

	// MaxPositionPct - потолок доли одного символа в equity
	// (ниже kill-порога супервизора: сайзер не должен доводить до него)
	MaxPositionPct decimal.Decimal

	// LotSize - шаг количества (акции: 1)
	LotSize decimal.Decimal
}

// DefaultSizerConfig возвращает параметры по умолчанию
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		RiskFraction:   decimal.RequireFromString("0.05"),
		MaxPositionPct: decimal.NewFromInt(20),
		LotSize:        decimal.NewFromInt(1),
	}
}

// Sizer - позиционный сайзер
type Sizer struct {
	cfg  SizerConfig
	keys *engine.KeyGenerator
}

// NewSizer создаёт сайзер
func NewSizer(cfg SizerConfig, keys *engine.KeyGenerator) *Sizer {
	return &Sizer{cfg: cfg, keys: keys}
}

// Approve превращает сигнал в одобренный интент
//
// nil = сигнал отклонён (нулевое количество, нет цены, переполнение
// лимита концентрации).
func (s *Sizer) Approve(sig models.Signal, price, equity decimal.Decimal, position *models.Position) *models.Intent {
	if price.Sign() <= 0 || equity.Sign() <= 0 {
		return nil
	}

	var qty decimal.Decimal

	if sig.Side == models.SideSell {
		// Продажа закрывает существующий лонг; шортов сайзер не открывает
		if position == nil || position.NetQty.Sign() <= 0 {
			return nil
		}
		qty = position.NetQty
	} else {
		budget := equity.Mul(s.cfg.RiskFraction).Mul(sig.Strength)

		// Потолок концентрации с учётом уже открытой позиции
		maxValue := equity.Mul(s.cfg.MaxPositionPct).Div(decimal.NewFromInt(100))
		current := decimal.Zero
		if position != nil {
			current = position.NetQty.Abs().Mul(price)
		}
		room := maxValue.Sub(current)
		if room.Sign() <= 0 {
			return nil
		}
		if budget.GreaterThan(room) {
			budget = room
		}

		qty = utils.RoundToLot(budget.Div(price), s.cfg.LotSize)
	}

	if qty.Sign() <= 0 {
		return nil
	}

	now := time.Now().UTC()
	return &models.Intent{
		ClientOrderID: s.keys.ClientOrderID(sig.StrategyID, sig.SignalID, sig.Symbol, sig.Side, qty, now),
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Qty:           qty,
		Type:          models.TypeMarket,
		StrategyID:    sig.StrategyID,
		SignalID:      sig.SignalID,
		DecisionTS:    now,
	}
}
