package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position - позиция по инструменту
//
// Производная от филлов и реконсиляции с брокером.
// При расхождении истина на стороне брокера.
type Position struct {
	Symbol        string          `json:"symbol" db:"symbol"`
	NetQty        decimal.Decimal `json:"net_qty" db:"net_qty"` // со знаком: >0 long, <0 short
	AvgCost       decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	Version       int64           `json:"version" db:"version"`
}

// IsFlat возвращает true если позиции нет
func (p *Position) IsFlat() bool {
	return p.NetQty.IsZero()
}

// MarketValue возвращает стоимость позиции по указанной цене
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.NetQty.Mul(price)
}

// ApplyFill пересчитывает позицию по филлу
//
// Усреднение цены при наращивании, фиксация realized PnL при сокращении.
// Вызывается под блокировкой владельца позиции.
func (p *Position) ApplyFill(side string, qty, price decimal.Decimal) {
	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}

	switch {
	case p.NetQty.IsZero():
		// Открытие с нуля
		p.NetQty = signed
		p.AvgCost = price

	case p.NetQty.Sign() == signed.Sign():
		// Наращивание: средневзвешенная цена входа
		total := p.NetQty.Abs().Add(qty)
		p.AvgCost = p.AvgCost.Mul(p.NetQty.Abs()).Add(price.Mul(qty)).Div(total)
		p.NetQty = p.NetQty.Add(signed)

	default:
		// Сокращение или разворот
		closed := decimal.Min(p.NetQty.Abs(), qty)
		pnl := price.Sub(p.AvgCost).Mul(closed)
		if p.NetQty.Sign() < 0 {
			pnl = pnl.Neg()
		}
		p.RealizedPnl = p.RealizedPnl.Add(pnl)
		p.NetQty = p.NetQty.Add(signed)
		if p.NetQty.IsZero() {
			p.AvgCost = decimal.Zero
		} else if p.NetQty.Sign() != signed.Neg().Sign() {
			// Развернулись: остаток открыт по цене сделки
			p.AvgCost = price
		}
	}

	p.Version++
	p.UpdatedAt = time.Now().UTC()
}

// EquityPoint - точка кривой капитала
//
// Пересчитывается на каждом тике, пишется в журнал событий и в кэш состояния.
type EquityPoint struct {
	TS             time.Time       `json:"ts" db:"ts"`
	Equity         decimal.Decimal `json:"equity" db:"equity"`
	Cash           decimal.Decimal `json:"cash" db:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value" db:"positions_value"`
}
