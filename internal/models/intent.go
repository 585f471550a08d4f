package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Режимы рынка (результат работы детектора режима)
const (
	RegimeTrend = "trend" // направленное движение
	RegimeChop  = "chop"  // боковик
	RegimePanic = "panic" // всплеск волатильности, торговля сворачивается
)

// Signal - сигнал стратегии до прохождения риск-контроля
type Signal struct {
	SignalID   string          `json:"signal_id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Strength   decimal.Decimal `json:"strength"` // 0..1, используется сайзером
	TS         time.Time       `json:"ts"`
}

// Intent - одобренное риск-контролем торговое намерение
//
// Единственный вход в движок жизненного цикла ордеров.
// ClientOrderID обязателен: движок не придумывает ключи идемпотентности сам.
type Intent struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          string          `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	StrategyID    string          `json:"strategy_id"`
	SignalID      string          `json:"signal_id"`
	DecisionTS    time.Time       `json:"decision_ts"`
}
