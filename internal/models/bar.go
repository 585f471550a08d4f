package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Уровни качества рыночных данных
//
// TierUniverse - скрининговые данные низкого качества: допустимы для отбора
// инструментов, но загрузчик бэктестов обязан их отвергать.
const (
	TierLive     = "live"     // поток реального времени
	TierHistoric = "historic" // выверенная история
	TierUniverse = "universe" // скрининг, НЕ для бэктестов
)

// Bar - минутный/дневной бар рыночных данных
type Bar struct {
	Symbol string          `json:"symbol" db:"symbol"`
	TS     time.Time       `json:"ts" db:"ts"`
	Open   decimal.Decimal `json:"open" db:"open"`
	High   decimal.Decimal `json:"high" db:"high"`
	Low    decimal.Decimal `json:"low" db:"low"`
	Close  decimal.Decimal `json:"close" db:"close"`
	Volume decimal.Decimal `json:"volume" db:"volume"`
	Tier   string          `json:"tier" db:"tier"`
}
