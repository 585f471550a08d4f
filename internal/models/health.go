package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Роли процессов
const (
	RoleTrading    = "trading"
	RoleSupervisor = "supervisor"
)

// Heartbeat - пульс процесса, перезаписывается в кэше состояния на каждом такте
//
// Устаревание пульса торгового процесса - основание для срабатывания
// kill-правила супервизора.
type Heartbeat struct {
	ProcessID string    `json:"process_id"`
	Role      string    `json:"role"`
	TS        time.Time `json:"ts"`
	Seq       int64     `json:"seq"`
}

// Age возвращает возраст пульса относительно now
func (h *Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.TS)
}

// HaltFlag - флаг остановки торговли
//
// Ставится супервизором или оператором, переживает рестарт процессов.
// Снимается ТОЛЬКО действием оператора.
type HaltFlag struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason"`
	SetBy  string    `json:"set_by"`
	SetAt  time.Time `json:"set_at"`
}

// KillState - входные данные kill-правил, пересчитываются супервизором
// из кэша состояния и прямых опросов брокера
type KillState struct {
	DailyPnl           decimal.Decimal `json:"daily_pnl"`
	StartOfDayEquity   decimal.Decimal `json:"start_of_day_equity"`
	Equity             decimal.Decimal `json:"equity"`
	PeakEquity         decimal.Decimal `json:"peak_equity"`
	LargestPositionPct decimal.Decimal `json:"largest_position_pct"`
	LargestPositionSym string          `json:"largest_position_sym"`
	OpenOrdersCount    int             `json:"open_orders_count"`
	OldestPendingAge   time.Duration   `json:"oldest_pending_age"`
	HeartbeatAge       time.Duration   `json:"heartbeat_age"`
	Now                time.Time       `json:"now"`
}
