package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Стороны ордера
const (
	SideBuy  = "buy"  // покупка
	SideSell = "sell" // продажа
)

// Типы ордера
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Состояния жизненного цикла ордера
//
// Направленный граф переходов задан в internal/engine/state_machine.go.
// Терминальные состояния: FILLED, CANCELLED, REJECTED, FAILED.
const (
	StatePending    = "PENDING"      // интент принят, на брокера ещё не отправлен
	StateSubmitted  = "SUBMITTED"    // брокер подтвердил приём
	StatePartial    = "PARTIAL_FILL" // частично исполнен
	StateFilled     = "FILLED"       // исполнен полностью
	StateCancelling = "CANCELLING"   // отправлен запрос отмены
	StateCancelled  = "CANCELLED"    // отменён брокером
	StateRejected   = "REJECTED"     // отклонён брокером
	StateUnknown    = "UNKNOWN"      // нет ответа в пределах T_ack, ждёт реконсиляции
	StateFailed     = "FAILED"       // локальная невосстановимая ошибка
)

// Order представляет ордер в движке жизненного цикла
//
// OrderID генерируется сервером (монотонный, ULID-подобный),
// ClientOrderID - детерминированный ключ идемпотентности: повторная отправка
// того же интента после рестарта попадает в тот же ордер у брокера.
type Order struct {
	OrderID       string          `json:"order_id" db:"order_id"`
	ClientOrderID string          `json:"client_order_id" db:"client_order_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          string          `json:"side" db:"side"`
	Qty           decimal.Decimal `json:"qty" db:"qty"`
	Type          string          `json:"type" db:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price" db:"limit_price"` // обязателен для limit
	State         string          `json:"state" db:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price" db:"avg_fill_price"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	StrategyID    string          `json:"strategy_id" db:"strategy_id"`
	SignalID      string          `json:"signal_id" db:"signal_id"`
	BrokerRef     string          `json:"broker_ref,omitempty" db:"broker_ref"` // пустой до подтверждения брокером
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
}

// IsTerminal возвращает true если из состояния ордера нет легальных переходов
func (o *Order) IsTerminal() bool {
	return IsTerminalState(o.State)
}

// IsOpen возвращает true если ордер ещё активен (не терминален)
func (o *Order) IsOpen() bool {
	return !o.IsTerminal()
}

// Remaining возвращает неисполненный остаток
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Clone возвращает копию ордера (для снапшотов без гонок)
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// IsTerminalState проверяет терминальность состояния
func IsTerminalState(s string) bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	}
	return false
}

// Fill - неизменяемое подтверждение исполнения от брокера
//
// Инвариант: сумма Qty всех филлов ордера равна order.FilledQty.
type Fill struct {
	FillID  string          `json:"fill_id" db:"fill_id"`
	OrderID string          `json:"order_id" db:"order_id"`
	Qty     decimal.Decimal `json:"qty" db:"qty"`
	Price   decimal.Decimal `json:"price" db:"price"`
	Fees    decimal.Decimal `json:"fees" db:"fees"`
	TS      time.Time       `json:"ts" db:"ts"`
}
