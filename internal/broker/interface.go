package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Адаптер брокера: двунаправленный интерфейс между движком/реконсилятором
// и upstream брокером (HTTP + поток событий).
//
// Каждая операция возвращает классифицированный результат:
// Ok | Retriable | Fatal (см. Error.Outcome).

// Outcome - классификация результата операции брокера
type Outcome int

const (
	OutcomeOk        Outcome = iota
	OutcomeRetriable         // транспорт, таймаут, 5xx, 429 - повторяемо
	OutcomeFatal             // семантический отказ (4xx) - не повторяемо
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Сентинельные ошибки
var (
	ErrOrderNotFound = errors.New("order not found at broker")
	ErrStreamClosed  = errors.New("broker event stream closed")
)

// Error - классифицированная ошибка брокера
type Error struct {
	Outcome  Outcome
	Code     int    // HTTP статус, 0 для транспортных ошибок
	Message  string
	Original error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker: %s (http %d)", e.Message, e.Code)
	}
	return "broker: " + e.Message
}

// Unwrap поддерживает errors.Is/As
func (e *Error) Unwrap() error {
	return e.Original
}

// Retryable реализует retry.RetryableError
func (e *Error) Retryable() bool {
	return e.Outcome == OutcomeRetriable
}

// classifyStatus переводит HTTP статус в Outcome
//
// 429 считается перегрузкой, а не семантическим отказом.
func classifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeOk
	case status == 429 || status >= 500:
		return OutcomeRetriable
	default:
		return OutcomeFatal
	}
}

// Статусы ордера на стороне брокера
const (
	BrokerStatusNew           = "new"
	BrokerStatusAccepted      = "accepted"
	BrokerStatusPartialFilled = "partially_filled"
	BrokerStatusFilled        = "filled"
	BrokerStatusPendingCancel = "pending_cancel"
	BrokerStatusCancelled     = "canceled"
	BrokerStatusRejected      = "rejected"
	BrokerStatusExpired       = "expired"
)

// PlaceRequest - запрос размещения ордера
//
// Брокер идемпотентен по ClientOrderID: повторный POST с тем же ключом
// возвращает уже существующий ордер.
type PlaceRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
}

// Order - представление ордера на стороне брокера
type Order struct {
	ID            string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          string          `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Position - позиция на стороне брокера (источник истины при расхождении)
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"` // со знаком
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// Account - состояние счёта
type Account struct {
	Equity decimal.Decimal `json:"equity"`
	Cash   decimal.Decimal `json:"cash"`
}

// Виды событий потока брокера
const (
	EventAck     = "ack"
	EventFill    = "fill"
	EventCancel  = "cancel"
	EventReject  = "reject"
	EventUnknown = "unknown"
)

// StreamEvent - кадр потока событий брокера
//
// Seq монотонен в пределах сессии; при реконнекте поток
// возобновляется с последнего подтверждённого seq.
type StreamEvent struct {
	Seq           int64           `json:"seq"`
	Kind          string          `json:"kind"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Qty           decimal.Decimal `json:"qty,omitempty"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Fees          decimal.Decimal `json:"fees,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	TS            time.Time       `json:"ts"`
}

// Broker - унифицированный интерфейс брокера
//
// Реализуется REST клиентом (Client); в тестах подменяется моками.
type Broker interface {
	// Place размещает ордер (идемпотентно по client_order_id)
	Place(ctx context.Context, req PlaceRequest) (*Order, error)

	// Cancel отменяет ордер по брокерскому идентификатору
	Cancel(ctx context.Context, brokerOrderID string) error

	// CancelAll отменяет все открытые ордера счёта
	CancelAll(ctx context.Context) error

	// GetOrder возвращает ордер по ключу идемпотентности
	// ErrOrderNotFound если брокер о нём не знает
	GetOrder(ctx context.Context, clientOrderID string) (*Order, error)

	// ListOpenOrders возвращает открытые ордера счёта
	ListOpenOrders(ctx context.Context) ([]*Order, error)

	// GetPositions возвращает позиции счёта
	GetPositions(ctx context.Context) ([]*Position, error)

	// GetAccount возвращает equity и cash счёта
	GetAccount(ctx context.Context) (*Account, error)

	// Close закрывает соединения
	Close() error
}
