package utils

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// validator.go - валидация торговых интентов
//
// Проверки выполняются движком ДО любых побочных эффектов:
// невалидный интент отклоняется как BadRequest и не ретраится.

// Ошибки валидации
var (
	ErrEmptyClientOrderID = errors.New("client_order_id is required")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrInvalidSide        = errors.New("side must be buy or sell")
	ErrInvalidOrderType   = errors.New("type must be market or limit")
	ErrNonPositiveQty     = errors.New("qty must be positive")
	ErrMissingLimitPrice  = errors.New("limit_price is required for limit orders")
)

// symbolRe - тикеры US equities: 1-6 заглавных букв, опционально класс через точку
var symbolRe = regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z])?$`)

// ValidateSymbol проверяет формат тикера
func ValidateSymbol(symbol string) error {
	if !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ValidateSide проверяет сторону ордера
func ValidateSide(side string) error {
	if side != "buy" && side != "sell" {
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return nil
}

// ValidateOrderType проверяет тип ордера
func ValidateOrderType(orderType string) error {
	if orderType != "market" && orderType != "limit" {
		return fmt.Errorf("%w: %q", ErrInvalidOrderType, orderType)
	}
	return nil
}

// ValidateQty проверяет положительность количества
func ValidateQty(qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("%w: %s", ErrNonPositiveQty, qty)
	}
	return nil
}
