package engine

import "errors"

// Таксономия ошибок контура исполнения
//
// BadRequest никогда не ретраится; Retriable поглощается локальными
// повторами движка и реконсилятора (pkg/retry); Fatal всплывает как REJECTED; Divergence и
// InvariantViolation дают алармы, но не останавливают торговлю -
// остановка только через kill-правила супервизора.
var (
	// ErrBadRequest - невалидный интент (валидация до побочных эффектов)
	ErrBadRequest = errors.New("bad request")

	// ErrInvalidTransition - нелегальный переход состояния; мутации нет
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotCancellable - отмена из терминального или неподходящего состояния
	ErrNotCancellable = errors.New("order is not cancellable")

	// ErrOrderNotFound - движок не знает такого ордера
	ErrOrderNotFound = errors.New("order not found")

	// ErrHaltRequested - установлен флаг остановки, новые интенты не принимаются
	ErrHaltRequested = errors.New("halt requested")

	// ErrDivergence - расхождение локального состояния с брокером
	ErrDivergence = errors.New("state divergence with broker")
)
