package engine

import "papertrade/internal/models"

// ValidTransitions определяет допустимые переходы между состояниями ордера
//
// Из UNKNOWN ордер выводят свидетельства брокера: ответ брокера в
// реконсиляторе, а также события потока (ack, fill, reject), пришедшие
// после T_ack. FAILED дополнительно достижим из любого нетерминального
// состояния при невосстановимой локальной ошибке.
var ValidTransitions = map[string][]string{
	models.StatePending:    {models.StateSubmitted, models.StateRejected, models.StateFailed},
	models.StateSubmitted:  {models.StatePartial, models.StateFilled, models.StateCancelling, models.StateRejected, models.StateUnknown},
	models.StatePartial:    {models.StatePartial, models.StateFilled, models.StateCancelling, models.StateUnknown},
	models.StateCancelling: {models.StateCancelled, models.StateFilled, models.StatePartial, models.StateUnknown},
	models.StateUnknown:    {models.StateSubmitted, models.StatePartial, models.StateFilled, models.StateCancelled, models.StateRejected, models.StateFailed},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	// FAILED достижим из любого нетерминального состояния
	if to == models.StateFailed && !models.IsTerminalState(from) {
		return true
	}

	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для health канала
func StateInfo(s string) string {
	switch s {
	case models.StatePending:
		return "Интент принят, ордер ещё не отправлен брокеру"
	case models.StateSubmitted:
		return "Ордер принят брокером"
	case models.StatePartial:
		return "Ордер исполнен частично"
	case models.StateFilled:
		return "Ордер исполнен полностью"
	case models.StateCancelling:
		return "Отправлен запрос отмены"
	case models.StateCancelled:
		return "Ордер отменён"
	case models.StateRejected:
		return "Ордер отклонён брокером"
	case models.StateUnknown:
		return "Нет ответа брокера, ожидается реконсиляция"
	case models.StateFailed:
		return "Невосстановимая ошибка"
	default:
		return "Неизвестное состояние"
	}
}
