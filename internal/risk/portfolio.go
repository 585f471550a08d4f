package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"papertrade/pkg/utils"
)

// DrawdownMonitor следит за пиком equity на стороне торгового процесса
//
// Это ранний тормоз: при просадке выше мягкого порога генерация
// новых интентов прекращается, НЕ дожидаясь kill-правила супервизора
// (у того порог жёстче и власть шире).
type DrawdownMonitor struct {
	mu   sync.Mutex
	peak decimal.Decimal

	// SoftLimitPct - порог мягкой остановки генерации интентов
	SoftLimitPct decimal.Decimal
}

// NewDrawdownMonitor создаёт монитор с мягким порогом в процентах
func NewDrawdownMonitor(softLimitPct decimal.Decimal) *DrawdownMonitor {
	return &DrawdownMonitor{SoftLimitPct: softLimitPct}
}

// Observe обновляет пик и возвращает текущую просадку в процентах
func (m *DrawdownMonitor) Observe(equity decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if equity.GreaterThan(m.peak) {
		m.peak = equity
	}
	return utils.DrawdownPct(equity, m.peak)
}

// Breached возвращает true если мягкий порог превышен
func (m *DrawdownMonitor) Breached(equity decimal.Decimal) bool {
	return m.Observe(equity).GreaterThanOrEqual(m.SoftLimitPct)
}

// Peak возвращает текущий пик equity
func (m *DrawdownMonitor) Peak() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
