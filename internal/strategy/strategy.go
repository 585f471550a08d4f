package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// Стратегии - внешние коллаборанты контура исполнения.
//
// Узкая полиморфная способность: стратегия решает, работает ли она
// в текущем режиме, и производит сигналы по рыночному контексту.
// Варианты регистрируются статически; никаких цепочек наследования.

// MarketContext - вход стратегии на один такт решения
type MarketContext struct {
	// Bars - последние бары по символам (новейший последним)
	Bars map[string][]*models.Bar

	// Positions - текущие позиции по символам
	Positions map[string]*models.Position

	// Regime - актуальный режим рынка
	Regime string

	// Now - время такта
	Now time.Time
}

// LastClose возвращает цену закрытия последнего бара символа
func (mc *MarketContext) LastClose(symbol string) (decimal.Decimal, bool) {
	bars := mc.Bars[symbol]
	if len(bars) == 0 {
		return decimal.Zero, false
	}
	return bars[len(bars)-1].Close, true
}

// Strategy - способность производить сигналы
type Strategy interface {
	// ID возвращает устойчивый идентификатор стратегии
	ID() string

	// ShouldRun решает, работает ли стратегия в данном режиме
	ShouldRun(regime string) bool

	// ProduceSignals возвращает сигналы текущего такта
	ProduceSignals(ctx context.Context, mc *MarketContext) []models.Signal
}

// ============================================================
// Статический реестр
// ============================================================

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Strategy)
)

// Register регистрирует стратегию. Паника на дубликате -
// это ошибка сборки, а не рантайма.
func Register(s Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[s.ID()]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", s.ID()))
	}
	registry[s.ID()] = s
}

// All возвращает зарегистрированные стратегии
func All() []Strategy {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Strategy, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	return out
}

// Get возвращает стратегию по идентификатору
func Get(id string) (Strategy, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[id]
	return s, ok
}
