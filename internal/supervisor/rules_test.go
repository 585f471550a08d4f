package supervisor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/models"
)

// baseState - здоровое состояние, правила молчат
func baseState() *models.KillState {
	return &models.KillState{
		Equity:           decimal.NewFromInt(100000),
		StartOfDayEquity: decimal.NewFromInt(100000),
		DailyPnl:         decimal.Zero,
		PeakEquity:       decimal.NewFromInt(100000),
		OpenOrdersCount:  2,
		OldestPendingAge: 10 * time.Second,
		HeartbeatAge:     5 * time.Second,
		// Вторник, до окна закрытия
		Now: time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC),
	}
}

func findBreach(breaches []Breach, rule string) *Breach {
	for i := range breaches {
		if breaches[i].Rule == rule {
			return &breaches[i]
		}
	}
	return nil
}

// Здоровое состояние не триггерит ничего
func TestEvaluate_HealthyState(t *testing.T) {
	rules := DefaultRules()
	assert.Empty(t, rules.Evaluate(baseState()))
}

// Дневной убыток -5.1% → flatten + halt (сценарий 5)
func TestEvaluate_DailyLoss(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.Equity = decimal.NewFromInt(94900)
	st.DailyPnl = decimal.NewFromInt(-5100) // -5.1%

	breaches := rules.Evaluate(st)
	b := findBreach(breaches, "daily_loss")
	require.NotNil(t, b)
	assert.Equal(t, ActionFlattenAndHalt, b.Action)
}

// Ровно -5.0% тоже триггерит (≤, не <)
func TestEvaluate_DailyLossBoundary(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.Equity = decimal.NewFromInt(95000)
	st.DailyPnl = decimal.NewFromInt(-5000)

	require.NotNil(t, findBreach(rules.Evaluate(st), "daily_loss"))

	// -4.99% молчит
	st.DailyPnl = decimal.NewFromInt(-4990)
	assert.Nil(t, findBreach(rules.Evaluate(st), "daily_loss"))
}

// Просадка от пика ≥15% → необратимый hard halt
func TestEvaluate_MaxDrawdown(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.PeakEquity = decimal.NewFromInt(120000)
	st.Equity = decimal.NewFromInt(102000) // просадка 15%
	st.StartOfDayEquity = decimal.NewFromInt(102000)
	st.DailyPnl = decimal.Zero

	b := findBreach(rules.Evaluate(st), "max_drawdown")
	require.NotNil(t, b)
	assert.Equal(t, ActionHardHalt, b.Action)
}

// Концентрация >25% → закрыть ТОЛЬКО этот символ
func TestEvaluate_Concentration(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.LargestPositionPct = decimal.RequireFromString("26.5")
	st.LargestPositionSym = "TSLA"

	b := findBreach(rules.Evaluate(st), "concentration")
	require.NotNil(t, b)
	assert.Equal(t, ActionFlattenSymbol, b.Action)
	assert.Equal(t, "TSLA", b.Symbol)
}

// Зомби-ордер старше 300s → отмена напрямую у брокера
func TestEvaluate_ZombieOrder(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.OldestPendingAge = 301 * time.Second

	b := findBreach(rules.Evaluate(st), "zombie")
	require.NotNil(t, b)
	assert.Equal(t, ActionCancelZombies, b.Action)
}

// Пульс старше 30s → flatten + halt
func TestEvaluate_HeartbeatStale(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.HeartbeatAge = 31 * time.Second

	b := findBreach(rules.Evaluate(st), "heartbeat")
	require.NotNil(t, b)
	assert.Equal(t, ActionFlattenAndHalt, b.Action)
}

// Пятница 15:55 ET → закрытие всех позиций
func TestEvaluate_EndOfWeek(t *testing.T) {
	rules := DefaultRules()

	// Пятница 2025-06-06 19:56 UTC = 15:56 ET (EDT, UTC-4)
	st := baseState()
	st.Now = time.Date(2025, 6, 6, 19, 56, 0, 0, time.UTC)

	b := findBreach(rules.Evaluate(st), "end_of_week")
	require.NotNil(t, b)
	assert.Equal(t, ActionFlattenAll, b.Action)

	// Пятница 15:54 ET - ещё рано
	st.Now = time.Date(2025, 6, 6, 19, 54, 0, 0, time.UTC)
	assert.Nil(t, findBreach(rules.Evaluate(st), "end_of_week"))

	// Четверг в то же время - молчит
	st.Now = time.Date(2025, 6, 5, 19, 56, 0, 0, time.UTC)
	assert.Nil(t, findBreach(rules.Evaluate(st), "end_of_week"))
}

// Разгон: слишком много открытых ордеров
func TestEvaluate_RunawayOrders(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.OpenOrdersCount = 51

	b := findBreach(rules.Evaluate(st), "runaway_orders")
	require.NotNil(t, b)
	assert.Equal(t, ActionFlattenAndHalt, b.Action)
}

// Приоритет действий: hard halt поглощает остальные
func TestMostSevere(t *testing.T) {
	breaches := []Breach{
		{Rule: "zombie", Action: ActionCancelZombies},
		{Rule: "max_drawdown", Action: ActionHardHalt},
		{Rule: "daily_loss", Action: ActionFlattenAndHalt},
	}

	assert.Equal(t, "max_drawdown", mostSevere(breaches).Rule)
}

// Предупреждения до порогов срабатывания
func TestWarnings(t *testing.T) {
	w := DefaultWarnings()

	st := baseState()
	st.DailyPnl = decimal.NewFromInt(-3500) // -3.5%: warn, не kill
	st.LargestPositionPct = decimal.NewFromInt(22)
	st.LargestPositionSym = "NVDA"

	warnings := w.Warnings(st)
	assert.Len(t, warnings, 2)

	// Kill-правила при этом молчат
	assert.Empty(t, DefaultRules().Evaluate(st))
}

// Нулевое equity не делит на ноль
func TestEvaluate_ZeroEquityGuards(t *testing.T) {
	rules := DefaultRules()

	st := baseState()
	st.Equity = decimal.Zero
	st.StartOfDayEquity = decimal.Zero
	st.PeakEquity = decimal.Zero
	st.DailyPnl = decimal.Zero

	assert.NotPanics(t, func() {
		rules.Evaluate(st)
	})
}
