package supervisor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

// Kill-правила супервизора.
//
// Это ЗАШИТЫЕ пределы безопасности, а не настраиваемые параметры:
// каждое правило - режим отказа, требующий немедленного действия.
// Повышение порогов увеличивает риск катастрофического убытка.

// Action - действие при срабатывании правила
type Action int

const (
	ActionNone Action = iota

	// ActionFlattenSymbol - закрыть позиции ОДНОГО символа
	ActionFlattenSymbol

	// ActionCancelZombies - отменить зависшие ордера напрямую у брокера
	ActionCancelZombies

	// ActionFlattenAll - закрыть все позиции (без halt; конец недели)
	ActionFlattenAll

	// ActionFlattenAndHalt - закрыть всё, поставить halt, остановить ТП
	ActionFlattenAndHalt

	// ActionHardHalt - как FlattenAndHalt, но без авто-возобновления:
	// рестарт запрещён до вмешательства человека
	ActionHardHalt
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionFlattenSymbol:
		return "flatten_symbol"
	case ActionCancelZombies:
		return "cancel_zombies"
	case ActionFlattenAll:
		return "flatten_all"
	case ActionFlattenAndHalt:
		return "flatten_and_halt"
	case ActionHardHalt:
		return "hard_halt"
	default:
		return "unknown"
	}
}

// Breach - сработавшее правило
type Breach struct {
	Rule   string
	Reason string
	Action Action
	Symbol string // для ActionFlattenSymbol
}

// KillRules - пороги kill-правил
type KillRules struct {
	// MaxDailyLossPct: daily_pnl ≤ -5% от equity начала дня → flatten + halt
	MaxDailyLossPct decimal.Decimal

	// MaxDrawdownPct: просадка от пика ≥ 15% → hard halt
	MaxDrawdownPct decimal.Decimal

	// MaxConcentrationPct: один символ > 25% equity → закрыть символ
	MaxConcentrationPct decimal.Decimal

	// ZombieAge: ордер в SUBMITTED|CANCELLING > 300s → отмена напрямую
	ZombieAge time.Duration

	// HeartbeatTimeout: возраст пульса ТП > 30s → flatten + halt
	HeartbeatTimeout time.Duration

	// MaxOpenOrders - детект разгона: слишком много открытых ордеров
	MaxOpenOrders int
}

// DefaultRules возвращает пороги по умолчанию
func DefaultRules() KillRules {
	return KillRules{
		MaxDailyLossPct:     decimal.NewFromInt(-5),
		MaxDrawdownPct:      decimal.NewFromInt(15),
		MaxConcentrationPct: decimal.NewFromInt(25),
		ZombieAge:           300 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		MaxOpenOrders:       50,
	}
}

// WarningThresholds - мягкие пороги предупреждений до срабатывания
type WarningThresholds struct {
	DailyLossPct     decimal.Decimal
	ConcentrationPct decimal.Decimal
	OpenOrders       int
	HeartbeatAge     time.Duration
}

// DefaultWarnings возвращает пороги предупреждений
func DefaultWarnings() WarningThresholds {
	return WarningThresholds{
		DailyLossPct:     decimal.NewFromInt(-3),
		ConcentrationPct: decimal.NewFromInt(20),
		OpenOrders:       30,
		HeartbeatAge:     20 * time.Second,
	}
}

// Evaluate оценивает все правила по текущему состоянию
//
// Возвращает все сработавшие правила; Daemon.Cycle исполняет только
// самое жёсткое из них (mostSevere).
func (r KillRules) Evaluate(st *models.KillState) []Breach {
	var breaches []Breach

	// Максимальная просадка (необратимая остановка)
	if st.PeakEquity.Sign() > 0 {
		dd := utils.DrawdownPct(st.Equity, st.PeakEquity)
		if dd.GreaterThanOrEqual(r.MaxDrawdownPct) {
			breaches = append(breaches, Breach{
				Rule:   "max_drawdown",
				Reason: fmt.Sprintf("peak-to-trough drawdown %s%% >= %s%%", dd.StringFixed(2), r.MaxDrawdownPct),
				Action: ActionHardHalt,
			})
		}
	}

	// Дневной убыток
	if st.StartOfDayEquity.Sign() > 0 {
		pnlPct := utils.PercentOf(st.DailyPnl, st.StartOfDayEquity)
		if pnlPct.LessThanOrEqual(r.MaxDailyLossPct) {
			breaches = append(breaches, Breach{
				Rule:   "daily_loss",
				Reason: fmt.Sprintf("daily pnl %s%% <= %s%%", pnlPct.StringFixed(2), r.MaxDailyLossPct),
				Action: ActionFlattenAndHalt,
			})
		}
	}

	// Пульс торгового процесса
	if st.HeartbeatAge > r.HeartbeatTimeout {
		breaches = append(breaches, Breach{
			Rule:   "heartbeat",
			Reason: fmt.Sprintf("trading heartbeat age %s > %s", st.HeartbeatAge, r.HeartbeatTimeout),
			Action: ActionFlattenAndHalt,
		})
	}

	// Концентрация в одном символе
	if st.LargestPositionPct.GreaterThan(r.MaxConcentrationPct) {
		breaches = append(breaches, Breach{
			Rule:   "concentration",
			Reason: fmt.Sprintf("%s is %s%% of equity > %s%%", st.LargestPositionSym, st.LargestPositionPct.StringFixed(1), r.MaxConcentrationPct),
			Action: ActionFlattenSymbol,
			Symbol: st.LargestPositionSym,
		})
	}

	// Зомби-ордера
	if st.OldestPendingAge > r.ZombieAge {
		breaches = append(breaches, Breach{
			Rule:   "zombie",
			Reason: fmt.Sprintf("oldest open order age %s > %s", st.OldestPendingAge, r.ZombieAge),
			Action: ActionCancelZombies,
		})
	}

	// Детект разгона
	if r.MaxOpenOrders > 0 && st.OpenOrdersCount > r.MaxOpenOrders {
		breaches = append(breaches, Breach{
			Rule:   "runaway_orders",
			Reason: fmt.Sprintf("open orders %d > %d", st.OpenOrdersCount, r.MaxOpenOrders),
			Action: ActionFlattenAndHalt,
		})
	}

	// Конец недели: позиции не переживают выходные
	if utils.IsWeekendCloseWindow(st.Now) {
		breaches = append(breaches, Breach{
			Rule:   "end_of_week",
			Reason: "friday close window reached, no weekend risk",
			Action: ActionFlattenAll,
		})
	}

	return breaches
}

// Warnings возвращает тексты предупреждений о приближении к порогам
func (w WarningThresholds) Warnings(st *models.KillState) []string {
	var out []string

	if st.StartOfDayEquity.Sign() > 0 {
		pnlPct := utils.PercentOf(st.DailyPnl, st.StartOfDayEquity)
		if pnlPct.LessThanOrEqual(w.DailyLossPct) {
			out = append(out, fmt.Sprintf("daily pnl %s%% approaching kill threshold", pnlPct.StringFixed(2)))
		}
	}
	if st.LargestPositionPct.GreaterThan(w.ConcentrationPct) {
		out = append(out, fmt.Sprintf("concentration %s%% in %s approaching kill threshold",
			st.LargestPositionPct.StringFixed(1), st.LargestPositionSym))
	}
	if w.OpenOrders > 0 && st.OpenOrdersCount > w.OpenOrders {
		out = append(out, fmt.Sprintf("open orders %d approaching kill threshold", st.OpenOrdersCount))
	}
	if st.HeartbeatAge > w.HeartbeatAge {
		out = append(out, fmt.Sprintf("trading heartbeat age %s approaching kill threshold", st.HeartbeatAge))
	}

	return out
}
