package regime

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// Детектор режима рынка.
//
// Классификация по бенчмарк-символу: направленность (SMA fast/slow)
// и реализованная волатильность. Режим panic сворачивает торговлю
// независимо от сигналов стратегий.

// Config - параметры детектора
type Config struct {
	// Benchmark - символ, по которому оценивается режим (обычно SPY)
	Benchmark string

	// FastWindow и SlowWindow - окна скользящих средних
	FastWindow int
	SlowWindow int

	// VolWindow - окно реализованной волатильности
	VolWindow int

	// PanicVolPct - порог волатильности для режима panic
	// (стандартное отклонение доходности бара в процентах)
	PanicVolPct decimal.Decimal

	// TrendGapPct - минимальный разрыв SMA для режима trend
	TrendGapPct decimal.Decimal
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig(benchmark string) Config {
	return Config{
		Benchmark:   benchmark,
		FastWindow:  12,
		SlowWindow:  48,
		VolWindow:   24,
		PanicVolPct: decimal.RequireFromString("1.5"),
		TrendGapPct: decimal.RequireFromString("0.2"),
	}
}

// Detector - потокобезопасный детектор режима
type Detector struct {
	cfg Config

	mu      sync.Mutex
	closes  []decimal.Decimal
	current string
}

// New создаёт детектор
func New(cfg Config) *Detector {
	if cfg.FastWindow <= 0 {
		cfg.FastWindow = 12
	}
	if cfg.SlowWindow <= cfg.FastWindow {
		cfg.SlowWindow = cfg.FastWindow * 4
	}
	if cfg.VolWindow <= 1 {
		cfg.VolWindow = 24
	}
	return &Detector{
		cfg:     cfg,
		current: models.RegimeChop,
	}
}

// OnBar обновляет детектор новым баром бенчмарка
// и возвращает актуальный режим
func (d *Detector) OnBar(bar *models.Bar) string {
	if bar.Symbol != d.cfg.Benchmark {
		return d.Current()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.closes = append(d.closes, bar.Close)
	if len(d.closes) > d.cfg.SlowWindow {
		d.closes = d.closes[len(d.closes)-d.cfg.SlowWindow:]
	}

	if len(d.closes) < d.cfg.SlowWindow {
		return d.current // мало истории - режим не меняем
	}

	vol := d.realizedVolPct()
	if vol.GreaterThanOrEqual(d.cfg.PanicVolPct) {
		d.current = models.RegimePanic
		return d.current
	}

	fast := sma(d.closes[len(d.closes)-d.cfg.FastWindow:])
	slow := sma(d.closes)

	gap := fast.Sub(slow).Abs().Div(slow).Mul(decimal.NewFromInt(100))
	if gap.GreaterThanOrEqual(d.cfg.TrendGapPct) {
		d.current = models.RegimeTrend
	} else {
		d.current = models.RegimeChop
	}

	return d.current
}

// Current возвращает текущий режим
func (d *Detector) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// realizedVolPct - стандартное отклонение доходностей в процентах.
// Вызывается под mu.
func (d *Detector) realizedVolPct() decimal.Decimal {
	n := d.cfg.VolWindow
	if len(d.closes) < n+1 {
		return decimal.Zero
	}

	window := d.closes[len(d.closes)-n-1:]
	returns := make([]decimal.Decimal, 0, n)
	for i := 1; i < len(window); i++ {
		if window[i-1].Sign() == 0 {
			continue
		}
		r := window[i].Sub(window[i-1]).Div(window[i-1]).Mul(decimal.NewFromInt(100))
		returns = append(returns, r)
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	mean := sma(returns)
	sumSq := decimal.Zero
	for _, r := range returns {
		diff := r.Sub(mean)
		sumSq = sumSq.Add(diff.Mul(diff))
	}

	variance := sumSq.Div(decimal.NewFromInt(int64(len(returns) - 1)))
	// Квадратный корень через float: точность достаточна для порога
	f, _ := variance.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}

// sma - простое среднее
func sma(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}
