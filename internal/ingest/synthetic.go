package ingest

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// Синтетический источник баров (random walk).
//
// Paper-контур должен жить и вне торговых часов: источник генерирует
// правдоподобные бары с периодом Interval (по умолчанию секунда)
// по заданным символам. Реальные адаптеры
// данных реализуют тот же контракт BarSource.

// SyntheticConfig - параметры генератора
type SyntheticConfig struct {
	// Symbols и стартовые цены
	Symbols map[string]decimal.Decimal

	// Interval - период баров
	Interval time.Duration

	// VolPct - амплитуда шага в процентах
	VolPct float64

	// Tier - уровень качества выпускаемых баров
	Tier string
}

// DefaultSyntheticConfig возвращает параметры по умолчанию
func DefaultSyntheticConfig(symbols map[string]decimal.Decimal) SyntheticConfig {
	return SyntheticConfig{
		Symbols:  symbols,
		Interval: time.Second,
		VolPct:   0.3,
		Tier:     models.TierLive,
	}
}

// Synthetic - генератор случайного блуждания
type Synthetic struct {
	cfg    SyntheticConfig
	prices map[string]float64
	out    chan *models.Bar
}

// NewSynthetic создаёт источник
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.VolPct <= 0 {
		cfg.VolPct = 0.3
	}
	if cfg.Tier == "" {
		cfg.Tier = models.TierLive
	}

	prices := make(map[string]float64, len(cfg.Symbols))
	for symbol, start := range cfg.Symbols {
		f, _ := start.Float64()
		prices[symbol] = f
	}

	return &Synthetic{
		cfg:    cfg,
		prices: prices,
		out:    make(chan *models.Bar, 64),
	}
}

// Bars возвращает канал баров
func (s *Synthetic) Bars() <-chan *models.Bar {
	return s.out
}

// Run генерирует бары до отмены контекста
func (s *Synthetic) Run(ctx context.Context) error {
	defer close(s.out)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC()
			for symbol := range s.prices {
				bar := s.nextBar(symbol, now)
				select {
				case s.out <- bar:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextBar делает один шаг случайного блуждания
func (s *Synthetic) nextBar(symbol string, ts time.Time) *models.Bar {
	open := s.prices[symbol]
	step := open * s.cfg.VolPct / 100

	close_ := open + (rand.Float64()*2-1)*step
	high := maxF(open, close_) + rand.Float64()*step/2
	low := minF(open, close_) - rand.Float64()*step/2
	if low <= 0 {
		low = open / 2
		close_ = open
		high = open
	}
	s.prices[symbol] = close_

	return &models.Bar{
		Symbol: symbol,
		TS:     ts,
		Open:   decimal.NewFromFloat(open).Round(4),
		High:   decimal.NewFromFloat(high).Round(4),
		Low:    decimal.NewFromFloat(low).Round(4),
		Close:  decimal.NewFromFloat(close_).Round(4),
		Volume: decimal.NewFromInt(int64(1000 + rand.Intn(9000))),
		Tier:   s.cfg.Tier,
	}
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
