package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"papertrade/internal/models"
)

// Ошибки репозитория баров
var (
	// ErrUniverseTierInBacktest - в выборку для бэктеста попали
	// скрининговые данные; результат был бы невалиден
	ErrUniverseTierInBacktest = errors.New("universe-tier bars are not allowed in backtests")
)

// BarRepository - работа с таблицей bars
type BarRepository struct {
	db *sql.DB
}

// NewBarRepository создает новый экземпляр репозитория
func NewBarRepository(db *sql.DB) *BarRepository {
	return &BarRepository{db: db}
}

// Upsert идемпотентно вставляет бар (ключ: symbol + ts)
func (r *BarRepository) Upsert(bar *models.Bar) error {
	query := `
		INSERT INTO bars (symbol, ts, open, high, low, close, volume, tier)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, ts) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		    close = EXCLUDED.close, volume = EXCLUDED.volume, tier = EXCLUDED.tier`

	_, err := r.db.Exec(
		query,
		bar.Symbol,
		bar.TS,
		bar.Open,
		bar.High,
		bar.Low,
		bar.Close,
		bar.Volume,
		bar.Tier,
	)
	return err
}

// LoadForBacktest возвращает бары диапазона для бэктеста
//
// Наличие universe-tier строк в диапазоне - ОШИБКА загрузки, а не повод
// их молча отфильтровать: бэктест на смешанных данных невалиден.
func (r *BarRepository) LoadForBacktest(symbol string, from, to time.Time) ([]*models.Bar, error) {
	query := `
		SELECT symbol, ts, open, high, low, close, volume, tier
		FROM bars
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts`

	rows, err := r.db.Query(query, symbol, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []*models.Bar
	for rows.Next() {
		bar := &models.Bar{}
		err := rows.Scan(
			&bar.Symbol,
			&bar.TS,
			&bar.Open,
			&bar.High,
			&bar.Low,
			&bar.Close,
			&bar.Volume,
			&bar.Tier,
		)
		if err != nil {
			return nil, err
		}

		if bar.Tier == models.TierUniverse {
			return nil, fmt.Errorf("%w: %s at %s", ErrUniverseTierInBacktest, bar.Symbol, bar.TS)
		}

		bars = append(bars, bar)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return bars, nil
}

// GetRecent возвращает последние N баров символа
func (r *BarRepository) GetRecent(symbol string, limit int) ([]*models.Bar, error) {
	query := `
		SELECT symbol, ts, open, high, low, close, volume, tier
		FROM bars
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := r.db.Query(query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []*models.Bar
	for rows.Next() {
		bar := &models.Bar{}
		err := rows.Scan(
			&bar.Symbol,
			&bar.TS,
			&bar.Open,
			&bar.High,
			&bar.Low,
			&bar.Close,
			&bar.Volume,
			&bar.Tier,
		)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return bars, nil
}
