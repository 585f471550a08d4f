package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"papertrade/internal/eventlog"
	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ETL наполняет аналитическое хранилище из журнала событий.
//
// Курсор (файл + смещение) хранится в таблице etl_cursor: прогон
// обрабатывает только новые записи, а повторный прогон того же
// диапазона идемпотентен благодаря upsert'ам репозиториев.
type ETL struct {
	logDir string

	db        *sql.DB
	bars      *BarRepository
	orders    *OrderRepository
	fills     *FillRepository
	positions *PositionRepository
	perf      *PerformanceRepository

	log *utils.Logger
}

// ETLSummary - итог одного прогона
type ETLSummary struct {
	Events    int
	Bars      int
	Orders    int
	Fills     int
	Positions int
	Equity    int
	Errors    int
}

// transitionEvent - форма записи ORDER_TRANSITION в журнале
type transitionEvent struct {
	OrderID string `json:"order_id"`
	To      string `json:"to"`
}

// metricEvent - форма записи METRIC в журнале
type metricEvent struct {
	Metric         string             `json:"metric"`
	TS             time.Time          `json:"ts"`
	Equity         decimal.Decimal    `json:"equity"`
	Cash           decimal.Decimal    `json:"cash"`
	PositionsValue decimal.Decimal    `json:"positions_value"`
	Items          []*models.Position `json:"items"`
}

// NewETL создаёт ETL воркер
func NewETL(logDir string, db *sql.DB, log *utils.Logger) *ETL {
	return &ETL{
		logDir:    logDir,
		db:        db,
		bars:      NewBarRepository(db),
		orders:    NewOrderRepository(db),
		fills:     NewFillRepository(db),
		positions: NewPositionRepository(db),
		perf:      NewPerformanceRepository(db),
		log:       log.WithComponent("etl"),
	}
}

// Run - периодический прогон. Блокирует до отмены контекста.
func (e *ETL) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.RunOnce(); err != nil {
				e.log.Warn("etl run failed", utils.Err(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce обрабатывает новые записи журнала с сохранённого курсора
func (e *ETL) RunOnce() (*ETLSummary, error) {
	summary := &ETLSummary{}

	cur, err := e.loadCursor()
	if err != nil {
		return summary, err
	}

	newCur, err := eventlog.ReplayFrom(e.logDir, cur, func(rec eventlog.Record, _ eventlog.Cursor) error {
		summary.Events++
		if aerr := e.apply(rec, summary); aerr != nil {
			// Одна плохая запись не останавливает конвейер
			summary.Errors++
			e.log.Warn("etl record skipped", utils.Err(aerr), utils.Kind(rec.Kind))
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	if newCur != cur {
		if err := e.saveCursor(newCur); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// apply раскладывает запись журнала по таблицам
func (e *ETL) apply(rec eventlog.Record, summary *ETLSummary) error {
	switch rec.Kind {
	case eventlog.KindBar:
		var bar models.Bar
		if err := json.Unmarshal(rec.Data, &bar); err != nil {
			return err
		}
		if err := e.bars.Upsert(&bar); err != nil {
			return err
		}
		summary.Bars++

	case eventlog.KindOrderCreated:
		var order models.Order
		if err := json.Unmarshal(rec.Data, &order); err != nil {
			return err
		}
		if err := e.orders.Upsert(&order); err != nil {
			return err
		}
		summary.Orders++

	case eventlog.KindOrderTransition:
		var tr transitionEvent
		if err := json.Unmarshal(rec.Data, &tr); err != nil {
			return err
		}
		err := e.orders.UpdateState(tr.OrderID, tr.To, rec.TS)
		if err != nil && !errors.Is(err, ErrOrderNotFound) {
			return err
		}
		summary.Orders++

	case eventlog.KindFill:
		var fill models.Fill
		if err := json.Unmarshal(rec.Data, &fill); err != nil {
			return err
		}
		if err := e.fills.Insert(&fill); err != nil {
			return err
		}
		summary.Fills++

	case eventlog.KindMetric:
		var m metricEvent
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return err
		}
		switch m.Metric {
		case "equity":
			point := &models.EquityPoint{
				TS:             m.TS,
				Equity:         m.Equity,
				Cash:           m.Cash,
				PositionsValue: m.PositionsValue,
			}
			if point.TS.IsZero() {
				point.TS = rec.TS
			}
			if err := e.perf.Upsert(point); err != nil {
				return err
			}
			summary.Equity++

		case "positions":
			ts := m.TS
			if ts.IsZero() {
				ts = rec.TS
			}
			for _, p := range m.Items {
				if err := e.positions.Upsert(ts, p); err != nil {
					return err
				}
				summary.Positions++
			}
		}

		// Остальные метрики (zombie_order, invariant_violation)
		// остаются только в журнале
	}

	return nil
}

// loadCursor читает сохранённый курсор
func (e *ETL) loadCursor() (eventlog.Cursor, error) {
	var cur eventlog.Cursor
	err := e.db.QueryRow(`SELECT file, "offset" FROM etl_cursor WHERE id = 1`).
		Scan(&cur.File, &cur.Offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eventlog.Cursor{}, nil
		}
		return cur, err
	}
	return cur, nil
}

// saveCursor сохраняет курсор
func (e *ETL) saveCursor(cur eventlog.Cursor) error {
	query := `
		INSERT INTO etl_cursor (id, file, "offset")
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET file = EXCLUDED.file, "offset" = EXCLUDED."offset"`

	_, err := e.db.Exec(query, cur.File, cur.Offset)
	return err
}
