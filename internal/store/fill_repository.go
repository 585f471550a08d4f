package store

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// FillRepository - работа с таблицей fills
//
// Филлы неизменяемы: вставка идемпотентна по fill_id, обновлений нет.
type FillRepository struct {
	db *sql.DB
}

// NewFillRepository создает новый экземпляр репозитория
func NewFillRepository(db *sql.DB) *FillRepository {
	return &FillRepository{db: db}
}

// Insert идемпотентно вставляет филл (ключ: fill_id)
func (r *FillRepository) Insert(fill *models.Fill) error {
	query := `
		INSERT INTO fills (fill_id, order_id, qty, price, fees, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fill_id) DO NOTHING`

	_, err := r.db.Exec(
		query,
		fill.FillID,
		fill.OrderID,
		fill.Qty,
		fill.Price,
		fill.Fees,
		fill.TS,
	)
	return err
}

// GetByOrderID возвращает филлы ордера в порядке исполнения
func (r *FillRepository) GetByOrderID(orderID string) ([]*models.Fill, error) {
	query := `
		SELECT fill_id, order_id, qty, price, fees, ts
		FROM fills
		WHERE order_id = $1
		ORDER BY ts`

	rows, err := r.db.Query(query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*models.Fill
	for rows.Next() {
		fill := &models.Fill{}
		err := rows.Scan(
			&fill.FillID,
			&fill.OrderID,
			&fill.Qty,
			&fill.Price,
			&fill.Fees,
			&fill.TS,
		)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return fills, nil
}

// SumQtyByOrderID возвращает суммарное исполненное количество ордера
// (проверка инварианта Σ fills.qty == order.filled_qty)
func (r *FillRepository) SumQtyByOrderID(orderID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(
		`SELECT COALESCE(SUM(qty), 0) FROM fills WHERE order_id = $1`,
		orderID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// CountInRange возвращает число филлов за период
func (r *FillRepository) CountInRange(from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM fills WHERE ts >= $1 AND ts <= $2`,
		from, to,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
