package store

import (
	"database/sql"
	"time"

	"papertrade/internal/models"
)

// PositionRepository - работа с таблицей positions
//
// Таблица хранит временные срезы позиций; ключ (ts, symbol)
// делает повторную загрузку того же среза no-op.
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Upsert идемпотентно вставляет срез позиции (ключ: ts + symbol)
func (r *PositionRepository) Upsert(ts time.Time, p *models.Position) error {
	query := `
		INSERT INTO positions (ts, symbol, net_qty, avg_cost, unrealized_pnl)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ts, symbol) DO NOTHING`

	_, err := r.db.Exec(
		query,
		ts,
		p.Symbol,
		p.NetQty,
		p.AvgCost,
		p.UnrealizedPnl,
	)
	return err
}

// GetLatest возвращает последний срез позиций
func (r *PositionRepository) GetLatest() ([]*models.Position, error) {
	query := `
		SELECT p.ts, p.symbol, p.net_qty, p.avg_cost, p.unrealized_pnl
		FROM positions p
		INNER JOIN (SELECT MAX(ts) AS ts FROM positions) m ON p.ts = m.ts`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p := &models.Position{}
		err := rows.Scan(
			&p.UpdatedAt,
			&p.Symbol,
			&p.NetQty,
			&p.AvgCost,
			&p.UnrealizedPnl,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}
