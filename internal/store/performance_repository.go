package store

import (
	"database/sql"
	"time"

	"papertrade/internal/models"
)

// PerformanceRepository - работа с таблицей performance (кривая капитала)
type PerformanceRepository struct {
	db *sql.DB
}

// NewPerformanceRepository создает новый экземпляр репозитория
func NewPerformanceRepository(db *sql.DB) *PerformanceRepository {
	return &PerformanceRepository{db: db}
}

// Upsert идемпотентно вставляет точку капитала (ключ: ts)
func (r *PerformanceRepository) Upsert(p *models.EquityPoint) error {
	query := `
		INSERT INTO performance (ts, equity, cash, positions_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ts) DO NOTHING`

	_, err := r.db.Exec(query, p.TS, p.Equity, p.Cash, p.PositionsValue)
	return err
}

// GetRange возвращает кривую капитала за период
func (r *PerformanceRepository) GetRange(from, to time.Time) ([]*models.EquityPoint, error) {
	query := `
		SELECT ts, equity, cash, positions_value
		FROM performance
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts`

	rows, err := r.db.Query(query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []*models.EquityPoint
	for rows.Next() {
		p := &models.EquityPoint{}
		if err := rows.Scan(&p.TS, &p.Equity, &p.Cash, &p.PositionsValue); err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return points, nil
}
