package store

import (
	"database/sql"
	"errors"
	"time"

	"papertrade/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderRepository - работа с таблицей orders
//
// Таблица хранит итоговую строку на ордер: ORDER_CREATED вставляет,
// ORDER_TRANSITION обновляет final_state (и terminal_at для
// терминальных состояний). Повторный прогон тех же записей - no-op.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert идемпотентно вставляет ордер (ключ: order_id)
func (r *OrderRepository) Upsert(order *models.Order) error {
	query := `
		INSERT INTO orders (order_id, client_order_id, symbol, side, qty, type, limit_price, final_state, created_at, terminal_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING`

	var limitPrice interface{}
	if order.Type == models.TypeLimit {
		limitPrice = order.LimitPrice
	}

	_, err := r.db.Exec(
		query,
		order.OrderID,
		order.ClientOrderID,
		order.Symbol,
		order.Side,
		order.Qty,
		order.Type,
		limitPrice,
		order.State,
		order.CreatedAt,
		nil,
	)
	return err
}

// UpdateState обновляет состояние ордера по переходу
func (r *OrderRepository) UpdateState(orderID, state string, at time.Time) error {
	var terminalAt interface{}
	if models.IsTerminalState(state) {
		terminalAt = at
	}

	query := `
		UPDATE orders
		SET final_state = $1,
		    terminal_at = COALESCE(terminal_at, $2)
		WHERE order_id = $3`

	result, err := r.db.Exec(query, state, terminalAt, orderID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// GetByClientOrderID возвращает ордер по ключу идемпотентности
func (r *OrderRepository) GetByClientOrderID(clientOrderID string) (*models.Order, error) {
	query := `
		SELECT order_id, client_order_id, symbol, side, qty, type, COALESCE(limit_price, 0), final_state, created_at
		FROM orders
		WHERE client_order_id = $1`

	order := &models.Order{}
	err := r.db.QueryRow(query, clientOrderID).Scan(
		&order.OrderID,
		&order.ClientOrderID,
		&order.Symbol,
		&order.Side,
		&order.Qty,
		&order.Type,
		&order.LimitPrice,
		&order.State,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// GetByState возвращает ордера с определенным итоговым состоянием
func (r *OrderRepository) GetByState(state string, limit int) ([]*models.Order, error) {
	query := `
		SELECT order_id, client_order_id, symbol, side, qty, type, COALESCE(limit_price, 0), final_state, created_at
		FROM orders
		WHERE final_state = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		err := rows.Scan(
			&order.OrderID,
			&order.ClientOrderID,
			&order.Symbol,
			&order.Side,
			&order.Qty,
			&order.Type,
			&order.LimitPrice,
			&order.State,
			&order.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// Count возвращает общее количество ордеров
func (r *OrderRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
