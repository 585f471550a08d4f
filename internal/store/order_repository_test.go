package store

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// ============================================================
// OrderRepository Tests
// ============================================================

func testOrder() *models.Order {
	return &models.Order{
		OrderID:       "ord_1",
		ClientOrderID: "abc123-run1",
		Symbol:        "AAPL",
		Side:          models.SideBuy,
		Qty:           decimal.NewFromInt(10),
		Type:          models.TypeMarket,
		State:         models.StatePending,
		CreatedAt:     time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}
}

func TestOrderRepositoryUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	order := testOrder()

	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(
			order.OrderID, order.ClientOrderID, order.Symbol, order.Side,
			order.Qty, order.Type, nil, order.State, order.CreatedAt, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Upsert(order); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// Повторная вставка того же ордера - no-op (ON CONFLICT DO NOTHING)
func TestOrderRepositoryUpsert_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	order := testOrder()

	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(
			order.OrderID, order.ClientOrderID, order.Symbol, order.Side,
			order.Qty, order.Type, nil, order.State, order.CreatedAt, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 0)) // конфликт: 0 строк

	if err := repo.Upsert(order); err != nil {
		t.Errorf("conflict must not be an error: %v", err)
	}
}

func TestOrderRepositoryUpdateState(t *testing.T) {
	tests := []struct {
		name       string
		state      string
		terminalAt bool
	}{
		{"non-terminal transition", models.StateSubmitted, false},
		{"terminal transition sets terminal_at", models.StateFilled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			repo := NewOrderRepository(db)
			at := time.Now().UTC()

			var terminalArg interface{}
			if tt.terminalAt {
				terminalArg = at
			}

			mock.ExpectExec(`UPDATE orders`).
				WithArgs(tt.state, terminalArg, "ord_1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			if err := repo.UpdateState("ord_1", tt.state, at); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestOrderRepositoryUpdateState_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)

	mock.ExpectExec(`UPDATE orders`).
		WithArgs(models.StateFilled, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.UpdateState("ghost", models.StateFilled, time.Now())
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepositoryGetByClientOrderID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	order := testOrder()

	rows := sqlmock.NewRows([]string{
		"order_id", "client_order_id", "symbol", "side", "qty", "type", "limit_price", "final_state", "created_at",
	}).AddRow(
		order.OrderID, order.ClientOrderID, order.Symbol, order.Side,
		order.Qty, order.Type, decimal.Zero, models.StateFilled, order.CreatedAt,
	)

	mock.ExpectQuery(`SELECT order_id, client_order_id`).
		WithArgs(order.ClientOrderID).
		WillReturnRows(rows)

	got, err := repo.GetByClientOrderID(order.ClientOrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrderID != order.OrderID || got.State != models.StateFilled {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestOrderRepositoryGetByClientOrderID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)

	mock.ExpectQuery(`SELECT order_id, client_order_id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	_, err = repo.GetByClientOrderID("missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}
