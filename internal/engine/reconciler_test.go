package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/broker"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

func newTestReconciler(t *testing.T, mock *mockBroker, cfgMutate func(*Reconciler)) (*Reconciler, *Engine, *lsc.Cache, string) {
	t.Helper()

	logDir := t.TempDir()
	elog, err := eventlog.Open(eventlog.DefaultConfig(logDir))
	require.NoError(t, err)
	t.Cleanup(func() { elog.Close() })

	cache, err := lsc.New("")
	require.NoError(t, err)

	log := utils.InitLogger(utils.LogConfig{Level: "error", Format: "json"})
	eng := New(testConfig(), mock, elog, cache, log)
	rec := NewReconciler(testConfig(), eng, mock, elog, cache, log)
	if cfgMutate != nil {
		cfgMutate(rec)
	}
	return rec, eng, cache, logDir
}

// Сценарий 3: UNKNOWN разрешается по свидетельству брокера
func TestReconcileOne_UnknownResolvedToFilled(t *testing.T) {
	mock := newMockBroker()
	rec, eng, _, _ := newTestReconciler(t, mock, nil)

	order, err := eng.Submit(context.Background(), marketIntent("C", "AAPL", 5))
	require.NoError(t, err)

	eng.onAckTimeout("C")
	got, _ := eng.Get(order.OrderID)
	require.Equal(t, models.StateUnknown, got.State)

	// Брокер знает ордер исполненным
	mock.getOrderFn = func(cid string) (*broker.Order, error) {
		return &broker.Order{
			ID: "brk_" + cid, ClientOrderID: cid, Symbol: "AAPL",
			Side: models.SideBuy, Qty: decimal.NewFromInt(5),
			Status:       broker.BrokerStatusFilled,
			FilledQty:    decimal.NewFromInt(5),
			AvgFillPrice: decimal.RequireFromString("101.10"),
		}, nil
	}

	err = rec.ReconcileOne(context.Background(), "C", time.Now().Add(5*time.Second))
	require.NoError(t, err)

	got, _ = eng.Get(order.OrderID)
	assert.Equal(t, models.StateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("101.10")))
	assert.Empty(t, eng.UnknownOrders())
}

// "Not found" внутри грейса не приговаривает ордер
func TestReconcileOne_NotFoundWithinGrace(t *testing.T) {
	mock := newMockBroker()
	rec, eng, _, _ := newTestReconciler(t, mock, nil)

	order, err := eng.Submit(context.Background(), marketIntent("G", "AAPL", 1))
	require.NoError(t, err)
	eng.onAckTimeout("G")

	mock.getOrderFn = func(string) (*broker.Order, error) {
		return nil, broker.ErrOrderNotFound
	}

	err = rec.ReconcileOne(context.Background(), "G", time.Now().Add(5*time.Second))
	require.NoError(t, err)

	got, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StateUnknown, got.State, "grace has not elapsed yet")
}

// "Not found" после грейса: безопасный FAILED
func TestReconcileOne_NotFoundAfterGrace(t *testing.T) {
	mock := newMockBroker()
	rec, eng, _, _ := newTestReconciler(t, mock, func(r *Reconciler) {
		r.cfg.UnknownGrace = 0 // грейс истекает мгновенно
	})

	order, err := eng.Submit(context.Background(), marketIntent("Z", "AAPL", 1))
	require.NoError(t, err)
	eng.onAckTimeout("Z")

	mock.getOrderFn = func(string) (*broker.Order, error) {
		return nil, broker.ErrOrderNotFound
	}

	// Первый вызов стартует отсчёт, второй закрывает
	require.NoError(t, rec.ReconcileOne(context.Background(), "Z", time.Now().Add(5*time.Second)))
	require.NoError(t, rec.ReconcileOne(context.Background(), "Z", time.Now().Add(5*time.Second)))

	got, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StateFailed, got.State)
}

// Расхождение позиций: брокер перезаписывает кэш, событие в журнале
func TestReconcilePositions_DivergenceOverwrite(t *testing.T) {
	mock := newMockBroker()
	rec, _, cache, logDir := newTestReconciler(t, mock, nil)

	// Локально думаем +10, брокер говорит +7
	cache.SetPosition(&models.Position{
		Symbol:    "AAPL",
		NetQty:    decimal.NewFromInt(10),
		AvgCost:   decimal.NewFromInt(150),
		UpdatedAt: time.Now().UTC(),
		Version:   1,
	})
	mock.positions = []*broker.Position{{
		Symbol:        "AAPL",
		Qty:           decimal.NewFromInt(7),
		AvgEntryPrice: decimal.NewFromInt(151),
	}}

	require.NoError(t, rec.ReconcilePositions(context.Background()))

	pos, ok := cache.GetPosition("AAPL")
	require.True(t, ok)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(7)), "broker wins: %s", pos.NetQty)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(151)))

	// POSITION_RECONCILED попал в журнал
	var kinds []string
	require.NoError(t, rec.elog.Sync())
	require.NoError(t, eventlog.Replay(logDir, func(r eventlog.Record) error {
		kinds = append(kinds, r.Kind)
		return nil
	}))
	assert.Contains(t, kinds, eventlog.KindPositionReconciled)
}

// Совпадающие позиции: перезаписи и аларма нет
func TestReconcilePositions_NoDivergence(t *testing.T) {
	mock := newMockBroker()
	rec, _, cache, logDir := newTestReconciler(t, mock, nil)

	now := time.Now().UTC()
	cache.SetPosition(&models.Position{
		Symbol: "AAPL", NetQty: decimal.NewFromInt(7),
		AvgCost: decimal.NewFromInt(151), UpdatedAt: now, Version: 3,
	})
	mock.positions = []*broker.Position{{
		Symbol: "AAPL", Qty: decimal.NewFromInt(7),
		AvgEntryPrice: decimal.NewFromInt(151),
	}}

	require.NoError(t, rec.ReconcilePositions(context.Background()))

	require.NoError(t, rec.elog.Sync())
	var reconciled int
	require.NoError(t, eventlog.Replay(logDir, func(r eventlog.Record) error {
		if r.Kind == eventlog.KindPositionReconciled {
			reconciled++
		}
		return nil
	}))
	assert.Zero(t, reconciled, "no divergence, no POSITION_RECONCILED records")
}

// Локальная позиция, которой брокер не знает - тоже расхождение
func TestReconcilePositions_LocalOnlyPosition(t *testing.T) {
	mock := newMockBroker()
	rec, _, cache, _ := newTestReconciler(t, mock, nil)

	cache.SetPosition(&models.Position{
		Symbol: "MSFT", NetQty: decimal.NewFromInt(3),
		AvgCost: decimal.NewFromInt(400), UpdatedAt: time.Now().UTC(), Version: 1,
	})
	mock.positions = nil // у брокера плоско

	require.NoError(t, rec.ReconcilePositions(context.Background()))

	_, ok := cache.GetPosition("MSFT")
	assert.False(t, ok, "phantom local position must be dropped")
}

// ReconcileAll усыновляет открытые ордера брокера после рестарта
func TestReconcileAll_AdoptsBrokerOrders(t *testing.T) {
	mock := newMockBroker()
	rec, eng, _, _ := newTestReconciler(t, mock, nil)

	mock.placed["orphan"] = &broker.Order{
		ID: "brk_orphan", ClientOrderID: "orphan", Symbol: "AAPL",
		Side: models.SideBuy, Qty: decimal.NewFromInt(4),
		Status: broker.BrokerStatusAccepted, CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, rec.ReconcileAll(context.Background()))

	adopted, ok := eng.Get("brk_orphan")
	require.True(t, ok, "broker order must be adopted")
	assert.Equal(t, models.StateSubmitted, adopted.State)
	assert.Equal(t, "orphan", adopted.ClientOrderID)
}

// Идемпотентность: повторные прогоны не создают побочных эффектов у брокера
func TestReconcile_NoBrokerSideEffects(t *testing.T) {
	mock := newMockBroker()
	rec, eng, _, _ := newTestReconciler(t, mock, nil)

	_, err := eng.Submit(context.Background(), marketIntent("I", "AAPL", 2))
	require.NoError(t, err)
	placedAfterSubmit := mock.placeCount()

	for i := 0; i < 5; i++ {
		rec.Sweep(context.Background())
	}

	assert.Equal(t, placedAfterSubmit, mock.placeCount(), "reconciliation never places orders")
	assert.Empty(t, mock.cancelCalls, "reconciliation never cancels orders")
}
