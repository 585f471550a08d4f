package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

// ============================================================
// Мок брокера
// ============================================================

type mockBroker struct {
	mu sync.Mutex

	placeCalls  int
	placeErrs   []error // очередь ошибок до успеха
	placed      map[string]*broker.Order
	placeStatus string

	cancelCalls []string
	cancelErr   error

	getOrderFn func(cid string) (*broker.Order, error)

	positions []*broker.Position
	account   *broker.Account
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		placed:      make(map[string]*broker.Order),
		placeStatus: broker.BrokerStatusAccepted,
		account:     &broker.Account{Equity: decimal.NewFromInt(100000), Cash: decimal.NewFromInt(100000)},
	}
}

func (m *mockBroker) Place(_ context.Context, req broker.PlaceRequest) (*broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		return nil, err
	}

	// Идемпотентность по client_order_id как у настоящего брокера
	if existing, ok := m.placed[req.ClientOrderID]; ok {
		return existing, nil
	}

	order := &broker.Order{
		ID:            "brk_" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Status:        m.placeStatus,
		CreatedAt:     time.Now().UTC(),
	}
	m.placed[req.ClientOrderID] = order
	return order, nil
}

func (m *mockBroker) Cancel(_ context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls = append(m.cancelCalls, brokerOrderID)
	return m.cancelErr
}

func (m *mockBroker) CancelAll(_ context.Context) error { return nil }

func (m *mockBroker) GetOrder(_ context.Context, cid string) (*broker.Order, error) {
	m.mu.Lock()
	fn := m.getOrderFn
	m.mu.Unlock()

	if fn != nil {
		return fn(cid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.placed[cid]; ok {
		return o, nil
	}
	return nil, broker.ErrOrderNotFound
}

func (m *mockBroker) ListOpenOrders(_ context.Context) ([]*broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*broker.Order
	for _, o := range m.placed {
		if o.Status == broker.BrokerStatusAccepted || o.Status == broker.BrokerStatusNew {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockBroker) GetPositions(_ context.Context) ([]*broker.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, nil
}

func (m *mockBroker) GetAccount(_ context.Context) (*broker.Account, error) {
	return m.account, nil
}

func (m *mockBroker) Close() error { return nil }

func (m *mockBroker) placeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}

// ============================================================
// Сборка тестового движка
// ============================================================

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		AckTimeout:        time.Minute, // таймер не должен стрелять в тестах
		ZombieAge:         5 * time.Minute,
		ReconcileInterval: time.Minute,
		UnknownGrace:      time.Minute,
		MaxPlaceRetries:   3,
	}
}

func newTestEngine(t *testing.T, mock *mockBroker) (*Engine, *lsc.Cache, *eventlog.Log) {
	t.Helper()

	elog, err := eventlog.Open(eventlog.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { elog.Close() })

	cache, err := lsc.New("")
	require.NoError(t, err)

	log := utils.InitLogger(utils.LogConfig{Level: "error", Format: "json"})
	return New(testConfig(), mock, elog, cache, log), cache, elog
}

func marketIntent(cid, symbol string, qty int64) models.Intent {
	return models.Intent{
		ClientOrderID: cid,
		Symbol:        symbol,
		Side:          models.SideBuy,
		Qty:           decimal.NewFromInt(qty),
		Type:          models.TypeMarket,
		StrategyID:    "momentum_10_30",
		SignalID:      "sig-1",
		DecisionTS:    time.Now().UTC(),
	}
}

// ============================================================
// Сценарии
// ============================================================

// Счастливый путь: submit → ack → полный fill
func TestSubmit_HappyPath(t *testing.T) {
	mock := newMockBroker()
	eng, cache, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("A", "AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, models.StateSubmitted, order.State)
	assert.Equal(t, "brk_A", order.BrokerRef)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventAck, OrderID: "brk_A", ClientOrderID: "A",
	})
	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 2, Kind: broker.EventFill, OrderID: "brk_A", ClientOrderID: "A",
		Qty: decimal.NewFromInt(10), Price: decimal.RequireFromString("150.00"),
		TS: time.Now().UTC(),
	})

	got, ok := eng.Get(order.OrderID)
	require.True(t, ok)
	assert.Equal(t, models.StateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)), "filled_qty = %s", got.FilledQty)
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("150.00")), "avg = %s", got.AvgFillPrice)

	pos, ok := cache.GetPosition("AAPL")
	require.True(t, ok)
	assert.True(t, pos.NetQty.Equal(decimal.NewFromInt(10)), "net_qty = %s", pos.NetQty)
	assert.True(t, pos.AvgCost.Equal(decimal.RequireFromString("150.00")), "avg_cost = %s", pos.AvgCost)

	// Σ fills.qty == filled_qty
	fills := eng.Fills(order.OrderID)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(got.FilledQty))
}

// Дубль submit: у брокера ровно один POST, возвращается тот же ордер
func TestSubmit_DuplicateIsIdempotent(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	first, err := eng.Submit(context.Background(), marketIntent("B", "AAPL", 5))
	require.NoError(t, err)

	second, err := eng.Submit(context.Background(), marketIntent("B", "AAPL", 5))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, mock.placeCount(), "broker must receive exactly one POST")
}

// Валидация: невалидные интенты отклоняются до побочных эффектов
func TestSubmit_BadRequest(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	tests := []struct {
		name   string
		mutate func(*models.Intent)
	}{
		{"empty client_order_id", func(i *models.Intent) { i.ClientOrderID = "" }},
		{"bad symbol", func(i *models.Intent) { i.Symbol = "aapl!" }},
		{"bad side", func(i *models.Intent) { i.Side = "hold" }},
		{"bad type", func(i *models.Intent) { i.Type = "stop" }},
		{"zero qty", func(i *models.Intent) { i.Qty = decimal.Zero }},
		{"negative qty", func(i *models.Intent) { i.Qty = decimal.NewFromInt(-1) }},
		{"limit without price", func(i *models.Intent) { i.Type = models.TypeLimit; i.LimitPrice = decimal.Zero }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := marketIntent("bad-"+tt.name, "AAPL", 1)
			tt.mutate(&intent)

			_, err := eng.Submit(context.Background(), intent)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}

	assert.Equal(t, 0, mock.placeCount(), "invalid intents must not reach the broker")
}

// Halt флаг: новые интенты не принимаются
func TestSubmit_HaltRejects(t *testing.T) {
	mock := newMockBroker()
	eng, cache, _ := newTestEngine(t, mock)

	_, err := cache.SetHalt("test halt", "operator")
	require.NoError(t, err)

	_, err = eng.Submit(context.Background(), marketIntent("H", "AAPL", 1))
	assert.ErrorIs(t, err, ErrHaltRequested)
	assert.Equal(t, 0, mock.placeCount())
}

// Семантический отказ брокера: REJECTED, ответ записан, повторов нет
func TestSubmit_FatalRejection(t *testing.T) {
	mock := newMockBroker()
	mock.placeErrs = []error{&broker.Error{
		Outcome: broker.OutcomeFatal, Code: 422, Message: "insufficient buying power",
	}}
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("F", "AAPL", 1000000))
	require.NoError(t, err)

	assert.Equal(t, models.StateRejected, order.State)
	assert.Contains(t, order.ErrorMessage, "insufficient buying power")
	assert.Equal(t, 1, mock.placeCount(), "fatal errors are never retried")
}

// Transient ошибки ретраятся под ОДНИМ client_order_id
func TestSubmit_RetriableThenSuccess(t *testing.T) {
	mock := newMockBroker()
	mock.placeErrs = []error{&broker.Error{
		Outcome: broker.OutcomeRetriable, Message: "gateway timeout",
	}}
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("R", "AAPL", 3))
	require.NoError(t, err)

	assert.Equal(t, models.StateSubmitted, order.State)
	assert.Equal(t, 2, mock.placeCount())

	mock.mu.Lock()
	_, exists := mock.placed["R"]
	mock.mu.Unlock()
	assert.True(t, exists, "order placed under the original client_order_id")
}

// Исчерпанные повторы + not found у брокера = безопасный FAILED
func TestSubmit_AmbiguousFailureVerifiedNotFound(t *testing.T) {
	mock := newMockBroker()
	retriable := &broker.Error{Outcome: broker.OutcomeRetriable, Message: "connection reset"}
	mock.placeErrs = []error{retriable, retriable, retriable}
	mock.getOrderFn = func(string) (*broker.Order, error) {
		return nil, broker.ErrOrderNotFound
	}
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("U", "AAPL", 2))
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, order.State)
	assert.Contains(t, order.ErrorMessage, "not found at broker")
}

// Исчерпанные повторы, но брокер ордер ЗНАЕТ: принимаем его состояние
func TestSubmit_AmbiguousFailureVerifiedAlive(t *testing.T) {
	mock := newMockBroker()
	retriable := &broker.Error{Outcome: broker.OutcomeRetriable, Message: "connection reset"}
	mock.placeErrs = []error{retriable, retriable, retriable}
	mock.getOrderFn = func(cid string) (*broker.Order, error) {
		return &broker.Order{
			ID: "brk_" + cid, ClientOrderID: cid, Symbol: "AAPL",
			Side: models.SideBuy, Qty: decimal.NewFromInt(2),
			Status: broker.BrokerStatusAccepted,
		}, nil
	}
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("V", "AAPL", 2))
	require.NoError(t, err)

	assert.Equal(t, models.StateSubmitted, order.State)
	assert.Equal(t, "brk_V", order.BrokerRef)
}

// Частичное исполнение, затем отмена остатка (сценарий 4)
func TestPartialFillThenCancel(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("D", "AAPL", 10))
	require.NoError(t, err)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventFill, ClientOrderID: "D",
		Qty: decimal.NewFromInt(6), Price: decimal.RequireFromString("200"),
	})

	got, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StatePartial, got.State)

	require.NoError(t, eng.Cancel(context.Background(), order.OrderID))
	got, _ = eng.Get(order.OrderID)
	assert.Equal(t, models.StateCancelling, got.State)

	// Повторная отмена - идемпотентный ack
	assert.NoError(t, eng.Cancel(context.Background(), order.OrderID))

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 2, Kind: broker.EventCancel, ClientOrderID: "D", Reason: "cancelled by user",
	})

	got, _ = eng.Get(order.OrderID)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(6)), "filled_qty = %s", got.FilledQty)
}

// Отмена из терминального состояния отклоняется
func TestCancel_NotCancellable(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("T", "AAPL", 1))
	require.NoError(t, err)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventFill, ClientOrderID: "T",
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
	})

	err = eng.Cancel(context.Background(), order.OrderID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

// Переполнение fill'а: инвариант filled_qty ≤ qty, событие отклонено
func TestFillOverflowRejected(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("O", "AAPL", 10))
	require.NoError(t, err)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventFill, ClientOrderID: "O",
		Qty: decimal.NewFromInt(11), Price: decimal.NewFromInt(100),
	})

	got, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StateSubmitted, got.State, "order must stay in prior state")
	assert.True(t, got.FilledQty.IsZero())
	assert.Empty(t, eng.Fills(order.OrderID))
}

// Взвешенная средняя цена при аккумуляции частичных исполнений
func TestPartialFillAccumulation(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("W", "AAPL", 10))
	require.NoError(t, err)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventFill, ClientOrderID: "W",
		Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100),
	})
	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 2, Kind: broker.EventFill, ClientOrderID: "W",
		Qty: decimal.NewFromInt(6), Price: decimal.NewFromInt(110),
	})

	got, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StateFilled, got.State)
	// (4*100 + 6*110) / 10 = 106
	assert.True(t, got.AvgFillPrice.Equal(decimal.NewFromInt(106)), "avg = %s", got.AvgFillPrice)
	assert.Len(t, eng.Fills(order.OrderID), 2)
}

// T_ack: молчание брокера переводит ордер в UNKNOWN
func TestAckTimeoutMovesToUnknown(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("K", "AAPL", 1))
	require.NoError(t, err)
	require.Equal(t, models.StateSubmitted, order.State)

	// Таймер в тесте не ждём - дёргаем обработчик напрямую
	eng.onAckTimeout("K")

	got, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StateUnknown, got.State)

	unknowns := eng.UnknownOrders()
	require.Len(t, unknowns, 1)
	assert.Equal(t, "K", unknowns[0].ClientOrderID)
}

// Событие после T_ack таймер не роняет состояние
func TestAckTimeoutNoopAfterEvent(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	_, err := eng.Submit(context.Background(), marketIntent("N", "AAPL", 1))
	require.NoError(t, err)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventAck, ClientOrderID: "N", OrderID: "brk_N",
	})
	eng.onAckTimeout("N")

	got, ok := eng.Get("brk_N")
	require.True(t, ok)
	assert.Equal(t, models.StateSubmitted, got.State)
}

// Снапшот согласован и не мутирует внутреннее состояние
func TestSnapshot(t *testing.T) {
	mock := newMockBroker()
	eng, cache, _ := newTestEngine(t, mock)

	_, err := eng.Submit(context.Background(), marketIntent("S1", "AAPL", 1))
	require.NoError(t, err)
	_, err = eng.Submit(context.Background(), marketIntent("S2", "MSFT", 2))
	require.NoError(t, err)

	cache.SetEquity(&models.EquityPoint{
		TS:     time.Now().UTC(),
		Equity: decimal.NewFromInt(100000),
		Cash:   decimal.NewFromInt(50000),
	})

	snap := eng.Snapshot()
	assert.Len(t, snap.Orders, 2)
	assert.NotNil(t, snap.Equity)
	assert.False(t, snap.Halted)

	// Мутация снапшота не трогает движок
	snap.Orders[0].State = "corrupted"
	fresh := eng.Snapshot()
	for _, o := range fresh.Orders {
		assert.NotEqual(t, "corrupted", o.State)
	}
}

// Нелегальное событие не мутирует ордер
func TestInvalidEventNoMutation(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	order, err := eng.Submit(context.Background(), marketIntent("X", "AAPL", 1))
	require.NoError(t, err)

	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 1, Kind: broker.EventFill, ClientOrderID: "X",
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
	})

	before, _ := eng.Get(order.OrderID)
	require.Equal(t, models.StateFilled, before.State)

	// reject по исполненному ордеру - нелегальный переход
	eng.OnBrokerEvent(broker.StreamEvent{
		Seq: 2, Kind: broker.EventReject, ClientOrderID: "X", Reason: "late reject",
	})

	after, _ := eng.Get(order.OrderID)
	assert.Equal(t, models.StateFilled, after.State)
	assert.True(t, after.FilledQty.Equal(before.FilledQty))
}

// Проверка незнакомого события: движок не падает
func TestUnknownOrderEventIgnored(t *testing.T) {
	mock := newMockBroker()
	eng, _, _ := newTestEngine(t, mock)

	assert.NotPanics(t, func() {
		eng.OnBrokerEvent(broker.StreamEvent{
			Seq: 1, Kind: broker.EventFill, ClientOrderID: "ghost",
			Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		})
	})
}
