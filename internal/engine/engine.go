package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/pkg/retry"
	"papertrade/pkg/utils"
)

// Engine - движок жизненного цикла ордеров (OLE)
//
// Переводит одобренный риск-контролем интент в ордер брокера и ведёт
// его до терминального состояния, сохраняя идемпотентность и
// ограниченное восстановление после частичных сбоев.
//
// Модель владения:
// - переходы ОДНОГО ордера сериализованы per-order блокировкой
//   (ключ - client_order_id)
// - поток брокера производит события; диспетчер движка, владеющий
//   блокировками, их потребляет. Движок реконсилятор не вызывает;
//   реконсилятор вызывает методы движка напрямую (UnknownOrders,
//   ApplyBrokerState, FailOrder, Adopt).
//
// Порядок записи (инвариант): каждый переход пишется в журнал событий
// ДО обновления кэша живого состояния и любого broadcast'а.
type Engine struct {
	cfg config.EngineConfig

	broker broker.Broker
	elog   *eventlog.Log
	cache  *lsc.Cache
	log    *utils.Logger

	mu         sync.RWMutex
	byClientID map[string]*orderEntry
	byOrderID  map[string]string // order_id → client_order_id
}

// orderEntry - ордер с его per-order блокировкой и служебным состоянием
type orderEntry struct {
	mu    sync.Mutex
	order *models.Order
	fills []*models.Fill

	ackTimer  *time.Timer // таймер T_ack после размещения/отмены
	eventSeen bool        // получено ли хоть одно событие брокера
}

// transitionRecord - payload записи ORDER_TRANSITION в журнале
type transitionRecord struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Reason        string `json:"reason,omitempty"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
}

// New создаёт движок
func New(cfg config.EngineConfig, b broker.Broker, elog *eventlog.Log, cache *lsc.Cache, log *utils.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		broker:     b,
		elog:       elog,
		cache:      cache,
		log:        log.WithComponent("engine"),
		byClientID: make(map[string]*orderEntry),
		byOrderID:  make(map[string]string),
	}
}

// ============================================================
// Публичный контракт
// ============================================================

// Submit переводит интент в ордер брокера
//
// Идемпотентность: если client_order_id уже известен, возвращается
// существующий ордер БЕЗ побочных эффектов у брокера.
func (e *Engine) Submit(ctx context.Context, intent models.Intent) (*models.Order, error) {
	if e.cache.Halted() {
		return nil, ErrHaltRequested
	}

	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	// Проверка идемпотентности и регистрация под одной блокировкой,
	// чтобы два конкурентных Submit с одним ключом не создали два ордера
	e.mu.Lock()
	if existing, ok := e.byClientID[intent.ClientOrderID]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.order.Clone(), nil
	}

	order := &models.Order{
		OrderID:       NewOrderID(),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		Type:          intent.Type,
		LimitPrice:    intent.LimitPrice,
		State:         models.StatePending,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		StrategyID:    intent.StrategyID,
		SignalID:      intent.SignalID,
	}

	entry := &orderEntry{order: order}
	e.byClientID[order.ClientOrderID] = entry
	e.byOrderID[order.OrderID] = order.ClientOrderID
	e.mu.Unlock()

	// Журнал ДО кэша
	if err := e.elog.Append(eventlog.KindOrderCreated, order); err != nil {
		e.log.Error("event log append failed", utils.Err(err), utils.ClientOrderID(order.ClientOrderID))
	}
	e.cache.SetOrder(order.Clone())
	OpenOrders.Inc()

	e.log.Info("order created",
		utils.OrderID(order.OrderID),
		utils.ClientOrderID(order.ClientOrderID),
		utils.Symbol(order.Symbol),
		utils.Side(order.Side),
		utils.Qty(order.Qty.String()),
	)

	e.place(ctx, entry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order.Clone(), nil
}

// Cancel запрашивает отмену ордера
//
// Из терминальных состояний - ErrNotCancellable;
// из SUBMITTED|PARTIAL_FILL ордер входит в CANCELLING.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	entry, ok := e.lookup(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	entry.mu.Lock()

	switch entry.order.State {
	case models.StateSubmitted, models.StatePartial:
		// допустимо
	case models.StateCancelling:
		entry.mu.Unlock()
		return nil // уже отменяется - идемпотентный ack
	default:
		state := entry.order.State
		entry.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotCancellable, state)
	}

	if err := e.applyTransitionLocked(entry, models.StateCancelling, "cancel requested"); err != nil {
		entry.mu.Unlock()
		return err
	}

	brokerRef := entry.order.BrokerRef
	entry.eventSeen = false
	e.armAckTimerLocked(entry)
	entry.mu.Unlock()

	// Отмена у брокера с повторами; итог придёт событием стрима.
	// Контекст вызова намеренно не наследуется: начатая отмена
	// должна дойти до брокера даже при останове инициатора.
	go func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := retry.Do(cancelCtx, func() error {
			return e.broker.Cancel(cancelCtx, brokerRef)
		}, placementRetryConfig(e.cfg.MaxPlaceRetries))

		if err != nil {
			e.log.Warn("broker cancel failed, reconciler will resolve",
				utils.Err(err), utils.OrderID(orderID))
		}
	}()

	return nil
}

// OnBrokerEvent применяет событие потока брокера к ордеру
//
// Вызывается единственным читателем стрима (Run).
func (e *Engine) OnBrokerEvent(ev broker.StreamEvent) {
	StreamEventsConsumed.WithLabelValues(ev.Kind).Inc()

	entry, ok := e.lookupByClientID(ev.ClientOrderID)
	if !ok && ev.OrderID != "" {
		entry, ok = e.lookup(ev.OrderID)
	}
	if !ok {
		// Событие по неизвестному ордеру: возможно чужой сессии ордер,
		// подобранный супервизором - фиксируем и идём дальше
		e.log.Warn("broker event for unknown order",
			utils.ClientOrderID(ev.ClientOrderID),
			utils.String("kind", ev.Kind),
		)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.eventSeen = true
	e.disarmAckTimerLocked(entry)

	if ev.OrderID != "" && entry.order.BrokerRef == "" {
		e.setBrokerRefLocked(entry, ev.OrderID)
	}

	switch ev.Kind {
	case broker.EventAck:
		if entry.order.State == models.StatePending || entry.order.State == models.StateUnknown {
			_ = e.applyTransitionLocked(entry, models.StateSubmitted, "broker ack")
		}

	case broker.EventFill:
		e.applyFillLocked(entry, ev)

	case broker.EventCancel:
		e.applyCancelLocked(entry, ev.Reason)

	case broker.EventReject:
		if err := e.applyTransitionLocked(entry, models.StateRejected, ev.Reason); err == nil {
			entry.order.ErrorMessage = ev.Reason
			e.cache.SetOrder(entry.order.Clone())
		}

	case broker.EventUnknown:
		if !entry.order.IsTerminal() && entry.order.State != models.StateUnknown {
			_ = e.applyTransitionLocked(entry, models.StateUnknown, "broker reported unknown")
		}

	default:
		e.log.Warn("unrecognized broker event kind", utils.String("kind", ev.Kind))
	}
}

// Snapshot возвращает согласованный снимок для broadcast шины
func (e *Engine) Snapshot() *Snapshot {
	// Порядок блокировок строго e.mu → ничего: список entry копируется
	// под e.mu, per-order блокировки берутся уже после его освобождения
	entries := e.entries()
	orders := make([]*models.Order, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		orders = append(orders, entry.order.Clone())
		entry.mu.Unlock()
	}

	snap := &Snapshot{
		TS:        time.Now().UTC(),
		Orders:    orders,
		Positions: e.cache.Positions(),
		Halted:    e.cache.Halted(),
	}
	if eq, ok := e.cache.GetEquity(); ok {
		snap.Equity = eq
	}
	if regime, ok := e.cache.GetRegime(); ok {
		snap.Regime = regime
	}
	return snap
}

// Snapshot - согласованный снимок состояния
type Snapshot struct {
	TS        time.Time           `json:"ts"`
	Orders    []*models.Order     `json:"orders"`
	Positions []*models.Position  `json:"positions"`
	Equity    *models.EquityPoint `json:"equity,omitempty"`
	Regime    string              `json:"regime,omitempty"`
	Halted    bool                `json:"halted"`
}

// ============================================================
// Цикл обслуживания
// ============================================================

// Run - диспетчер событий и обслуживание (зомби-скан)
//
// events - канал единственного читателя потока брокера.
// Блокирует до отмены контекста.
func (e *Engine) Run(ctx context.Context, events <-chan broker.StreamEvent) error {
	zombieTicker := time.NewTicker(30 * time.Second)
	defer zombieTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return broker.ErrStreamClosed
			}
			e.OnBrokerEvent(ev)

		case <-zombieTicker.C:
			e.scanZombies()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scanZombies публикует эскалации по зависшим ордерам
//
// Ордер в SUBMITTED|CANCELLING дольше ZombieAge - эскалация в журнал,
// видимая супервизору (тот отменяет напрямую через брокера).
func (e *Engine) scanZombies() {
	now := time.Now().UTC()

	for _, entry := range e.entries() {
		entry.mu.Lock()
		o := entry.order
		isZombie := (o.State == models.StateSubmitted || o.State == models.StateCancelling) &&
			now.Sub(o.UpdatedAt) > e.cfg.ZombieAge
		if isZombie {
			ZombieOrders.Inc()
			e.log.Warn("zombie order detected",
				utils.OrderID(o.OrderID),
				utils.State(o.State),
				utils.String("age", now.Sub(o.UpdatedAt).String()),
			)
			_ = e.elog.Append(eventlog.KindMetric, map[string]interface{}{
				"metric":   "zombie_order",
				"order_id": o.OrderID,
				"state":    o.State,
				"age_sec":  int(now.Sub(o.UpdatedAt).Seconds()),
			})
		}
		entry.mu.Unlock()
	}
}

// ============================================================
// Размещение
// ============================================================

// place отправляет ордер брокеру с повторами под одним client_order_id
func (e *Engine) place(ctx context.Context, entry *orderEntry) {
	entry.mu.Lock()
	req := broker.PlaceRequest{
		ClientOrderID: entry.order.ClientOrderID,
		Symbol:        entry.order.Symbol,
		Qty:           entry.order.Qty,
		Side:          entry.order.Side,
		Type:          entry.order.Type,
		LimitPrice:    entry.order.LimitPrice,
	}
	symbol := entry.order.Symbol
	entry.mu.Unlock()

	start := time.Now()
	placed, err := retry.DoWithResult(ctx, func() (*broker.Order, error) {
		return e.broker.Place(ctx, req)
	}, placementRetryConfig(e.cfg.MaxPlaceRetries))
	PlacementLatency.WithLabelValues(symbol).Observe(float64(time.Since(start).Milliseconds()))

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err == nil {
		e.setBrokerRefLocked(entry, placed.ID)
		if entry.order.State == models.StatePending {
			_ = e.applyTransitionLocked(entry, models.StateSubmitted, "broker accepted")
		}
		entry.eventSeen = false
		e.armAckTimerLocked(entry)
		return
	}

	var berr *broker.Error
	if errors.As(err, &berr) && berr.Outcome == broker.OutcomeFatal {
		// Семантический отказ брокера - ответ фиксируется, повторов нет
		entry.order.ErrorMessage = berr.Message
		_ = e.applyTransitionLocked(entry, models.StateRejected, berr.Message)
		e.cache.SetOrder(entry.order.Clone())
		return
	}

	// Повторы исчерпаны на неоднозначной ошибке: ордер МОГ долететь.
	// Никогда не предполагаем SUBMITTED без свидетельства - спрашиваем брокера.
	e.verifyPlacementLocked(entry)
}

// verifyPlacementLocked выясняет судьбу неподтверждённого размещения.
// Вызывается под entry.mu.
func (e *Engine) verifyPlacementLocked(entry *orderEntry) {
	queryCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bo, err := e.broker.GetOrder(queryCtx, entry.order.ClientOrderID)
	switch {
	case err == nil:
		// Свидетельство есть - принимаем состояние брокера
		e.setBrokerRefLocked(entry, bo.ID)
		e.applyBrokerOrderLocked(entry, bo, "placement verified")
		entry.eventSeen = false
		e.armAckTimerLocked(entry)

	case errors.Is(err, broker.ErrOrderNotFound):
		// Брокер о нас не знает - безопасно фиксируем отказ
		entry.order.ErrorMessage = "placement unconfirmed: not found at broker"
		_ = e.applyTransitionLocked(entry, models.StateFailed, entry.order.ErrorMessage)
		e.cache.SetOrder(entry.order.Clone())

	default:
		// И запрос не прошёл - локально невосстановимо; реконсилятор
		// позиций выровняет последствия, если ордер всё же исполнился
		entry.order.ErrorMessage = "placement and verification failed: " + err.Error()
		_ = e.applyTransitionLocked(entry, models.StateFailed, entry.order.ErrorMessage)
		e.cache.SetOrder(entry.order.Clone())
		e.log.Error("placement verification failed", utils.Err(err),
			utils.ClientOrderID(entry.order.ClientOrderID))
	}
}

// placementRetryConfig - повторы размещения: transient ошибки,
// экспоненциальный backoff с jitter, тот же ключ идемпотентности
func placementRetryConfig(maxAttempts int) retry.Config {
	cfg := retry.PlacementConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	cfg.RetryIf = func(err error) bool {
		return retry.IsRetryable(err) && retry.RetryIfNotContext(err)
	}
	return cfg
}

// ============================================================
// Применение событий (под entry.mu)
// ============================================================

// applyFillLocked аккумулирует частичное исполнение
//
// Филл неизменяем; filled_qty, avg_fill_price и updated_at меняются
// атомарно под блокировкой ордера. filled_qty == qty ⇒ FILLED.
func (e *Engine) applyFillLocked(entry *orderEntry, ev broker.StreamEvent) {
	o := entry.order

	if o.IsTerminal() {
		e.recordInvariantViolation(o, "fill after terminal state")
		return
	}

	newFilled := o.FilledQty.Add(ev.Qty)
	if newFilled.GreaterThan(o.Qty) {
		// Нарушение инварианта filled_qty ≤ qty: событие отклоняется,
		// ордер остаётся в прежнем состоянии
		e.recordInvariantViolation(o, fmt.Sprintf("fill overflow: %s + %s > %s",
			o.FilledQty, ev.Qty, o.Qty))
		return
	}

	fill := &models.Fill{
		FillID:  uuid.NewString(),
		OrderID: o.OrderID,
		Qty:     ev.Qty,
		Price:   ev.Price,
		Fees:    ev.Fees,
		TS:      ev.TS,
	}
	if fill.TS.IsZero() {
		fill.TS = time.Now().UTC()
	}
	entry.fills = append(entry.fills, fill)

	o.AvgFillPrice = utils.WeightedAverage(o.AvgFillPrice, o.FilledQty, ev.Price, ev.Qty)
	o.FilledQty = newFilled
	o.UpdatedAt = time.Now().UTC()

	if err := e.elog.Append(eventlog.KindFill, fill); err != nil {
		e.log.Error("event log append failed", utils.Err(err), utils.OrderID(o.OrderID))
	}
	FillsApplied.WithLabelValues(o.Symbol).Inc()

	// Позиция обновляется до перехода состояния: филл уже в журнале
	e.applyFillToPosition(o.Symbol, o.Side, ev.Qty, ev.Price)

	switch {
	case o.FilledQty.Equal(o.Qty):
		_ = e.applyTransitionLocked(entry, models.StateFilled, "fully filled")

	case o.State == models.StateSubmitted:
		_ = e.applyTransitionLocked(entry, models.StatePartial, "partial fill")

	case o.State == models.StatePartial:
		// PARTIAL_FILL → PARTIAL_FILL: количества уже обновлены
		e.cache.SetOrder(o.Clone())

	case o.State == models.StateCancelling:
		// Филл во время отмены: количества обновлены, состояние сохраняется
		e.cache.SetOrder(o.Clone())

	default:
		e.cache.SetOrder(o.Clone())
	}
}

// applyCancelLocked применяет подтверждение отмены
func (e *Engine) applyCancelLocked(entry *orderEntry, reason string) {
	switch entry.order.State {
	case models.StateCancelling:
		_ = e.applyTransitionLocked(entry, models.StateCancelled, reason)

	case models.StateSubmitted, models.StatePartial:
		// Отмена по инициативе брокера (expiry): проходим через CANCELLING
		if err := e.applyTransitionLocked(entry, models.StateCancelling, "broker-initiated cancel"); err == nil {
			_ = e.applyTransitionLocked(entry, models.StateCancelled, reason)
		}

	default:
		e.recordInvariantViolation(entry.order, "cancel event in state "+entry.order.State)
	}
}

// applyBrokerOrderLocked принимает состояние брокера как истину
// (используется при верификации размещения и реконсиляции)
func (e *Engine) applyBrokerOrderLocked(entry *orderEntry, bo *broker.Order, reason string) {
	o := entry.order

	// Синхронизация количеств: брокер авторитетен
	if !bo.FilledQty.Equal(o.FilledQty) || !bo.AvgFillPrice.Equal(o.AvgFillPrice) {
		o.FilledQty = bo.FilledQty
		o.AvgFillPrice = bo.AvgFillPrice
		o.UpdatedAt = time.Now().UTC()
	}

	target := mapBrokerStatus(bo.Status, bo.FilledQty, bo.Qty)
	if target == o.State {
		e.cache.SetOrder(o.Clone())
		return
	}

	if err := e.applyTransitionLocked(entry, target, reason); err != nil {
		// Прямой переход нелегален (например UNKNOWN → CANCELLING):
		// идём через промежуточное SUBMITTED
		if CanTransition(o.State, models.StateSubmitted) && CanTransition(models.StateSubmitted, target) {
			_ = e.applyTransitionLocked(entry, models.StateSubmitted, reason)
			_ = e.applyTransitionLocked(entry, target, reason)
		}
	}
}

// mapBrokerStatus переводит статус брокера в состояние движка
func mapBrokerStatus(status string, filled, qty decimal.Decimal) string {
	switch status {
	case broker.BrokerStatusNew, broker.BrokerStatusAccepted:
		return models.StateSubmitted
	case broker.BrokerStatusPartialFilled:
		return models.StatePartial
	case broker.BrokerStatusFilled:
		return models.StateFilled
	case broker.BrokerStatusPendingCancel:
		return models.StateCancelling
	case broker.BrokerStatusCancelled, broker.BrokerStatusExpired:
		return models.StateCancelled
	case broker.BrokerStatusRejected:
		return models.StateRejected
	default:
		if filled.Sign() > 0 && filled.LessThan(qty) {
			return models.StatePartial
		}
		return models.StateUnknown
	}
}

// applyTransitionLocked выполняет переход состояния.
// Вызывается под entry.mu.
//
// Порядок строго: проверка графа → запись в журнал → обновление ордера →
// обновление кэша. Нелегальный переход отклоняется без мутаций.
func (e *Engine) applyTransitionLocked(entry *orderEntry, to, reason string) error {
	o := entry.order
	from := o.State

	if !CanTransition(from, to) {
		e.recordInvariantViolation(o, fmt.Sprintf("transition %s → %s", from, to))
		InvalidTransitions.WithLabelValues(from, to).Inc()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	rec := transitionRecord{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		From:          from,
		To:            to,
		Reason:        reason,
		FilledQty:     o.FilledQty.String(),
		AvgFillPrice:  o.AvgFillPrice.String(),
	}
	if err := e.elog.Append(eventlog.KindOrderTransition, rec); err != nil {
		e.log.Error("event log append failed", utils.Err(err), utils.OrderID(o.OrderID))
	}

	o.State = to
	o.UpdatedAt = time.Now().UTC()
	e.cache.SetOrder(o.Clone())

	OrderTransitions.WithLabelValues(from, to).Inc()
	if models.IsTerminalState(to) {
		OpenOrders.Dec()
		e.disarmAckTimerLocked(entry)
	}

	e.log.Info("order transition",
		utils.OrderID(o.OrderID),
		utils.ClientOrderID(o.ClientOrderID),
		utils.String("from", from),
		utils.String("to", to),
		utils.Reason(reason),
	)
	return nil
}

// recordInvariantViolation фиксирует отклонённое событие
func (e *Engine) recordInvariantViolation(o *models.Order, detail string) {
	e.log.Error("invariant violation rejected",
		utils.OrderID(o.OrderID),
		utils.State(o.State),
		utils.String("detail", detail),
	)
	_ = e.elog.Append(eventlog.KindMetric, map[string]interface{}{
		"metric":   "invariant_violation",
		"order_id": o.OrderID,
		"state":    o.State,
		"detail":   detail,
	})
}

// applyFillToPosition пересчитывает позицию в кэше по филлу
func (e *Engine) applyFillToPosition(symbol, side string, qty, price decimal.Decimal) {
	pos, ok := e.cache.GetPosition(symbol)
	if !ok {
		pos = &models.Position{Symbol: symbol}
	} else {
		cp := *pos
		pos = &cp
	}

	pos.ApplyFill(side, qty, price)
	e.cache.SetPosition(pos)
}

// ============================================================
// Таймер подтверждения (T_ack)
// ============================================================

// armAckTimerLocked взводит таймер T_ack. Вызывается под entry.mu.
//
// T_ack не вызывает отмену: по истечении ордер лишь переходит в UNKNOWN
// и передаётся реконсилятору - решает только он.
func (e *Engine) armAckTimerLocked(entry *orderEntry) {
	e.disarmAckTimerLocked(entry)

	cid := entry.order.ClientOrderID
	entry.ackTimer = time.AfterFunc(e.cfg.AckTimeout, func() {
		e.onAckTimeout(cid)
	})
}

// disarmAckTimerLocked снимает таймер. Вызывается под entry.mu.
func (e *Engine) disarmAckTimerLocked(entry *orderEntry) {
	if entry.ackTimer != nil {
		entry.ackTimer.Stop()
		entry.ackTimer = nil
	}
}

// onAckTimeout переводит молчащий ордер в UNKNOWN
func (e *Engine) onAckTimeout(clientOrderID string) {
	entry, ok := e.lookupByClientID(clientOrderID)
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.eventSeen || entry.order.IsTerminal() {
		return
	}

	switch entry.order.State {
	case models.StateSubmitted, models.StatePartial, models.StateCancelling:
		_ = e.applyTransitionLocked(entry, models.StateUnknown, "no broker event within T_ack")
	}
}

// ============================================================
// Доступ к ордерам
// ============================================================

// lookup находит entry по серверному или брокерскому идентификатору
func (e *Engine) lookup(orderID string) (*orderEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if cid, ok := e.byOrderID[orderID]; ok {
		entry, ok := e.byClientID[cid]
		return entry, ok
	}
	// Позволяем адресовать и по client_order_id
	entry, ok := e.byClientID[orderID]
	return entry, ok
}

func (e *Engine) lookupByClientID(cid string) (*orderEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.byClientID[cid]
	return entry, ok
}

// entries возвращает срез всех entry (для сканов)
func (e *Engine) entries() []*orderEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*orderEntry, 0, len(e.byClientID))
	for _, entry := range e.byClientID {
		out = append(out, entry)
	}
	return out
}

// Get возвращает снимок ордера по идентификатору
func (e *Engine) Get(orderID string) (*models.Order, bool) {
	entry, ok := e.lookup(orderID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order.Clone(), true
}

// Fills возвращает снимок филлов ордера
func (e *Engine) Fills(orderID string) []*models.Fill {
	entry, ok := e.lookup(orderID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	out := make([]*models.Fill, len(entry.fills))
	copy(out, entry.fills)
	return out
}

// UnknownOrders возвращает снимки ордеров в UNKNOWN (вход реконсилятора)
func (e *Engine) UnknownOrders() []*models.Order {
	var out []*models.Order
	for _, entry := range e.entries() {
		entry.mu.Lock()
		if entry.order.State == models.StateUnknown {
			out = append(out, entry.order.Clone())
		}
		entry.mu.Unlock()
	}
	return out
}

// OpenOrdersSnapshot возвращает снимки нетерминальных ордеров
func (e *Engine) OpenOrdersSnapshot() []*models.Order {
	var out []*models.Order
	for _, entry := range e.entries() {
		entry.mu.Lock()
		if entry.order.IsOpen() {
			out = append(out, entry.order.Clone())
		}
		entry.mu.Unlock()
	}
	return out
}

// Adopt регистрирует ордер, найденный у брокера (восстановление после
// рестарта или реконнекта): движок о нём не знал, брокер авторитетен
func (e *Engine) Adopt(bo *broker.Order) *models.Order {
	e.mu.Lock()
	if existing, ok := e.byClientID[bo.ClientOrderID]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		e.applyBrokerOrderLocked(existing, bo, "adopted broker state")
		return existing.order.Clone()
	}

	order := &models.Order{
		OrderID:       NewOrderID(),
		ClientOrderID: bo.ClientOrderID,
		Symbol:        bo.Symbol,
		Side:          bo.Side,
		Qty:           bo.Qty,
		Type:          bo.Type,
		LimitPrice:    bo.LimitPrice,
		State:         mapBrokerStatus(bo.Status, bo.FilledQty, bo.Qty),
		FilledQty:     bo.FilledQty,
		AvgFillPrice:  bo.AvgFillPrice,
		CreatedAt:     bo.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
		BrokerRef:     bo.ID,
	}

	entry := &orderEntry{order: order}
	e.byClientID[order.ClientOrderID] = entry
	e.byOrderID[order.OrderID] = order.ClientOrderID
	if bo.ID != "" {
		e.byOrderID[bo.ID] = order.ClientOrderID
	}
	e.mu.Unlock()

	if err := e.elog.Append(eventlog.KindOrderCreated, order); err != nil {
		e.log.Error("event log append failed", utils.Err(err), utils.OrderID(order.OrderID))
	}
	e.cache.SetOrder(order.Clone())
	if order.IsOpen() {
		OpenOrders.Inc()
	}

	e.log.Info("order adopted from broker",
		utils.OrderID(order.OrderID),
		utils.ClientOrderID(order.ClientOrderID),
		utils.State(order.State),
	)
	return order.Clone()
}

// ApplyBrokerState принимает состояние брокера как истину для ордера
// (вход реконсилятора; движок сам реконсилятор не вызывает)
func (e *Engine) ApplyBrokerState(clientOrderID string, bo *broker.Order, reason string) (*models.Order, bool) {
	entry, ok := e.lookupByClientID(clientOrderID)
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.eventSeen = true
	e.disarmAckTimerLocked(entry)
	e.setBrokerRefLocked(entry, bo.ID)
	e.applyBrokerOrderLocked(entry, bo, reason)
	return entry.order.Clone(), true
}

// FailOrder переводит ордер в FAILED (решение реконсилятора:
// брокер не знает ордер и грейс истёк)
func (e *Engine) FailOrder(clientOrderID, reason string) (*models.Order, bool) {
	entry, ok := e.lookupByClientID(clientOrderID)
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.order.IsTerminal() {
		return entry.order.Clone(), true
	}

	entry.order.ErrorMessage = reason
	_ = e.applyTransitionLocked(entry, models.StateFailed, reason)
	return entry.order.Clone(), true
}

// setBrokerRefLocked фиксирует брокерский идентификатор.
// Вызывается под entry.mu.
func (e *Engine) setBrokerRefLocked(entry *orderEntry, ref string) {
	if ref == "" || entry.order.BrokerRef == ref {
		return
	}
	entry.order.BrokerRef = ref

	e.mu.Lock()
	e.byOrderID[ref] = entry.order.ClientOrderID
	e.mu.Unlock()
}

// ============================================================
// Валидация интентов
// ============================================================

// validateIntent проверяет интент до любых побочных эффектов
func validateIntent(intent models.Intent) error {
	if intent.ClientOrderID == "" {
		return fmt.Errorf("%w: %v", ErrBadRequest, utils.ErrEmptyClientOrderID)
	}
	if err := utils.ValidateSymbol(intent.Symbol); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := utils.ValidateSide(intent.Side); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := utils.ValidateOrderType(intent.Type); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := utils.ValidateQty(intent.Qty); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if intent.Type == models.TypeLimit && intent.LimitPrice.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrBadRequest, utils.ErrMissingLimitPrice)
	}
	return nil
}
