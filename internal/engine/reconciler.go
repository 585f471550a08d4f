package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/pkg/retry"
	"papertrade/pkg/utils"
)

// Reconciler разрешает UNKNOWN ордера и расхождения позиций,
// принимая брокера за источник истины.
//
// Гарантия идемпотентности: реконсиляция НИКОГДА не размещает и не
// отменяет по локальному состоянию - только читает брокера и пишет
// в локальные хранилища. Сколько бы прогонов ни случилось, число
// побочных эффектов у брокера не меняется.
type Reconciler struct {
	cfg config.EngineConfig

	engine *Engine
	broker broker.Broker
	elog   *eventlog.Log
	cache  *lsc.Cache
	log    *utils.Logger

	// notFoundSince - когда брокер впервые ответил "not found"
	// по данному client_order_id (отсчёт грейса)
	mu            sync.Mutex
	notFoundSince map[string]time.Time
}

// positionReconciledRecord - payload записи POSITION_RECONCILED
type positionReconciledRecord struct {
	Symbol    string `json:"symbol"`
	LocalQty  string `json:"local_qty"`
	BrokerQty string `json:"broker_qty"`
}

// NewReconciler создаёт реконсилятор
func NewReconciler(cfg config.EngineConfig, eng *Engine, b broker.Broker, elog *eventlog.Log, cache *lsc.Cache, log *utils.Logger) *Reconciler {
	return &Reconciler{
		cfg:           cfg,
		engine:        eng,
		broker:        b,
		elog:          elog,
		cache:         cache,
		log:           log.WithComponent("reconciler"),
		notFoundSince: make(map[string]time.Time),
	}
}

// Run - периодический свип каждые T_reco.
// Блокирует до отмены контекста.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep - один проход: UNKNOWN ордера + позиции
func (r *Reconciler) Sweep(ctx context.Context) {
	ReconcileRuns.Inc()

	for _, o := range r.engine.UnknownOrders() {
		deadline := time.Now().Add(10 * time.Second)
		if err := r.ReconcileOne(ctx, o.ClientOrderID, deadline); err != nil {
			r.log.Warn("order reconciliation failed",
				utils.Err(err), utils.ClientOrderID(o.ClientOrderID))
		}
	}

	if err := r.ReconcilePositions(ctx); err != nil {
		r.log.Warn("position reconciliation failed", utils.Err(err))
	}
}

// ReconcileOne разрешает один ордер по свидетельству брокера
//
// "Not found" от брокера не приговор сразу: только после истечения
// ограниченного грейса ордер переходит в FAILED (безопасно - никогда
// не предполагаем SUBMITTED без свидетельства).
func (r *Reconciler) ReconcileOne(ctx context.Context, clientOrderID string, deadline time.Time) error {
	queryCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	bo, err := retry.DoWithResult(queryCtx, func() (*broker.Order, error) {
		return r.broker.GetOrder(queryCtx, clientOrderID)
	}, queryRetryConfig())

	switch {
	case err == nil:
		r.clearNotFound(clientOrderID)
		order, ok := r.engine.ApplyBrokerState(clientOrderID, bo, "reconciled from broker")
		if ok {
			ReconcileResolved.WithLabelValues(order.State).Inc()
			r.log.Info("unknown order resolved",
				utils.ClientOrderID(clientOrderID),
				utils.State(order.State),
			)
		}
		return nil

	case errors.Is(err, broker.ErrOrderNotFound):
		since := r.markNotFound(clientOrderID)
		if time.Since(since) < r.cfg.UnknownGrace {
			// Грейс ещё идёт: брокер мог не успеть проиндексировать ордер
			return nil
		}
		r.clearNotFound(clientOrderID)
		if order, ok := r.engine.FailOrder(clientOrderID, "not found at broker after grace period"); ok {
			ReconcileResolved.WithLabelValues(order.State).Inc()
		}
		return nil

	default:
		return err
	}
}

// ReconcilePositions сверяет позиции кэша с брокером
//
// При расхождении кэш перезаписывается, в журнал пишется
// POSITION_RECONCILED, поднимается аларм.
func (r *Reconciler) ReconcilePositions(ctx context.Context) error {
	brokerPositions, err := retry.DoWithResult(ctx, func() ([]*broker.Position, error) {
		return r.broker.GetPositions(ctx)
	}, queryRetryConfig())
	if err != nil {
		return err
	}

	local := make(map[string]*models.Position)
	for _, p := range r.cache.Positions() {
		local[p.Symbol] = p
	}

	now := time.Now().UTC()
	replacement := make([]*models.Position, 0, len(brokerPositions))
	diverged := false

	for _, bp := range brokerPositions {
		lp, ok := local[bp.Symbol]
		if !ok || !lp.NetQty.Equal(bp.Qty) {
			diverged = true
			r.recordDivergence(bp.Symbol, lp, bp)
		}

		pos := &models.Position{
			Symbol:        bp.Symbol,
			NetQty:        bp.Qty,
			AvgCost:       bp.AvgEntryPrice,
			UnrealizedPnl: bp.UnrealizedPnl,
			UpdatedAt:     now,
		}
		if lp != nil {
			pos.RealizedPnl = lp.RealizedPnl
			pos.Version = lp.Version + 1
		}
		replacement = append(replacement, pos)
		delete(local, bp.Symbol)
	}

	// Локальные позиции, которых брокер не знает - тоже расхождение
	for _, lp := range local {
		if lp.NetQty.IsZero() {
			continue
		}
		diverged = true
		r.recordDivergence(lp.Symbol, lp, nil)
	}

	if diverged {
		// Брокер авторитетен: кэш замещается его снимком целиком
		r.cache.ReplacePositions(replacement, now)
	} else {
		for _, pos := range replacement {
			r.cache.SetPosition(pos)
		}
	}

	return nil
}

// ReconcileAll - полная реконсиляция: выполняется на старте торгового
// процесса и после реконнекта стрима, ДО возобновления нормальной
// обработки событий
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	// Открытые ордера брокера, неизвестные движку, усыновляются
	open, err := retry.DoWithResult(ctx, func() ([]*broker.Order, error) {
		return r.broker.ListOpenOrders(ctx)
	}, queryRetryConfig())
	if err != nil {
		return err
	}

	for _, bo := range open {
		if _, known := r.engine.ApplyBrokerState(bo.ClientOrderID, bo, "reconcile all"); !known {
			r.engine.Adopt(bo)
		}
	}

	// UNKNOWN ордера и позиции
	for _, o := range r.engine.UnknownOrders() {
		deadline := time.Now().Add(10 * time.Second)
		if err := r.ReconcileOne(ctx, o.ClientOrderID, deadline); err != nil {
			r.log.Warn("order reconciliation failed",
				utils.Err(err), utils.ClientOrderID(o.ClientOrderID))
		}
	}

	return r.ReconcilePositions(ctx)
}

// recordDivergence фиксирует расхождение: журнал + метрика + аларм
func (r *Reconciler) recordDivergence(symbol string, local *models.Position, remote *broker.Position) {
	PositionDivergences.Inc()

	rec := positionReconciledRecord{Symbol: symbol, LocalQty: "0", BrokerQty: "0"}
	if local != nil {
		rec.LocalQty = local.NetQty.String()
	}
	if remote != nil {
		rec.BrokerQty = remote.Qty.String()
	}

	if err := r.elog.Append(eventlog.KindPositionReconciled, rec); err != nil {
		r.log.Error("event log append failed", utils.Err(err))
	}

	r.log.Warn("position divergence, broker wins",
		utils.Symbol(symbol),
		utils.String("local_qty", rec.LocalQty),
		utils.String("broker_qty", rec.BrokerQty),
	)
}

func (r *Reconciler) markNotFound(cid string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if since, ok := r.notFoundSince[cid]; ok {
		return since
	}
	now := time.Now()
	r.notFoundSince[cid] = now
	return now
}

func (r *Reconciler) clearNotFound(cid string) {
	r.mu.Lock()
	delete(r.notFoundSince, cid)
	r.mu.Unlock()
}

// queryRetryConfig - повторы запросов чтения: не ретраим семантические
// отказы (not found - валидный ответ)
func queryRetryConfig() retry.Config {
	cfg := retry.QueryConfig()
	cfg.RetryIf = func(err error) bool {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return false
		}
		return retry.IsRetryable(err) && retry.RetryIfNotContext(err)
	}
	return cfg
}
