package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/pkg/retry"
	"papertrade/pkg/utils"
)

// Actuator - исполнитель аварийной остановки
//
// Протокол полной остановки:
// 1. Поставить halt флаг (ТП видит его и прекращает генерацию интентов)
// 2. cancel_all у брокера под ключами супервизора
// 3. Закрыть позиции рыночными ордерами с client_order_id супервизора
// 4. Сигнал ТП: сначала кооперативный SIGTERM, после T_grace - SIGKILL
//
// Действия супервизора не знают кооперативной отмены: либо успех
// у брокера, либо эскалация (повтор до дедлайна, затем принуждение).
type Actuator struct {
	cfg    config.SupervisorConfig
	broker broker.Broker
	cache  *lsc.Cache
	elog   *eventlog.Log
	log    *utils.Logger
}

// NewActuator создаёт актуатор
func NewActuator(cfg config.SupervisorConfig, b broker.Broker, cache *lsc.Cache, elog *eventlog.Log, log *utils.Logger) *Actuator {
	return &Actuator{
		cfg:    cfg,
		broker: b,
		cache:  cache,
		elog:   elog,
		log:    log.WithComponent("actuator"),
	}
}

// Execute исполняет действие сработавшего правила
func (a *Actuator) Execute(ctx context.Context, breach Breach, openOrders []*broker.Order) error {
	switch breach.Action {
	case ActionCancelZombies:
		return a.CancelZombies(ctx, openOrders)

	case ActionFlattenSymbol:
		return a.FlattenSymbol(ctx, breach.Symbol)

	case ActionFlattenAll:
		return a.flattenPositions(ctx)

	case ActionFlattenAndHalt:
		return a.Shutdown(ctx, breach.Rule+": "+breach.Reason, false)

	case ActionHardHalt:
		return a.Shutdown(ctx, breach.Rule+": "+breach.Reason, true)

	default:
		return nil
	}
}

// Shutdown - полный протокол остановки
func (a *Actuator) Shutdown(ctx context.Context, reason string, hard bool) error {
	deadline := time.Now().Add(a.cfg.ActuatorDeadline)
	actCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	// 1. Halt флаг: персистентен, снимается только оператором.
	// Hard halt помечается в reason - рестарт ТП будет отвергнут (exit 3).
	haltReason := reason
	if hard {
		haltReason = "HARD HALT (human intervention required): " + reason
	}
	flag, err := a.cache.SetHalt(haltReason, "supervisor")
	if err != nil {
		a.log.Error("halt flag persistence failed", utils.Err(err))
	}
	if aerr := a.elog.Append(eventlog.KindHalt, flag); aerr != nil {
		a.log.Error("halt log append failed", utils.Err(aerr))
	}

	a.log.Error("emergency shutdown initiated",
		utils.Reason(reason),
		utils.Bool("hard", hard),
	)

	// 2. Отмена всех ордеров под ключами супервизора
	if err := retry.Do(actCtx, func() error {
		return a.broker.CancelAll(actCtx)
	}, retry.FlattenConfig()); err != nil {
		a.log.Error("cancel all failed", utils.Err(err))
	}

	// 3. Закрытие позиций
	if err := a.flattenPositions(actCtx); err != nil {
		a.log.Error("flatten failed", utils.Err(err))
	}

	// 4. Остановка торгового процесса: кооперативно, потом принудительно
	a.terminateTrading()

	return nil
}

// FlattenSymbol закрывает позиции одного символа
func (a *Actuator) FlattenSymbol(ctx context.Context, symbol string) error {
	positions, err := retry.DoWithResult(ctx, func() ([]*broker.Position, error) {
		return a.broker.GetPositions(ctx)
	}, retry.QueryConfig())
	if err != nil {
		return err
	}

	for _, p := range positions {
		if p.Symbol != symbol || p.Qty.IsZero() {
			continue
		}
		if err := a.flattenOne(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// CancelZombies отменяет зависшие ордера напрямую у брокера
func (a *Actuator) CancelZombies(ctx context.Context, openOrders []*broker.Order) error {
	now := time.Now().UTC()
	rules := DefaultRules()

	var lastErr error
	for _, o := range openOrders {
		if now.Sub(o.CreatedAt) <= rules.ZombieAge {
			continue
		}

		a.log.Warn("cancelling zombie order",
			utils.OrderID(o.ID),
			utils.ClientOrderID(o.ClientOrderID),
			utils.String("age", now.Sub(o.CreatedAt).String()),
		)

		if err := retry.Do(ctx, func() error {
			return a.broker.Cancel(ctx, o.ID)
		}, retry.FlattenConfig()); err != nil {
			a.log.Error("zombie cancel failed", utils.Err(err), utils.OrderID(o.ID))
			lastErr = err
		}
	}
	return lastErr
}

// flattenPositions закрывает все позиции счёта
func (a *Actuator) flattenPositions(ctx context.Context) error {
	positions, err := retry.DoWithResult(ctx, func() ([]*broker.Position, error) {
		return a.broker.GetPositions(ctx)
	}, retry.QueryConfig())
	if err != nil {
		return err
	}

	var lastErr error
	for _, p := range positions {
		if p.Qty.IsZero() {
			continue
		}
		if err := a.flattenOne(ctx, p); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// flattenOne закрывает одну позицию рыночным ордером
//
// client_order_id супервизора детерминирован по (символ, минута):
// повтор в пределах минуты идемпотентен у брокера и не задваивает
// закрытие.
func (a *Actuator) flattenOne(ctx context.Context, p *broker.Position) error {
	side := models.SideSell
	if p.Qty.Sign() < 0 {
		side = models.SideBuy
	}

	req := broker.PlaceRequest{
		ClientOrderID: supervisorFlattenID(p.Symbol, time.Now().UTC()),
		Symbol:        p.Symbol,
		Qty:           p.Qty.Abs(),
		Side:          side,
		Type:          models.TypeMarket,
	}

	a.log.Warn("flattening position",
		utils.Symbol(p.Symbol),
		utils.Qty(p.Qty.String()),
		utils.Side(side),
	)

	_, err := retry.DoWithResult(ctx, func() (*broker.Order, error) {
		return a.broker.Place(ctx, req)
	}, retry.FlattenConfig())
	if err != nil {
		a.log.Error("flatten order failed", utils.Err(err), utils.Symbol(p.Symbol))
		return err
	}
	return nil
}

// supervisorFlattenID - детерминированный ключ закрывающего ордера
func supervisorFlattenID(symbol string, now time.Time) string {
	return fmt.Sprintf("sup-flat-%s-%s", strings.ToLower(symbol), now.Format("20060102-1504"))
}

// terminateTrading останавливает торговый процесс
//
// Кооперативный запрос (SIGTERM) первым: ТП дренирует циклы и выходит
// с кодом 4. Если за T_grace процесс не умер - SIGKILL.
func (a *Actuator) terminateTrading() {
	pid, err := a.readTradingPID()
	if err != nil {
		a.log.Warn("trading pid unavailable, skip termination", utils.Err(err))
		return
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}

	a.log.Warn("sending cooperative stop to trading process", utils.Int("pid", pid))
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		a.log.Warn("sigterm failed", utils.Err(err), utils.Int("pid", pid))
		return
	}

	deadline := time.Now().Add(a.cfg.GracePeriod)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		if proc.Signal(syscall.Signal(0)) != nil {
			a.log.Info("trading process exited cooperatively", utils.Int("pid", pid))
			return
		}
	}

	a.log.Error("grace period expired, forcing termination", utils.Int("pid", pid))
	_ = proc.Signal(syscall.SIGKILL)
}

// readTradingPID читает PID файла торгового процесса
func (a *Actuator) readTradingPID() (int, error) {
	data, err := os.ReadFile(a.cfg.TradingPIDFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}
