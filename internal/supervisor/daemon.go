package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Daemon - независимый супервизор
//
// КРИТИЧНО: процесс полностью независим от торгового:
// - отдельный бинарник и отдельная пара брокерских ключей
// - прямой доступ к брокеру (ликвидация без участия ТП)
// - никакой разделяемой памяти; только durable субстраты
//   (файловое зеркало кэша, журнал событий, halt флаг)
//
// Задачи: следить за здоровьем ТП, оценивать kill-правила,
// в аварии - отменить всё, закрыть позиции, остановить ТП.
type Daemon struct {
	cfg      config.SupervisorConfig
	rules    KillRules
	warnings WarningThresholds

	broker   broker.Broker
	cache    *lsc.Cache // свой экземпляр поверх общего StateDir
	elog     *eventlog.Log
	actuator *Actuator
	log      *utils.Logger

	stateDir string
	started  time.Time

	// Персистентное состояние правил (переживает рестарт супервизора)
	peakEquity       decimal.Decimal
	startOfDayEquity decimal.Decimal
	sodDay           time.Time
}

// daemonState - персистентная часть состояния (peak и start-of-day)
type daemonState struct {
	PeakEquity       decimal.Decimal `json:"peak_equity"`
	StartOfDayEquity decimal.Decimal `json:"start_of_day_equity"`
	SodDay           time.Time       `json:"sod_day"`
}

const daemonStateFile = "supervisor_state.json"

// NewDaemon создаёт супервизор
func NewDaemon(
	cfg config.SupervisorConfig,
	b broker.Broker,
	cache *lsc.Cache,
	elog *eventlog.Log,
	stateDir string,
	log *utils.Logger,
) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		rules:    DefaultRules(),
		warnings: DefaultWarnings(),
		broker:   b,
		cache:    cache,
		elog:     elog,
		stateDir: stateDir,
		started:  time.Now().UTC(),
		log:      log.WithComponent("supervisor"),
	}
	d.actuator = NewActuator(cfg, b, cache, elog, d.log)
	d.loadState()
	return d
}

// Run - главный цикл оценки kill-правил.
// Блокирует до отмены контекста.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("supervisor started",
		utils.String("check_interval", d.cfg.CheckInterval.String()),
	)

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Cycle(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cycle - один цикл: собрать состояние, оценить правила, действовать
func (d *Daemon) Cycle(ctx context.Context) {
	st, openOrders, err := d.collectState(ctx)
	if err != nil {
		d.log.Error("state collection failed, deferring kill decision", utils.Err(err))
		return
	}

	// Публикуем собственный пульс
	d.publishHeartbeat()

	for _, w := range d.warnings.Warnings(st) {
		d.log.Warn("kill rule warning", utils.String("warning", w))
	}

	breaches := d.rules.Evaluate(st)
	if len(breaches) == 0 {
		return
	}

	// Исполняем самое жёсткое действие; более мягкие поглощаются им
	breach := mostSevere(breaches)
	d.log.Error("kill rule breached",
		utils.String("rule", breach.Rule),
		utils.Reason(breach.Reason),
		utils.String("action", breach.Action.String()),
	)

	if err := d.actuator.Execute(ctx, breach, openOrders); err != nil {
		d.log.Error("actuator failed", utils.Err(err), utils.String("rule", breach.Rule))
	}
}

// collectState собирает входы kill-правил из зеркала кэша и прямых
// опросов брокера (брокер авторитетен по позициям и ордерам)
func (d *Daemon) collectState(ctx context.Context) (*models.KillState, []*broker.Order, error) {
	now := time.Now().UTC()

	account, err := d.broker.GetAccount(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("account poll: %w", err)
	}

	positions, err := d.broker.GetPositions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("positions poll: %w", err)
	}

	openOrders, err := d.broker.ListOpenOrders(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open orders poll: %w", err)
	}

	d.rollDay(account.Equity, now)

	st := &models.KillState{
		Equity:           account.Equity,
		StartOfDayEquity: d.startOfDayEquity,
		DailyPnl:         account.Equity.Sub(d.startOfDayEquity),
		PeakEquity:       d.peakEquity,
		OpenOrdersCount:  len(openOrders),
		Now:              now,
	}

	// Крупнейшая позиция
	for _, p := range positions {
		if account.Equity.Sign() <= 0 {
			break
		}
		pct := p.MarketValue.Abs().Div(account.Equity).Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(st.LargestPositionPct) {
			st.LargestPositionPct = pct
			st.LargestPositionSym = p.Symbol
		}
	}

	// Самый старый открытый ордер
	for _, o := range openOrders {
		if o.CreatedAt.IsZero() {
			continue
		}
		if age := now.Sub(o.CreatedAt); age > st.OldestPendingAge {
			st.OldestPendingAge = age
		}
	}

	// Пульс ТП из файлового зеркала; зеркала нет - отсчёт от старта демона
	st.HeartbeatAge = now.Sub(d.started)
	if mirror, merr := lsc.ReadMirror(d.stateDir); merr == nil && mirror.Heartbeat != nil {
		st.HeartbeatAge = mirror.Heartbeat.Age(now)
	}

	return st, openOrders, nil
}

// rollDay обновляет peak и start-of-day equity
func (d *Daemon) rollDay(equity decimal.Decimal, now time.Time) {
	if d.sodDay.IsZero() || !utils.SameMarketDay(d.sodDay, now) {
		d.startOfDayEquity = equity
		d.sodDay = now
		d.log.Info("start-of-day equity recorded", utils.String("equity", equity.String()))
	}

	if equity.GreaterThan(d.peakEquity) {
		d.peakEquity = equity
	}

	d.saveState()
}

// publishHeartbeat перезаписывает пульс супервизора в кэше
func (d *Daemon) publishHeartbeat() {
	hb := &models.Heartbeat{
		ProcessID: fmt.Sprintf("supervisor-%d", os.Getpid()),
		Role:      models.RoleSupervisor,
		TS:        time.Now().UTC(),
	}
	d.cache.SetHeartbeat(hb)

	if err := d.elog.Append(eventlog.KindHeartbeat, hb); err != nil {
		d.log.Warn("heartbeat log append failed", utils.Err(err))
	}
}

// mostSevere выбирает самое жёсткое действие из сработавших
func mostSevere(breaches []Breach) Breach {
	best := breaches[0]
	for _, b := range breaches[1:] {
		if b.Action > best.Action {
			best = b
		}
	}
	return best
}

// loadState подхватывает персистентное состояние правил
func (d *Daemon) loadState() {
	data, err := os.ReadFile(filepath.Join(d.stateDir, daemonStateFile))
	if err != nil {
		return
	}

	var st daemonState
	if err := json.Unmarshal(data, &st); err != nil {
		d.log.Warn("corrupt supervisor state file, starting fresh", utils.Err(err))
		return
	}

	d.peakEquity = st.PeakEquity
	d.startOfDayEquity = st.StartOfDayEquity
	d.sodDay = st.SodDay
}

// saveState сохраняет персистентное состояние правил
func (d *Daemon) saveState() {
	data, err := json.Marshal(daemonState{
		PeakEquity:       d.peakEquity,
		StartOfDayEquity: d.startOfDayEquity,
		SodDay:           d.sodDay,
	})
	if err != nil {
		return
	}

	path := filepath.Join(d.stateDir, daemonStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		d.log.Warn("supervisor state write failed", utils.Err(err))
		return
	}
	_ = os.Rename(tmp, path)
}
