package trading

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/broadcast"
	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/engine"
	"papertrade/internal/eventlog"
	"papertrade/internal/ingest"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/internal/regime"
	"papertrade/internal/risk"
	"papertrade/internal/store"
	"papertrade/internal/strategy"
	"papertrade/pkg/utils"
)

// App - торговый процесс (TP)
//
// Запускает все циклы процесса:
// (i)   приём баров на источник данных
// (ii)  цикл решения (последовательно: режим → стратегии → риск → интент)
// (iii) единственный потребитель потока событий брокера
// (iv)  таймер реконсилятора
// (v)   цикл broadcast рассылки
// (vi)  ETL воркер
// плюс публикация пульса и зеркала состояния.
type App struct {
	cfg *config.Config
	log *utils.Logger

	brokerClient *broker.Client
	stream       *broker.Stream
	elog         *eventlog.Log
	cache        *lsc.Cache
	engine       *engine.Engine
	reconciler   *engine.Reconciler
	hub          *broadcast.Hub
	detector     *regime.Detector
	sizer        *risk.Sizer
	drawdown     *risk.DrawdownMonitor
	source       ingest.BarSource
	db           *sql.DB
	etl          *store.ETL

	// История баров для рыночного контекста стратегий
	historyMu sync.RWMutex
	history   map[string][]*models.Bar

	heartbeatSeq int64
}

// barHistoryDepth - сколько баров держим в памяти на символ
const barHistoryDepth = 256

// Options - внешние коллаборанты, подставляемые при сборке
type Options struct {
	Source     ingest.BarSource
	Strategies []strategy.Strategy
	Benchmark  string
}

// NewApp собирает торговый процесс
//
// Зависимости инжектируются явно; время жизни якорится в точке входа.
func NewApp(cfg *config.Config, opts Options, log *utils.Logger) (*App, error) {
	elog, err := eventlog.Open(eventlog.DefaultConfig(cfg.Storage.EventLogDir))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	cache, err := lsc.New(cfg.Storage.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state cache: %w", err)
	}

	brokerClient := broker.NewClient(broker.ClientConfig{
		BaseURL:   cfg.Broker.BaseURL,
		APIKey:    cfg.Broker.Trading.APIKey,
		APISecret: cfg.Broker.Trading.APISecret,
		RateLimit: cfg.Broker.RateLimit,
		RateBurst: cfg.Broker.RateBurst,
		HTTP:      broker.DefaultHTTPClientConfig(),
	}, log)

	eng := engine.New(cfg.Engine, brokerClient, elog, cache, log)
	rec := engine.NewReconciler(cfg.Engine, eng, brokerClient, elog, cache, log)

	stream := broker.NewStream(
		broker.DefaultStreamConfig(cfg.Broker.StreamURL, cfg.Broker.Trading.APIKey, cfg.Broker.Trading.APISecret),
		log,
	)

	db, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open analytical store: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}

	app := &App{
		cfg:          cfg,
		log:          log.WithRole(models.RoleTrading),
		brokerClient: brokerClient,
		stream:       stream,
		elog:         elog,
		cache:        cache,
		engine:       eng,
		reconciler:   rec,
		hub:          broadcast.NewHub(fmt.Sprintf("papertrade-%d", os.Getpid()), log),
		detector:     regime.New(regime.DefaultConfig(opts.Benchmark)),
		sizer:        risk.NewSizer(risk.DefaultSizerConfig(), engine.NewKeyGenerator()),
		drawdown:     risk.NewDrawdownMonitor(decimal.NewFromInt(10)),
		source:       opts.Source,
		db:           db,
		etl:          store.NewETL(cfg.Storage.EventLogDir, db, log),
		history:      make(map[string][]*models.Bar),
	}

	for _, s := range opts.Strategies {
		strategy.Register(s)
	}

	// Реконнект стрима: полная реконсиляция до возобновления обработки
	stream.SetOnReconnect(func() {
		engine.StreamReconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rec.ReconcileAll(ctx); err != nil {
			app.log.Error("post-reconnect reconciliation failed", utils.Err(err))
		}
	})

	return app, nil
}

// Hub возвращает broadcast hub (для HTTP поверхности)
func (a *App) Hub() *broadcast.Hub { return a.hub }

// Engine возвращает движок (для HTTP поверхности)
func (a *App) Engine() *engine.Engine { return a.engine }

// Cache возвращает кэш состояния (для HTTP поверхности)
func (a *App) Cache() *lsc.Cache { return a.cache }

// EventLog возвращает журнал событий (для HTTP поверхности)
func (a *App) EventLog() *eventlog.Log { return a.elog }

// Run запускает все циклы и блокирует до отмены контекста
func (a *App) Run(ctx context.Context) error {
	// Восстановление: полная реконсиляция с брокером до любых решений
	recCtx, recCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.reconciler.ReconcileAll(recCtx); err != nil {
		a.log.Warn("startup reconciliation incomplete", utils.Err(err))
	}
	recCancel()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)
	var wg sync.WaitGroup

	launch := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && runCtx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	stopHub := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(stopHub)
	}()

	launch("bar source", a.source.Run)
	launch("ingestion loop", a.ingestionLoop)
	launch("decision loop", a.decisionLoop)
	launch("broker stream", a.stream.Run)
	launch("engine dispatcher", func(ctx context.Context) error {
		return a.engine.Run(ctx, a.stream.Events())
	})
	launch("reconciler", a.reconciler.Run)
	launch("broadcast loop", a.broadcastLoop)
	launch("heartbeat loop", a.heartbeatLoop)
	launch("etl worker", func(ctx context.Context) error {
		return a.etl.Run(ctx, a.cfg.Engine.ETLInterval)
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error("fatal loop error, shutting down", utils.Err(runErr))
	}

	cancel()
	a.stream.Close()
	close(stopHub)
	wg.Wait()

	a.shutdown()
	return runErr
}

// shutdown закрывает ресурсы
func (a *App) shutdown() {
	if err := a.elog.Sync(); err != nil {
		a.log.Error("event log sync failed", utils.Err(err))
	}
	if err := a.elog.Close(); err != nil {
		a.log.Error("event log close failed", utils.Err(err))
	}
	if err := a.db.Close(); err != nil {
		a.log.Error("analytical store close failed", utils.Err(err))
	}
	_ = a.brokerClient.Close()
	a.log.Info("trading process stopped")
}

// ============================================================
// (i) Приём баров
// ============================================================

// ingestionLoop пишет бары в журнал, историю, детектор режима и шину
func (a *App) ingestionLoop(ctx context.Context) error {
	for {
		select {
		case bar, ok := <-a.source.Bars():
			if !ok {
				return nil
			}

			if err := a.elog.Append(eventlog.KindBar, bar); err != nil {
				a.log.Warn("bar log append failed", utils.Err(err))
			}

			a.pushHistory(bar)

			current := a.detector.OnBar(bar)
			if prev, _ := a.cache.GetRegime(); prev != current {
				a.cache.SetRegime(current, time.Now().UTC())
				a.hub.Publish(broadcast.ChannelRegime, current)
				a.log.Info("regime changed", utils.String("regime", current))
			}

			a.hub.Publish(broadcast.MarketChannelPrefix+bar.Symbol, bar)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pushHistory добавляет бар в капированную историю символа
func (a *App) pushHistory(bar *models.Bar) {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()

	h := append(a.history[bar.Symbol], bar)
	if len(h) > barHistoryDepth {
		h = h[len(h)-barHistoryDepth:]
	}
	a.history[bar.Symbol] = h
}

// marketContext собирает снимок контекста для стратегий
func (a *App) marketContext(now time.Time) *strategy.MarketContext {
	a.historyMu.RLock()
	bars := make(map[string][]*models.Bar, len(a.history))
	for symbol, h := range a.history {
		cp := make([]*models.Bar, len(h))
		copy(cp, h)
		bars[symbol] = cp
	}
	a.historyMu.RUnlock()

	positions := make(map[string]*models.Position)
	for _, p := range a.cache.Positions() {
		positions[p.Symbol] = p
	}

	regimeNow, _ := a.cache.GetRegime()

	return &strategy.MarketContext{
		Bars:      bars,
		Positions: positions,
		Regime:    regimeNow,
		Now:       now,
	}
}

// ============================================================
// (ii) Цикл решения
// ============================================================

// decisionLoop - последовательный такт: режим → стратегии → риск → интент
//
// При установленном halt флаге цикл дренирует и не генерирует интенты;
// в режиме panic и при мягкой просадке - тоже.
func (a *App) decisionLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Engine.BroadcastInterval * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.decide(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decide выполняет один такт решения
func (a *App) decide(ctx context.Context) {
	if a.cache.Halted() {
		return // HaltRequested: дренируем без новых интентов
	}

	regimeNow := a.detector.Current()
	if regimeNow == models.RegimePanic {
		return
	}

	eq, ok := a.cache.GetEquity()
	if !ok || eq.Equity.Sign() <= 0 {
		return
	}
	if a.drawdown.Breached(eq.Equity) {
		a.log.Warn("soft drawdown limit reached, intent generation paused")
		return
	}

	mc := a.marketContext(time.Now().UTC())

	for _, strat := range strategy.All() {
		if !strat.ShouldRun(regimeNow) {
			continue
		}

		for _, sig := range strat.ProduceSignals(ctx, mc) {
			if err := a.elog.Append(eventlog.KindSignal, sig); err != nil {
				a.log.Warn("signal log append failed", utils.Err(err))
			}

			price, ok := mc.LastClose(sig.Symbol)
			if !ok {
				continue
			}

			intent := a.sizer.Approve(sig, price, eq.Equity, mc.Positions[sig.Symbol])
			if intent == nil {
				continue
			}

			if err := a.elog.Append(eventlog.KindIntent, intent); err != nil {
				a.log.Warn("intent log append failed", utils.Err(err))
			}

			// Последовательная подача: по одному интенту за раз
			submitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := a.engine.Submit(submitCtx, *intent)
			cancel()

			if err != nil {
				a.log.Warn("intent rejected",
					utils.Err(err),
					utils.ClientOrderID(intent.ClientOrderID),
					utils.Symbol(intent.Symbol),
				)
			}
		}
	}
}

// ============================================================
// (v) Broadcast рассылка
// ============================================================

// broadcastLoop публикует снимки состояния в шину
func (a *App) broadcastLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Engine.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := a.engine.Snapshot()

			a.hub.Publish(broadcast.ChannelOrders, snap.Orders)
			a.hub.Publish(broadcast.ChannelPositions, snap.Positions)
			if snap.Equity != nil {
				a.hub.Publish(broadcast.ChannelEquity, snap.Equity)
			}

			flag := a.cache.GetHalt()
			a.hub.Publish(broadcast.ChannelHealth, &broadcast.HealthPayload{
				Halted:     flag.Active,
				HaltReason: flag.Reason,
				Heartbeat:  time.Now().UTC(),
				OpenOrders: len(a.engine.OpenOrdersSnapshot()),
			})

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ============================================================
// Пульс, зеркало, equity
// ============================================================

// heartbeatLoop публикует пульс, зеркало состояния и точку капитала
//
// Здесь же подхватывается halt флаг, поставленный супервизором
// из соседнего процесса.
func (a *App) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Engine.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.beat(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// beat - один такт пульса
func (a *App) beat(ctx context.Context) {
	now := time.Now().UTC()

	a.heartbeatSeq++
	hb := &models.Heartbeat{
		ProcessID: fmt.Sprintf("trading-%d", os.Getpid()),
		Role:      models.RoleTrading,
		TS:        now,
		Seq:       a.heartbeatSeq,
	}
	a.cache.SetHeartbeat(hb)
	if err := a.elog.Append(eventlog.KindHeartbeat, hb); err != nil {
		a.log.Warn("heartbeat log append failed", utils.Err(err))
	}

	// Halt флаг супервизора приходит через диск
	if err := a.cache.RefreshHalt(); err != nil {
		a.log.Warn("halt flag refresh failed", utils.Err(err))
	}

	// Точка капитала с брокера
	acctCtx, cancel := context.WithTimeout(ctx, a.cfg.Broker.RequestTimeout)
	account, err := a.brokerClient.GetAccount(acctCtx)
	cancel()

	if err != nil {
		a.log.Warn("account poll failed", utils.Err(err))
	} else {
		point := &models.EquityPoint{
			TS:             now,
			Equity:         account.Equity,
			Cash:           account.Cash,
			PositionsValue: account.Equity.Sub(account.Cash),
		}
		a.cache.SetEquity(point)
		a.drawdown.Observe(point.Equity)

		if err := a.elog.Append(eventlog.KindMetric, map[string]interface{}{
			"metric":          "equity",
			"ts":              point.TS,
			"equity":          point.Equity,
			"cash":            point.Cash,
			"positions_value": point.PositionsValue,
		}); err != nil {
			a.log.Warn("equity log append failed", utils.Err(err))
		}

		// Срез позиций для аналитического хранилища
		if positions := a.cache.Positions(); len(positions) > 0 {
			if err := a.elog.Append(eventlog.KindMetric, map[string]interface{}{
				"metric": "positions",
				"ts":     now,
				"items":  positions,
			}); err != nil {
				a.log.Warn("positions log append failed", utils.Err(err))
			}
		}
	}

	// Зеркало для супервизора
	if err := a.cache.WriteMirror(); err != nil {
		a.log.Warn("state mirror write failed", utils.Err(err))
	}
}
