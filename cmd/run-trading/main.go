package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/api"
	"papertrade/internal/config"
	"papertrade/internal/ingest"
	"papertrade/internal/lsc"
	"papertrade/internal/strategy"
	"papertrade/internal/trading"
	"papertrade/pkg/utils"
)

// Коды выхода торгового процесса
const (
	exitOK          = 0
	exitConfig      = 2 // ошибка конфигурации
	exitHaltedStart = 3 // halt флаг установлен на старте
	exitSupervisor  = 4 // остановлен супервизором
	exitInternal    = 5 // невосстановимая внутренняя ошибка
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer log.Sync()

	// Halt флаг переживает рестарт: торговля не возобновляется
	// без действия оператора
	cache, err := lsc.New(cfg.Storage.StateDir)
	if err != nil {
		log.Error("state dir unavailable", utils.Err(err))
		return exitConfig
	}
	if flag := cache.GetHalt(); flag.Active {
		log.Error("halt flag is set, refusing to start",
			utils.Reason(flag.Reason),
			utils.String("set_by", flag.SetBy),
		)
		return exitHaltedStart
	}

	if err := writePIDFile(cfg.Supervisor.TradingPIDFile); err != nil {
		log.Error("pid file write failed", utils.Err(err))
		return exitConfig
	}
	defer os.Remove(cfg.Supervisor.TradingPIDFile)

	// Источник баров и стратегии - внешние коллаборанты контура
	symbols := tradeSymbols()
	source := ingest.NewSynthetic(ingest.DefaultSyntheticConfig(symbols))

	opts := trading.Options{
		Source:    source,
		Benchmark: "SPY",
		Strategies: []strategy.Strategy{
			strategy.NewMomentum(symbolNames(symbols, "SPY"), 10, 30),
		},
	}

	app, err := trading.NewApp(cfg, opts, log)
	if err != nil {
		log.Error("startup failed", utils.Err(err))
		return exitInternal
	}

	// HTTP поверхность: halt endpoint, метрики, broadcast шина
	router := api.SetupRoutes(&api.Dependencies{
		Engine:        app.Engine(),
		Cache:         app.Cache(),
		EventLog:      app.EventLog(),
		Hub:           app.Hub(),
		HaltTokenHash: cfg.Security.HaltTokenHash,
		Logger:        log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("http server listening", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", utils.Err(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("shutdown signal received", utils.String("signal", sig.String()))
		cancel()
	}()

	runErr := app.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", utils.Err(err))
	}

	// Остановка по требованию супервизора - отдельный код выхода
	if flag := app.Cache().GetHalt(); flag.Active && flag.SetBy == "supervisor" {
		log.Warn("terminated by supervisor", utils.Reason(flag.Reason))
		return exitSupervisor
	}

	if runErr != nil && ctx.Err() == nil {
		return exitInternal
	}
	return exitOK
}

// writePIDFile оставляет PID для кооперативной остановки супервизором
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// tradeSymbols читает торгуемые символы со стартовыми ценами из окружения
//
// TRADE_SYMBOLS=AAPL:190,MSFT:420,SPY:520
func tradeSymbols() map[string]decimal.Decimal {
	raw := os.Getenv("TRADE_SYMBOLS")
	if raw == "" {
		return map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(190),
			"MSFT": decimal.NewFromInt(420),
			"SPY":  decimal.NewFromInt(520),
		}
	}

	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		price, err := decimal.NewFromString(parts[1])
		if err != nil || price.Sign() <= 0 {
			continue
		}
		out[strings.ToUpper(parts[0])] = price
	}

	if len(out) == 0 {
		out["SPY"] = decimal.NewFromInt(520)
	}
	return out
}

// symbolNames возвращает имена символов без бенчмарка
func symbolNames(symbols map[string]decimal.Decimal, benchmark string) []string {
	var out []string
	for s := range symbols {
		if s != benchmark {
			out = append(out, s)
		}
	}
	return out
}
