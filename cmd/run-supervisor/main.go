package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/internal/models"
	"papertrade/internal/supervisor"
	"papertrade/pkg/utils"
)

// Коды выхода супервизора
const (
	exitOK       = 0
	exitConfig   = 2
	exitInternal = 5
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
	log = log.WithRole(models.RoleSupervisor)

	// Супервизор работает и при активном halt флаге: его задача -
	// следить, что книга действительно плоская
	cache, err := lsc.New(cfg.Storage.StateDir)
	if err != nil {
		log.Error("state dir unavailable", utils.Err(err))
		return exitConfig
	}

	if cfg.Broker.Supervisor.APIKey == "" || cfg.Broker.Supervisor.APISecret == "" {
		log.Error("supervisor broker credentials are required (SUPERVISOR_API_KEY/SECRET)")
		return exitConfig
	}

	elog, err := eventlog.Open(eventlog.DefaultConfig(cfg.Storage.EventLogDir))
	if err != nil {
		log.Error("event log unavailable", utils.Err(err))
		return exitConfig
	}
	defer elog.Close()

	// НЕЗАВИСИМАЯ пара ключей: потеря кооперации торгового процесса
	// не лишает супервизора доступа к брокеру
	brokerClient := broker.NewClient(broker.ClientConfig{
		BaseURL:   cfg.Broker.BaseURL,
		APIKey:    cfg.Broker.Supervisor.APIKey,
		APISecret: cfg.Broker.Supervisor.APISecret,
		RateLimit: cfg.Broker.RateLimit,
		RateBurst: cfg.Broker.RateBurst,
		HTTP:      broker.DefaultHTTPClientConfig(),
	}, log)
	defer brokerClient.Close()

	daemon := supervisor.NewDaemon(
		cfg.Supervisor,
		brokerClient,
		cache,
		elog,
		cfg.Storage.StateDir,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("shutdown signal received", utils.String("signal", sig.String()))
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("supervisor failed", utils.Err(err))
		return exitInternal
	}

	return exitOK
}
