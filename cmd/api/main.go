package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/stagepass/creditledger/internal/api"
	"github.com/stagepass/creditledger/internal/config"
	"github.com/stagepass/creditledger/internal/events"
	"github.com/stagepass/creditledger/internal/logging"
	"github.com/stagepass/creditledger/internal/service"
	"github.com/stagepass/creditledger/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.DB.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("no db.dsn configured; using in-memory store")
	}
	defer store.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, logger, events.NewPublisherMetrics(registry))
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		publisher = kafka
		logger.Info("kafka publisher connected", "brokers", cfg.Kafka.Brokers)
	} else {
		logger.Warn("no kafka brokers configured; events are dropped")
	}
	defer publisher.Close()

	feeAccounts, err := service.EnsureFeeAccounts(ctx, store, cfg.Ledger.Currencies)
	if err != nil {
		return fmt.Errorf("ensure fee accounts: %w", err)
	}
	for currency, id := range feeAccounts {
		logger.Info("fee account ready", "currency", currency, "account_id", id.String())
	}

	metrics := service.NewMetrics(registry)
	engine := service.NewEngine(store, feeAccounts, logger, metrics)
	escrow := service.NewEscrow(engine, store, publisher, logger, metrics)
	reconciler := service.NewReconciler(store, publisher, logger, metrics)

	go escrow.RunSweeper(ctx, cfg.Ledger.SweepInterval)
	go reconciler.RunLoop(ctx, cfg.Ledger.ReconcileInterval)

	handler := api.NewHandler(engine, escrow, reconciler, logger, registry)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      api.NewRouter(handler, registry),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
