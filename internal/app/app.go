// Package app assembles the ledger from configuration. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sheikh-saqib/finance-ledger/internal/config"
	"github.com/sheikh-saqib/finance-ledger/internal/events"
	"github.com/sheikh-saqib/finance-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/finance-ledger/internal/idempotency"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/ledger"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
	prommetrics "github.com/sheikh-saqib/finance-ledger/internal/metrics/prometheus"
	"github.com/sheikh-saqib/finance-ledger/internal/snapshot"
	"github.com/sheikh-saqib/finance-ledger/internal/storage/postgres"
	"go.uber.org/zap"
)

const MetricsNamespace = "finance_ledger"

// App holds the wired components.
type App struct {
	Config      config.Config
	Logger      *logging.Logger
	Store       *postgres.PostgresLedgerStore
	Publisher   interfaces.EventPublisher
	Metrics     metrics.Collector
	Idempotency *idempotency.Manager
	Ledger      *ledger.Ledger
	Snapshots   *snapshot.Engine

	closers []func() error
}

// NewLogger builds the process logger from cfg and installs it globally.
func NewLogger(cfg config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.LogDev {
		lc = logging.DevelopmentConfig()
	}
	lc.Level = cfg.LogLevel
	lc.Format = cfg.LogFormat

	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	logging.SetGlobal(logger)
	return logger, nil
}

// DatabaseConfig converts the environment settings into the storage config.
func DatabaseConfig(cfg config.Config) postgres.Config {
	db := cfg.Database
	return postgres.Config{
		URL:             db.URL,
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		Database:        db.Name,
		SSLMode:         db.SSLMode,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	}
}

// New connects to PostgreSQL, applies migrations and wires the ledger. When
// registerer is nil no Prometheus metrics are collected.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger, registerer prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	store, err := postgres.Open(ctx, DatabaseConfig(cfg))
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if err := postgres.Migrate(store.DB()); err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = metrics.NoOpCollector{}
	if registerer != nil {
		collector := prommetrics.NewPrometheusCollector(MetricsNamespace)
		if err := registerer.Register(collector); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		a.Metrics = collector
	}

	a.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, kafka.DefaultConfig(), a.Metrics)
		a.Publisher = publisher
		a.closers = append(a.closers, publisher.Close)
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	a.Idempotency = idempotency.NewManager(store,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithMetrics(a.Metrics),
		idempotency.WithLogger(logger.Named("idempotency")))

	a.Ledger = ledger.NewLedger(store,
		ledger.WithIdempotency(a.Idempotency),
		ledger.WithPublisher(a.Publisher),
		ledger.WithMetrics(a.Metrics),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithWriteTimeout(cfg.WriteTimeout),
		ledger.WithTopicPrefix(cfg.KafkaTopicPrefix))

	a.Snapshots = snapshot.NewEngine(store,
		snapshot.WithWorkers(cfg.SnapshotWorkers),
		snapshot.WithEpsilon(cfg.ReconcileEpsilon),
		snapshot.WithPublisher(a.Publisher),
		snapshot.WithMetrics(a.Metrics),
		snapshot.WithLogger(logger.Named("snapshot")),
		snapshot.WithTopicPrefix(cfg.KafkaTopicPrefix))

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
