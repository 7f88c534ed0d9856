package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/budget-engine/api"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/config"
	"github.com/warp/budget-engine/events"
	"github.com/warp/budget-engine/logging"
	"github.com/warp/budget-engine/store/postgres"
	"github.com/warp/budget-engine/store/sqlite"
)

// backend is what both bundled stores provide.
type backend interface {
	budget.TxStore
	budget.Ledger
	budget.LedgerWriter
	budget.RunLog
	SchemaVersion() uint
	Close() error
}

// app is the wired engine.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	store     backend
	events    events.Publisher
	resolver  *budget.ScopeResolver
	recorder  *budget.HistoryRecorder
	scheduler *api.ReconciliationScheduler
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logging.New(cfg.Log), nil
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig) (backend, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, log)
		if err != nil {
			store.Close()
			return nil, err
		}
		publisher = p
	}

	calc := budget.NewCalculator(loc)
	spend := budget.NewSpendAggregator(store, cfg.Engine.QueryTimeout.Duration)
	policy := budget.RolloverPolicy{ForgiveDeficits: cfg.Engine.ForgiveDeficits}

	materializer := budget.NewMaterializer(store, spend, calc, policy, log)
	materializer.TxTimeout = cfg.Engine.QueryTimeout.Duration
	resolver := budget.NewScopeResolver(store, log)
	recorder := budget.NewHistoryRecorder(store, spend, calc, policy, log)

	scheduler := api.NewReconciliationScheduler(resolver, materializer, recorder, store, publisher, log)
	scheduler.Workers = cfg.Engine.Workers
	scheduler.ScopeTimeout = cfg.Engine.ScopeTimeout.Duration
	scheduler.CheckInterval = cfg.Engine.CheckInterval.Duration
	scheduler.Enabled = cfg.Engine.SchedulerEnabled

	log.Info().
		Str("driver", cfg.Database.Driver).
		Str("timezone", loc.String()).
		Int("workers", cfg.Engine.Workers).
		Bool("forgive_deficits", cfg.Engine.ForgiveDeficits).
		Bool("events", cfg.Events.AMQPURL != "").
		Msg("engine configured")

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		events:    publisher,
		resolver:  resolver,
		recorder:  recorder,
		scheduler: scheduler,
	}, nil
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(a.store, a.store, a.store, a.resolver, a.recorder, a.scheduler, a.log)
}

func (a *app) Close() error {
	return errors.Join(a.events.Close(), a.store.Close())
}
