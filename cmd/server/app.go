package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/slice/allocation-engine/allocation"
	"github.com/slice/allocation-engine/api"
	"github.com/slice/allocation-engine/config"
	"github.com/slice/allocation-engine/metrics"
	"github.com/slice/allocation-engine/store/redislock"
	"github.com/slice/allocation-engine/store/sqlite"
)

// app is the wired dependency graph shared by serve and reconcile.
type app struct {
	store      *sqlite.Store
	redis      *redis.Client
	metrics    *metrics.Observer
	engine     *allocation.Engine
	reconciler *allocation.Reconciler
	scheduler  *api.ReconciliationScheduler
	handler    *api.Handler
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{store: store, metrics: metrics.New()}

	var locker allocation.Locker
	switch cfg.Lock.Backend {
	case "redis":
		rdb, err := redislock.NewClient(ctx, cfg.Lock.Redis.Addr, cfg.Lock.Redis.Password, cfg.Lock.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rdb
		locker = redislock.New(rdb, redislock.Options{TTL: cfg.Lock.TTL, Logger: logger})
	default:
		locker = allocation.NewKeyedMutex()
	}

	a.engine = allocation.NewEngine(store, allocation.EngineConfig{
		PerTargetCap: cfg.Slices.PerTargetCap,
		Locker:       locker,
		Observer:     a.metrics,
		Logger:       logger,
	})
	a.reconciler = allocation.NewReconciler(store, a.metrics, logger)

	a.scheduler = api.NewReconciliationScheduler(a.reconciler, cfg.Reconcile.Schedule, logger)
	a.scheduler.Enabled = cfg.Reconcile.Enabled
	a.scheduler.OnFinish = func(_ allocation.ReconcileReport, err error) {
		a.metrics.ReconcileFinished(err)
	}

	a.handler = api.NewHandler(store, a.engine, a.reconciler, api.Options{
		DefaultBudget: cfg.Slices.DefaultBudget,
		Auth:          api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.DevBypass, logger),
		Metrics:       a.metrics,
		Scheduler:     a.scheduler,
		Logger:        logger,
	})
	return a, nil
}

// Close releases redis and the database.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
