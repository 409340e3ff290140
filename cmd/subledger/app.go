package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/catalog"
	"github.com/platinummonkey/subledger/pkg/config"
	"github.com/platinummonkey/subledger/pkg/counters"
	"github.com/platinummonkey/subledger/pkg/gateway/stripe"
	"github.com/platinummonkey/subledger/pkg/lock"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/storage/postgres"
	"github.com/platinummonkey/subledger/pkg/usage"
)

// counterStore is satisfied by both counter backends
type counterStore interface {
	billing.Counters
	Snapshot(ctx context.Context, match string) (map[string]int64, error)
}

// app holds the wired dependencies shared by the commands
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	conns       *postgres.ConnectionManager
	redis       *redis.Client
	ledger      *postgres.Ledger
	catalog     billing.Catalog
	fileCatalog *catalog.File
	locker      billing.Locker
	counters    counterStore
	usage       *usage.PostgresSource
	gateway     *stripe.Client

	service    *billing.Service
	reconciler *billing.Reconciler
	syncer     *billing.Syncer
}

func loadConfig() (*config.Config, *observability.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "subledger").
		WithField("version", Version)
	return cfg, logger, nil
}

// newApp connects to the stores and wires the billing components. The
// gateway-backed components are only built when withGateway is set.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger, withGateway bool) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	}

	a.conns, err = postgres.NewConnectionManager(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.ledger = postgres.NewLedger(a.conns)
	logger.WithField("replicas", a.conns.ReplicaCount()).Info("Connected to PostgreSQL")

	if cfg.Storage.RedisURL != "" {
		a.redis, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to Redis")
	}

	if err := a.buildCatalog(ctx); err != nil {
		return nil, err
	}

	switch cfg.Lock.Backend {
	case config.BackendRedis:
		a.locker = lock.NewRedis(a.redis, lock.RedisConfig{TTL: cfg.Lock.TTL, WaitTimeout: cfg.Lock.WaitTimeout},
			a.logger.WithField("component", "lock"))
	default:
		a.locker = lock.NewMemory()
	}

	switch cfg.Counters.Backend {
	case config.BackendRedis:
		a.counters = counters.NewRedisStore(a.redis, cfg.Counters.Prefix)
	default:
		a.counters = counters.NewMemory()
	}

	a.usage = usage.NewPostgresSource(a.conns.Primary())

	a.reconciler = billing.NewReconciler(a.ledger, a.locker, a.counters, logger.WithField("component", "reconciler"))
	a.reconciler.SetMetrics(a.metrics)

	if !withGateway {
		return a, nil
	}

	if err := cfg.ValidateGateway(); err != nil {
		return nil, err
	}
	a.gateway, err = stripe.NewClient(stripe.Config{
		APIKey:            cfg.Stripe.APIKey,
		BaseURL:           cfg.Stripe.BaseURL,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
		Timeout:           cfg.Stripe.Timeout,
	}, logger.WithField("component", "gateway"))
	if err != nil {
		return nil, err
	}
	a.gateway.SetMetrics(a.metrics)

	a.service = billing.NewService(a.ledger, a.catalog, a.gateway, usage.NewGate(a.usage), a.locker, logger.WithField("component", "service"))
	a.service.SetMetrics(a.metrics)

	a.syncer = billing.NewSyncer(a.ledger, a.gateway, a.reconciler, billing.SyncConfig{
		StaleAfter:  cfg.Sync.StaleAfter,
		BatchSize:   cfg.Sync.BatchSize,
		Concurrency: cfg.Sync.Concurrency,
	}, logger.WithField("component", "syncer"))
	a.syncer.SetMetrics(a.metrics)

	return a, nil
}

// buildCatalog serves plans from the YAML file, mirrored into the plans
// table so subscriptions can reference them, or from the table directly
// behind an LRU.
func (a *app) buildCatalog(ctx context.Context) error {
	switch a.cfg.Catalog.Source {
	case config.CatalogSourcePostgres:
		a.catalog = catalog.NewCached(a.ledger, catalog.CacheConfig{
			MaxEntries: a.cfg.Catalog.CacheSize,
			TTL:        a.cfg.Catalog.CacheTTL,
		})
		return nil
	default:
		file, err := catalog.NewFile(ctx, a.cfg.Catalog.Path, a.ledger.UpsertPlans, a.logger.WithField("component", "catalog"))
		if err != nil {
			return err
		}
		a.fileCatalog = file
		a.catalog = file
		return nil
	}
}

// rateLimiter builds the per-tenant mutation limiter, or nil when disabled.
// In-memory buckets are swept until ctx ends.
func (a *app) rateLimiter(ctx context.Context) middleware.Limiter {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: rl.RequestsPerWindow,
		WindowDuration:    rl.Window,
		BurstSize:         rl.Burst,
	}
	if rl.Backend == config.BackendRedis {
		return middleware.NewDistributedRateLimiter(a.redis, limits, "subledger:ratelimit")
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}

// Close releases the store connections
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}
