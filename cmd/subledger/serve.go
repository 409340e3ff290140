package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/subledger/pkg/api"
	"github.com/platinummonkey/subledger/pkg/config"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// poolStatsInterval is how often connection pool gauges are refreshed
const poolStatsInterval = "@every 30s"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook receiver and scheduled sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Starting subledger")

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}

	if a.fileCatalog != nil && cfg.Catalog.Watch {
		if err := a.fileCatalog.Watch(ctx); err != nil {
			logger.WithError(err).Warn("Plan file hot reload disabled")
		}
	}

	apiServer := api.NewServer(api.Options{
		Billing:       a.service,
		Reconciler:    a.reconciler,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Counters:      a.counters,
		Usage:         a.usage,
		RateLimiter:   a.rateLimiter(ctx),
		Metrics:       a.metrics,
		Logger:        logger,
	})
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("No webhook secret configured, webhook signatures are not verified")
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(apiServer, "subledger"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(a.conns.Primary(), a.redis, Version)
	if a.redis != nil && (cfg.Lock.Backend == config.BackendRedis ||
		cfg.Counters.Backend == config.BackendRedis ||
		(cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendRedis)) {
		checker = checker.RequireRedis()
	}
	checker.WithCheck("catalog", true, func(ctx context.Context) error {
		plans, err := a.catalog.ListPlans(ctx)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			return errors.New("no plans loaded")
		}
		return nil
	})
	observability.RegisterHealthRoutes(healthMux, checker)
	if a.registry != nil {
		observability.RegisterMetricsEndpoint(healthMux, a.registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := startScheduler(ctx, a)
	if err != nil {
		_ = a.Close()
		return err
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("stores", func(context.Context) error {
		return a.Close()
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders)
	})

	serverErrs := make(chan error, 2)
	for _, srv := range []*http.Server{httpServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrs <- err
			}
		}()
	}

	go func() {
		select {
		case err := <-serverErrs:
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		case <-ctx.Done():
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}

// startScheduler runs the drift-repair sweep and the pool gauges on cron.
// Sweeps never overlap.
func startScheduler(ctx context.Context, a *app) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if a.cfg.Sync.Enabled {
		if _, err := scheduler.AddFunc(a.cfg.Sync.Schedule, func() {
			defer observability.RecoverPanic(a.logger, "scheduled sync")
			result, err := a.syncer.SyncStale(ctx)
			if err != nil {
				a.logger.WithError(err).Error("Scheduled sync failed")
				return
			}
			a.logger.WithFields(map[string]interface{}{
				"checked": result.Checked,
				"applied": result.Applied,
				"failed":  result.Failed,
			}).Info("Scheduled sync finished")
		}); err != nil {
			return nil, err
		}
	}

	if a.metrics != nil {
		if _, err := scheduler.AddFunc(poolStatsInterval, func() {
			a.conns.ReportPoolStats(a.metrics)
		}); err != nil {
			return nil, err
		}
	}

	scheduler.Start()
	return scheduler, nil
}
