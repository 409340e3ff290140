// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks and graceful shutdown for subledger.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("subscription created")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordWebhookEvent("customer.subscription.updated", "applied")
//
// All Record helpers are no-ops on a nil *Metrics, so components can be
// built without metrics in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers)
package observability
