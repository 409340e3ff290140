// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from SUBLEDGER_* environment
// variables with sensible defaults for all settings. cmd/subledger loads an
// optional .env file before calling LoadConfig.
//
// # Configuration Structure
//
// Server settings:
//
//	SUBLEDGER_HOST="0.0.0.0"
//	SUBLEDGER_PORT="8080"
//	SUBLEDGER_HEALTH_PORT="9090"
//	SUBLEDGER_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	SUBLEDGER_POSTGRES_URL="postgres://localhost/subledger"
//	SUBLEDGER_POSTGRES_REPLICA_URLS="postgres://replica1/subledger,postgres://replica2/subledger"
//	SUBLEDGER_REDIS_URL="redis://localhost:6379"
//
// Gateway settings:
//
//	SUBLEDGER_STRIPE_API_KEY="sk_live_..."
//	SUBLEDGER_STRIPE_WEBHOOK_SECRET="whsec_..."  # empty disables signature checks
//
// Catalog, coordination and sync settings:
//
//	SUBLEDGER_CATALOG_SOURCE="file"  # file, postgres
//	SUBLEDGER_CATALOG_PATH="plans.yaml"
//	SUBLEDGER_LOCK_BACKEND="redis"   # memory, redis
//	SUBLEDGER_COUNTERS_BACKEND="redis"
//	SUBLEDGER_SYNC_SCHEDULE="*/15 * * * *"
//	SUBLEDGER_SYNC_STALE_AFTER="6h"
//
// Observability settings:
//
//	SUBLEDGER_LOG_LEVEL="info"  # debug, info, warn, error
//	SUBLEDGER_METRICS_ENABLED="true"
//	SUBLEDGER_OTEL_ENABLED="true"
//	SUBLEDGER_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The memory lock and counter backends are only safe with a single replica.
package config
