package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/storage"
)

// Catalog sources
const (
	CatalogSourceFile     = "file"
	CatalogSourcePostgres = "postgres"
)

// Backends for locks and counters
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Payment gateway configuration
	Stripe StripeConfig

	// Plan catalog configuration
	Catalog CatalogConfig

	// Coordination configuration
	Lock     LockConfig
	Counters CountersConfig

	// Drift-repair sweep configuration
	Sync SyncConfig

	// Per-tenant limits on billing mutations
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string
}

// StripeConfig holds payment gateway settings
type StripeConfig struct {
	APIKey            string
	WebhookSecret     string // empty disables signature verification
	BaseURL           string
	MaxNetworkRetries int64
	Timeout           time.Duration
}

// CatalogConfig selects where plans come from
type CatalogConfig struct {
	Source   string // file or postgres
	Path     string
	Watch    bool
	CacheTTL time.Duration
	// CacheSize bounds the LRU in front of the postgres catalog
	CacheSize int
}

// LockConfig selects the per-subscription lock backend
type LockConfig struct {
	Backend     string
	TTL         time.Duration
	WaitTimeout time.Duration
}

// CountersConfig selects the reconciliation counter backend
type CountersConfig struct {
	Backend string
	Prefix  string
}

// SyncConfig holds settings for the scheduled drift-repair sweep
type SyncConfig struct {
	Enabled     bool
	Schedule    string // standard five-field cron expression
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
}

// RateLimitConfig holds per-tenant mutation limits
type RateLimitConfig struct {
	Enabled           bool
	Backend           string
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Stripe:        loadStripeConfig(),
		Catalog:       loadCatalogConfig(),
		Lock:          loadLockConfig(),
		Counters:      loadCountersConfig(),
		Sync:          loadSyncConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SUBLEDGER_HOST", "0.0.0.0"),
		Port:            getEnv("SUBLEDGER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SUBLEDGER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SUBLEDGER_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("SUBLEDGER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SUBLEDGER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SUBLEDGER_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	if pgURL := getEnv("SUBLEDGER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("SUBLEDGER_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("SUBLEDGER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("SUBLEDGER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("SUBLEDGER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("SUBLEDGER_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("SUBLEDGER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("SUBLEDGER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("SUBLEDGER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("SUBLEDGER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		APIKey:            getEnv("SUBLEDGER_STRIPE_API_KEY", ""),
		WebhookSecret:     getEnv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", ""),
		BaseURL:           getEnv("SUBLEDGER_STRIPE_BASE_URL", ""),
		MaxNetworkRetries: getEnvInt64("SUBLEDGER_STRIPE_MAX_RETRIES", 2),
		Timeout:           getEnvDuration("SUBLEDGER_STRIPE_TIMEOUT", 20*time.Second),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Source:    strings.ToLower(getEnv("SUBLEDGER_CATALOG_SOURCE", CatalogSourceFile)),
		Path:      getEnv("SUBLEDGER_CATALOG_PATH", "plans.yaml"),
		Watch:     getEnvBool("SUBLEDGER_CATALOG_WATCH", true),
		CacheSize: getEnvInt("SUBLEDGER_CATALOG_CACHE_SIZE", 256),
		CacheTTL:  getEnvDuration("SUBLEDGER_CATALOG_CACHE_TTL", 5*time.Minute),
	}
}

func loadLockConfig() LockConfig {
	return LockConfig{
		Backend:     strings.ToLower(getEnv("SUBLEDGER_LOCK_BACKEND", BackendMemory)),
		TTL:         getEnvDuration("SUBLEDGER_LOCK_TTL", 30*time.Second),
		WaitTimeout: getEnvDuration("SUBLEDGER_LOCK_WAIT_TIMEOUT", 10*time.Second),
	}
}

func loadCountersConfig() CountersConfig {
	return CountersConfig{
		Backend: strings.ToLower(getEnv("SUBLEDGER_COUNTERS_BACKEND", BackendMemory)),
		Prefix:  getEnv("SUBLEDGER_COUNTERS_PREFIX", "subledger:counter:"),
	}
}

func loadSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:     getEnvBool("SUBLEDGER_SYNC_ENABLED", true),
		Schedule:    getEnv("SUBLEDGER_SYNC_SCHEDULE", "*/15 * * * *"),
		StaleAfter:  getEnvDuration("SUBLEDGER_SYNC_STALE_AFTER", 6*time.Hour),
		BatchSize:   getEnvInt("SUBLEDGER_SYNC_BATCH_SIZE", 100),
		Concurrency: getEnvInt("SUBLEDGER_SYNC_CONCURRENCY", 4),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("SUBLEDGER_RATELIMIT_ENABLED", true),
		Backend:           strings.ToLower(getEnv("SUBLEDGER_RATELIMIT_BACKEND", BackendMemory)),
		RequestsPerWindow: getEnvInt("SUBLEDGER_RATELIMIT_REQUESTS", 30),
		Window:            getEnvDuration("SUBLEDGER_RATELIMIT_WINDOW", time.Minute),
		Burst:             getEnvInt("SUBLEDGER_RATELIMIT_BURST", 5),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("SUBLEDGER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("SUBLEDGER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SUBLEDGER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SUBLEDGER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SUBLEDGER_OTEL_SERVICE_NAME", "subledger"),
		OTelServiceVersion: getEnv("SUBLEDGER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SUBLEDGER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("SUBLEDGER_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Catalog.Source {
	case CatalogSourceFile:
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog path is required for file catalog")
		}
	case CatalogSourcePostgres:
		if c.Catalog.CacheSize <= 0 {
			return fmt.Errorf("catalog cache size must be positive")
		}
	default:
		return fmt.Errorf("invalid catalog source: %s (must be file or postgres)", c.Catalog.Source)
	}

	if err := validateBackend("lock", c.Lock.Backend, c.Storage.RedisURL); err != nil {
		return err
	}
	if err := validateBackend("counters", c.Counters.Backend, c.Storage.RedisURL); err != nil {
		return err
	}

	if c.Sync.Enabled {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", c.Sync.Schedule, err)
		}
		if c.Sync.Concurrency <= 0 {
			return fmt.Errorf("sync concurrency must be positive")
		}
	}

	if c.RateLimit.Enabled {
		if err := validateBackend("rate limit", c.RateLimit.Backend, c.Storage.RedisURL); err != nil {
			return err
		}
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive")
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("rate limit burst must not be negative")
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// ValidateGateway checks the settings needed to talk to the payment gateway.
// Commands that never call the gateway skip it.
func (c *Config) ValidateGateway() error {
	if c.Stripe.APIKey == "" {
		return fmt.Errorf("stripe API key is required")
	}
	return nil
}

func validateBackend(name, backend, redisURL string) error {
	switch backend {
	case BackendMemory:
		return nil
	case BackendRedis:
		if redisURL == "" {
			return fmt.Errorf("redis URL is required for redis %s backend", name)
		}
		return nil
	default:
		return fmt.Errorf("invalid %s backend: %s (must be memory or redis)", name, backend)
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
