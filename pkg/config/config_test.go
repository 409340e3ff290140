package config

import (
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/storage"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvTyped tests the typed getEnv helpers
func TestGetEnvTyped(t *testing.T) {
	t.Run("bool", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "1")
		if !getEnvBool("TEST_BOOL", false) {
			t.Error("getEnvBool() = false, want true for '1'")
		}
		t.Setenv("TEST_BOOL", "no")
		if getEnvBool("TEST_BOOL", true) {
			t.Error("getEnvBool() = true, want false for 'no'")
		}
		if !getEnvBool("TEST_BOOL_UNSET", true) {
			t.Error("getEnvBool() should return default when unset")
		}
	})

	t.Run("int falls back on garbage", func(t *testing.T) {
		t.Setenv("TEST_INT", "abc")
		if got := getEnvInt("TEST_INT", 7); got != 7 {
			t.Errorf("getEnvInt() = %d, want 7", got)
		}
		t.Setenv("TEST_INT", "42")
		if got := getEnvInt("TEST_INT", 7); got != 42 {
			t.Errorf("getEnvInt() = %d, want 42", got)
		}
	})

	t.Run("int64", func(t *testing.T) {
		t.Setenv("TEST_INT64", "9223372036854775807")
		if got := getEnvInt64("TEST_INT64", 0); got != 9223372036854775807 {
			t.Errorf("getEnvInt64() = %d", got)
		}
	})

	t.Run("float", func(t *testing.T) {
		t.Setenv("TEST_FLOAT", "0.25")
		if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
			t.Errorf("getEnvFloat() = %v, want 0.25", got)
		}
	})

	t.Run("duration", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "90s")
		if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
			t.Errorf("getEnvDuration() = %v, want 90s", got)
		}
		t.Setenv("TEST_DURATION", "soon")
		if got := getEnvDuration("TEST_DURATION", time.Second); got != time.Second {
			t.Errorf("getEnvDuration() = %v, want default", got)
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]observability.LogLevel{
		"debug":   observability.DebugLevel,
		"INFO":    observability.InfoLevel,
		"warn":    observability.WarnLevel,
		"warning": observability.WarnLevel,
		"error":   observability.ErrorLevel,
		"loud":    observability.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLogLevel(input); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	server := loadServerConfig()
	if server.Port != "8080" || server.HealthPort != "9090" {
		t.Errorf("unexpected default ports %s/%s", server.Port, server.HealthPort)
	}

	catalog := loadCatalogConfig()
	if catalog.Source != CatalogSourceFile || catalog.Path != "plans.yaml" || !catalog.Watch {
		t.Errorf("unexpected catalog defaults %+v", catalog)
	}

	sync := loadSyncConfig()
	if sync.Schedule != "*/15 * * * *" || sync.StaleAfter != 6*time.Hour || sync.Concurrency != 4 {
		t.Errorf("unexpected sync defaults %+v", sync)
	}

	stripe := loadStripeConfig()
	if stripe.MaxNetworkRetries != 2 || stripe.Timeout != 20*time.Second {
		t.Errorf("unexpected stripe defaults %+v", stripe)
	}

	if lock := loadLockConfig(); lock.Backend != BackendMemory {
		t.Errorf("lock backend = %s, want memory", lock.Backend)
	}

	rateLimit := loadRateLimitConfig()
	if !rateLimit.Enabled || rateLimit.RequestsPerWindow != 30 || rateLimit.Window != time.Minute || rateLimit.Burst != 5 {
		t.Errorf("unexpected rate limit defaults %+v", rateLimit)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SUBLEDGER_POSTGRES_URL", "postgres://db/ledger")
	t.Setenv("SUBLEDGER_POSTGRES_REPLICA_URLS", "postgres://r1/ledger,postgres://r2/ledger")
	t.Setenv("SUBLEDGER_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("SUBLEDGER_REDIS_DB", "0")
	t.Setenv("SUBLEDGER_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("SUBLEDGER_CATALOG_SOURCE", "Postgres")
	t.Setenv("SUBLEDGER_CATALOG_CACHE_TTL", "1m")
	t.Setenv("SUBLEDGER_LOCK_BACKEND", "redis")
	t.Setenv("SUBLEDGER_SYNC_BATCH_SIZE", "25")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.PostgresURL != "postgres://db/ledger" {
		t.Errorf("PostgresURL = %s", cfg.Storage.PostgresURL)
	}
	if !strings.Contains(cfg.Storage.PostgresReplicaURLs, "r2") {
		t.Errorf("PostgresReplicaURLs = %s", cfg.Storage.PostgresReplicaURLs)
	}
	if cfg.Storage.RedisURL != "redis://cache:6379/2" || cfg.Storage.RedisDB != 0 {
		t.Errorf("unexpected redis config %+v", cfg.Storage)
	}
	if cfg.Stripe.APIKey != "sk_test_123" || cfg.Stripe.WebhookSecret != "whsec_abc" {
		t.Errorf("unexpected stripe config %+v", cfg.Stripe)
	}
	if cfg.Catalog.Source != CatalogSourcePostgres || cfg.Catalog.CacheTTL != time.Minute {
		t.Errorf("unexpected catalog config %+v", cfg.Catalog)
	}
	if cfg.Lock.Backend != BackendRedis {
		t.Errorf("lock backend = %s", cfg.Lock.Backend)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("sync batch size = %d", cfg.Sync.BatchSize)
	}
	if err := cfg.ValidateGateway(); err != nil {
		t.Errorf("ValidateGateway() error = %v", err)
	}
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: "8080", HealthPort: "9090"},
		Storage:  storage.DefaultConfig(),
		Catalog:  CatalogConfig{Source: CatalogSourceFile, Path: "plans.yaml", CacheSize: 10},
		Lock:     LockConfig{Backend: BackendMemory},
		Counters: CountersConfig{Backend: BackendMemory},
		Sync:     SyncConfig{Enabled: true, Schedule: "@every 10m", Concurrency: 2},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing server port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port is required"},
		{name: "missing health port", mutate: func(c *Config) { c.Server.HealthPort = "" }, wantErr: "health port is required"},
		{
			name:    "same server and health port",
			mutate:  func(c *Config) { c.Server.HealthPort = "8080" },
			wantErr: "server port and health port must be different",
		},
		{name: "missing postgres", mutate: func(c *Config) { c.Storage.PostgresURL = "" }, wantErr: "postgres URL is required"},
		{name: "file catalog without path", mutate: func(c *Config) { c.Catalog.Path = "" }, wantErr: "catalog path is required"},
		{
			name:    "postgres catalog without cache",
			mutate:  func(c *Config) { c.Catalog.Source = CatalogSourcePostgres; c.Catalog.CacheSize = 0 },
			wantErr: "catalog cache size must be positive",
		},
		{name: "unknown catalog", mutate: func(c *Config) { c.Catalog.Source = "s3" }, wantErr: "invalid catalog source"},
		{
			name:    "redis lock without redis",
			mutate:  func(c *Config) { c.Lock.Backend = BackendRedis },
			wantErr: "redis URL is required for redis lock backend",
		},
		{
			name: "redis counters with redis",
			mutate: func(c *Config) {
				c.Counters.Backend = BackendRedis
				c.Storage.RedisURL = "redis://localhost:6379"
			},
		},
		{name: "unknown counters backend", mutate: func(c *Config) { c.Counters.Backend = "etcd" }, wantErr: "invalid counters backend"},
		{name: "bad cron", mutate: func(c *Config) { c.Sync.Schedule = "every so often" }, wantErr: "invalid sync schedule"},
		{
			name:   "bad cron ignored when sync disabled",
			mutate: func(c *Config) { c.Sync.Enabled = false; c.Sync.Schedule = "nope" },
		},
		{
			name: "rate limit on redis without redis",
			mutate: func(c *Config) {
				c.RateLimit = RateLimitConfig{Enabled: true, Backend: BackendRedis, RequestsPerWindow: 1, Window: time.Second}
			},
			wantErr: "redis URL is required for redis rate limit backend",
		},
		{
			name: "rate limit without window",
			mutate: func(c *Config) {
				c.RateLimit = RateLimitConfig{Enabled: true, Backend: BackendMemory, RequestsPerWindow: 10}
			},
			wantErr: "rate limit requests and window must be positive",
		},
		{
			name: "negative burst",
			mutate: func(c *Config) {
				c.RateLimit = RateLimitConfig{Enabled: true, Backend: BackendMemory, RequestsPerWindow: 10, Window: time.Minute, Burst: -1}
			},
			wantErr: "burst must not be negative",
		},
		{
			name: "otel enabled without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "subledger"
			},
			wantErr: "OpenTelemetry endpoint is required",
		},
		{
			name: "otel sample ratio out of range",
			mutate: func(c *Config) {
				c.Observability = ObservabilityConfig{OTelEnabled: true, OTelEndpoint: "x:4317", OTelServiceName: "s", OTelSampleRatio: 2}
			},
			wantErr: "sample ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateGateway(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateGateway(); err == nil {
		t.Error("ValidateGateway() expected error without API key")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("SUBLEDGER_PORT", "8080")
	t.Setenv("SUBLEDGER_HEALTH_PORT", "8080")

	cfg, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() expected error for identical ports")
	}
	if cfg != nil {
		t.Error("LoadConfig() returned config alongside error")
	}
}
