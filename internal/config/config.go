package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv          string
	Port            string
	DatabaseURL     string
	DatabaseMigrate bool
	RedisURL        string

	BaseCurrency      string
	StoreTZ           *time.Location
	LedgerMaxRetries  int
	SnapshotCacheTTL  time.Duration
	LockTTL           time.Duration
	LockRetryBackoff  time.Duration
	LockMaxWait       time.Duration
	ResolveRatePerMin int64
	BodyLimitBytes    int64
	IdempotencyTTL    time.Duration

	FXRates           string
	FXEndpoint        string
	FXRefreshInterval time.Duration
	FXTimeout         time.Duration
	FXMaxAttempts     int
	FXBaseBackoff     time.Duration
	BreakerFailures   int
	BreakerCooldown   time.Duration

	WebhookEndpoints   string
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookReplayTTL   time.Duration
	QueueConcurrency   int
	QueueRetryBase     time.Duration

	CORSAllowedOrigins []string

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	MetricsEnabled   bool
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	TracingSampling  float64

	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:          valueOrDefault(k.String("APP_ENV"), "development"),
		Port:            valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:     strings.TrimSpace(k.String("DATABASE_URL")),
		DatabaseMigrate: parseBoolDefault(k.String("DATABASE_MIGRATE"), true),
		RedisURL:        strings.TrimSpace(k.String("REDIS_URL")),

		BaseCurrency:      strings.ToUpper(valueOrDefault(k.String("PRICING_BASE_CURRENCY"), "USD")),
		LedgerMaxRetries:  parseInt(k.String("PRICING_LEDGER_MAX_RETRIES"), 3),
		SnapshotCacheTTL:  parseDuration(k.String("PRICING_SNAPSHOT_CACHE_TTL"), "5m"),
		LockTTL:           parseDuration(k.String("LOCK_TTL"), "5s"),
		LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "25ms"),
		LockMaxWait:       parseDuration(k.String("LOCK_MAX_WAIT"), "2s"),
		ResolveRatePerMin: int64(parseInt(k.String("RATE_LIMIT_RESOLVE_PER_MIN"), 600)),
		BodyLimitBytes:    int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		FXRates:           strings.TrimSpace(k.String("FX_RATES")),
		FXEndpoint:        strings.TrimSpace(k.String("FX_ENDPOINT")),
		FXRefreshInterval: parseDuration(k.String("FX_REFRESH_INTERVAL"), "15m"),
		FXTimeout:         parseDuration(k.String("FX_TIMEOUT"), "3s"),
		FXMaxAttempts:     parseInt(k.String("FX_MAX_ATTEMPTS"), 3),
		FXBaseBackoff:     parseDuration(k.String("FX_BASE_BACKOFF"), "200ms"),
		BreakerFailures:   parseInt(k.String("FX_BREAKER_FAILURES"), 5),
		BreakerCooldown:   parseDuration(k.String("FX_BREAKER_COOLDOWN"), "30s"),

		WebhookEndpoints:   strings.TrimSpace(k.String("WEBHOOK_ENDPOINTS")),
		WebhookTimeout:     parseDuration(k.String("WEBHOOK_TIMEOUT"), "5s"),
		WebhookMaxAttempts: parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 8),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		QueueConcurrency:   parseInt(k.String("QUEUE_CONCURRENCY"), 10),
		QueueRetryBase:     parseDuration(k.String("QUEUE_RETRY_BASE"), "2s"),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "pricing"),
		MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
		MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		TracingEnabled:   parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),

		HealthDBTimeout:    parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		HealthRedisTimeout: parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
	}

	tz := valueOrDefault(k.String("PRICING_STORE_TZ"), "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("PRICING_STORE_TZ: %w", err)
	}
	cfg.StoreTZ = loc

	if len(cfg.BaseCurrency) != 3 {
		return nil, errors.New("PRICING_BASE_CURRENCY must be a 3-letter code")
	}
	if cfg.WebhookEndpoints != "" && cfg.RedisURL == "" {
		return nil, errors.New("WEBHOOK_ENDPOINTS requires REDIS_URL for the delivery queue")
	}
	if cfg.FXEndpoint != "" && cfg.FXRefreshInterval <= 0 {
		return nil, errors.New("FX_REFRESH_INTERVAL must be positive when FX_ENDPOINT is set")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// UsePostgres reports whether a database is configured; otherwise the in-memory store is used.
func (c *Config) UsePostgres() bool { return c.DatabaseURL != "" }

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
