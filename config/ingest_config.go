package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage. Both are optional; without them the service runs on
	// in-memory stores, which is only meant for local development.
	DatabaseURL string
	RedisURL    string
	AutoMigrate bool

	// JWT (HS256) for /api/v1
	JWTSecret string

	// EncryptionKey protects OAuth tokens at rest.
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Inbound-parse webhook basic auth
	WebhookUsername string
	WebhookPassword string

	// Consumer (Redis Stream)
	WorkerID                string
	ConsumerGroup           string
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	ConsumerPendingIdleMin  int

	// Sync
	SchedulerEnabled       bool
	SyncInterval           time.Duration
	SyncRunTimeout         time.Duration
	SyncConcurrency        int
	SyncLookbackDays       int
	SyncLeaseTTL           time.Duration
	ProviderRequestsPerMin int
	GmailFetchConcurrency  int

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		WebhookUsername: getEnv("INBOUND_WEBHOOK_USER", ""),
		WebhookPassword: getEnv("INBOUND_WEBHOOK_PASSWORD", ""),

		WorkerID:                getEnv("WORKER_ID", generateWorkerID()),
		ConsumerGroup:           getEnv("CONSUMER_GROUP", "ingest-workers"),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 30),
		ConsumerPendingIdleMin:  getEnvInt("CONSUMER_PENDING_IDLE_MIN", 15),

		SchedulerEnabled:       getEnvBool("SCHEDULER_ENABLED", true),
		SyncInterval:           getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		SyncRunTimeout:         getEnvDuration("SYNC_RUN_TIMEOUT", 4*time.Minute),
		SyncConcurrency:        getEnvInt("SYNC_CONCURRENCY", 4),
		SyncLookbackDays:       getEnvInt("SYNC_LOOKBACK_DAYS", 30),
		SyncLeaseTTL:           getEnvDuration("SYNC_LEASE_TTL", 10*time.Minute),
		ProviderRequestsPerMin: getEnvInt("PROVIDER_REQUESTS_PER_MIN", 4),
		GmailFetchConcurrency:  getEnvInt("GMAIL_FETCH_CONCURRENCY", 8),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("TOKEN_ENCRYPTION_KEY is required"))
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
