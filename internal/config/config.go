package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"entity-registry/internal/auth"
	"entity-registry/internal/db"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	AppEnv    string
	Port      string
	SentryDSN string
	JWTSecret string

	StoreDriver   string
	DatabaseURL   string
	SQLitePath    string
	RunMigrations bool
	Pool          db.PoolConfig

	Auth           auth.Config
	HashIterations int
	HashWorkers    int

	AdminUsername string
	AdminPassword string

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	CronSecret         string
	IPLimitRetention   time.Duration
	CleanupBatchSize   int
	MailerWebhookURL   string
	MailerWebhookToken string
	EventQueueSize     int
}

// Load reads the environment, optionally loading a .env file first.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	driver, err := parseStoreDriver(envOrDefault("STORE_DRIVER", StorePostgres))
	if err != nil {
		return Config{}, err
	}

	defaults := auth.DefaultConfig()
	cfg := Config{
		AppEnv:    envOrDefault("APP_ENV", "development"),
		Port:      envOrDefault("PORT", "8080"),
		SentryDSN: strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),

		StoreDriver:   driver,
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:    envOrDefault("SQLITE_PATH", "entity-registry.db"),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),
		Pool: db.PoolConfig{
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},

		Auth: auth.Config{
			LockThreshold:              envIntOrDefault("AUTH_LOCK_THRESHOLD", defaults.LockThreshold),
			LockDuration:               envMinutesOrDefault("AUTH_LOCK_DURATION_MINUTES", int(defaults.LockDuration/time.Minute)),
			SessionTTL:                 envHoursOrDefault("AUTH_SESSION_TTL_HOURS", int(defaults.SessionTTL/time.Hour)),
			RememberMeSessionTTL:       envHoursOrDefault("AUTH_REMEMBER_ME_TTL_HOURS", int(defaults.RememberMeSessionTTL/time.Hour)),
			RefreshTTL:                 envHoursOrDefault("AUTH_REFRESH_TTL_HOURS", int(defaults.RefreshTTL/time.Hour)),
			ResetTokenTTL:              envMinutesOrDefault("AUTH_RESET_TOKEN_TTL_MINUTES", int(defaults.ResetTokenTTL/time.Minute)),
			VerificationTokenTTL:       envHoursOrDefault("AUTH_VERIFICATION_TOKEN_TTL_HOURS", int(defaults.VerificationTokenTTL/time.Hour)),
			RequireEmailVerification:   EnvBoolOrDefault("AUTH_REQUIRE_EMAIL_VERIFICATION", defaults.RequireEmailVerification),
			MinPasswordLength:          envIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", defaults.MinPasswordLength),
			PasswordComplexityRequired: EnvBoolOrDefault("AUTH_PASSWORD_COMPLEXITY_REQUIRED", defaults.PasswordComplexityRequired),
			StoreTimeout:               envSecondsOrDefault("AUTH_STORE_TIMEOUT_SECONDS", int(defaults.StoreTimeout/time.Second)),
		},
		HashIterations: envIntOrDefault("AUTH_HASH_ITERATIONS", auth.DefaultHashIterations),
		HashWorkers:    envIntOrDefault("AUTH_HASH_WORKERS", 0),

		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),

		CronSecret:         strings.TrimSpace(os.Getenv("CRON_SECRET")),
		IPLimitRetention:   envDaysOrDefault("AUTH_IP_LIMIT_RETENTION_DAYS", 30),
		CleanupBatchSize:   envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		MailerWebhookURL:   strings.TrimSpace(os.Getenv("MAILER_WEBHOOK_URL")),
		MailerWebhookToken: strings.TrimSpace(os.Getenv("MAILER_WEBHOOK_TOKEN")),
		EventQueueSize:     envIntOrDefault("EVENT_QUEUE_SIZE", 256),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required env: JWT_SECRET")
	}
	if c.StoreDriver == StorePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	return nil
}

// parseStoreDriver canonicalizes STORE_DRIVER. SQL spellings go through
// db.ParseDialect so both packages accept the same names.
func parseStoreDriver(value string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(value), StoreMemory) {
		return StoreMemory, nil
	}
	dialect, err := db.ParseDialect(value)
	if err != nil {
		return "", fmt.Errorf("unsupported STORE_DRIVER %q", value)
	}
	return string(dialect), nil
}

// Dialect maps the store driver to a SQL dialect. The memory driver has none.
func (c Config) Dialect() (db.Dialect, bool) {
	if c.StoreDriver == StoreMemory {
		return "", false
	}
	return db.Dialect(c.StoreDriver), true
}

// DSN returns the connection string for the configured SQL dialect.
func (c Config) DSN() string {
	if c.StoreDriver == StoreSQLite {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
