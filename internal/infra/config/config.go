package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// AppConfig holds all configuration for the engine process.
type AppConfig struct {
	Store           string
	DatabaseURL     string
	TelegramToken   string // empty disables the bot
	AdminTelegramID int64
	LogLevel        string
	Environment     string

	CronSpecTick    string
	TickConcurrency int

	PayoutMaxAttempts int
	PayoutBackoff     []time.Duration
	PayoutTimeout     time.Duration
	DispatchWorkers   int
	DispatchQueueSize int

	RedisAddr            string // empty disables redis
	RedisEventsChannel   string
	RedisPaymentsChannel string

	TrustScoreURL  string
	PaymentRailURL string
	CoverURL       string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()
	return parse(os.Getenv)
}

func parse(getenv func(string) string) (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	cfg.Store = strings.ToLower(getenv("STORE"))
	if cfg.Store == "" {
		cfg.Store = StorePostgres
	}
	if cfg.Store != StorePostgres && cfg.Store != StoreMemory {
		return nil, fmt.Errorf("invalid STORE %q: want %s or %s", cfg.Store, StorePostgres, StoreMemory)
	}

	cfg.DatabaseURL = getenv("DATABASE_URL")
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.TelegramToken = getenv("TELEGRAM_TOKEN")

	adminIDStr := getenv("ADMIN_TELEGRAM_ID")
	if adminIDStr == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
	}

	cfg.LogLevel = strings.ToLower(getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Environment = strings.ToLower(getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	cfg.CronSpecTick = getenv("CRON_SPEC_TICK")
	if cfg.CronSpecTick == "" {
		cfg.CronSpecTick = "* * * * *" // every minute
	}

	if cfg.TickConcurrency, err = intEnv(getenv, "TICK_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.PayoutMaxAttempts, err = intEnv(getenv, "PAYOUT_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.PayoutBackoff, err = durationsEnv(getenv, "PAYOUT_BACKOFF", "1m,5m,30m"); err != nil {
		return nil, err
	}
	if cfg.PayoutTimeout, err = durationEnv(getenv, "PAYOUT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = intEnv(getenv, "DISPATCH_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.DispatchQueueSize, err = intEnv(getenv, "DISPATCH_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}

	cfg.RedisAddr = getenv("REDIS_ADDR")
	cfg.RedisEventsChannel = getenv("REDIS_EVENTS_CHANNEL")
	if cfg.RedisEventsChannel == "" {
		cfg.RedisEventsChannel = "circle:cycle-events"
	}
	cfg.RedisPaymentsChannel = getenv("REDIS_PAYMENTS_CHANNEL")
	if cfg.RedisPaymentsChannel == "" {
		cfg.RedisPaymentsChannel = "circle:payments"
	}

	cfg.TrustScoreURL = getenv("TRUST_SCORE_URL")
	cfg.PaymentRailURL = getenv("PAYMENT_RAIL_URL")
	cfg.CoverURL = getenv("COVER_URL")
	if cfg.PaymentRailURL == "" {
		return nil, fmt.Errorf("PAYMENT_RAIL_URL is not set")
	}

	return cfg, nil
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	s := getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive integer", key, s)
	}
	return v, nil
}

func durationEnv(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	s := getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive duration", key, s)
	}
	return d, nil
}

// durationsEnv parses a comma separated list such as "1m,5m,30m".
func durationsEnv(getenv func(string) string, key, def string) ([]time.Duration, error) {
	s := getenv(key)
	if s == "" {
		s = def
	}
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid %s entry %q", key, p)
		}
		out = append(out, d)
	}
	return out, nil
}
