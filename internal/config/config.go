/**
 * @description
 * This package handles the configuration management for the checkout-service. It uses
 * the Viper library to read configuration from environment variables (and an optional
 * .env file), then normalizes the values: invalid numbers and schedules are coerced to
 * their defaults with a warning instead of failing startup.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// DefaultWebhookRetrySchedule is the backoff between delivery attempts: one initial
// attempt followed by three retries.
var DefaultWebhookRetrySchedule = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Config holds all the configuration variables for the checkout-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	StoreDriver          string `mapstructure:"STORE_DRIVER"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	SQLitePath           string `mapstructure:"SQLITE_PATH"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"CHECKOUT_EVENTS_EXCHANGE"`
	RedeliveryQueue      string `mapstructure:"WEBHOOK_REDELIVERY_QUEUE"`

	LedgerRPCURL              string `mapstructure:"LEDGER_RPC_URL"`
	TokenContractAddress      string `mapstructure:"TOKEN_CONTRACT_ADDRESS"`
	TokenDecimals             int    `mapstructure:"TOKEN_DECIMALS"`
	AssetSymbol               string `mapstructure:"ASSET_SYMBOL"`
	LiveConfirmationDepth     int    `mapstructure:"LIVE_CONFIRMATION_DEPTH"`
	BackfillConfirmationDepth int    `mapstructure:"BACKFILL_CONFIRMATION_DEPTH"`
	BackfillWindowBlocks      int    `mapstructure:"BACKFILL_WINDOW_BLOCKS"`
	BackfillSchedule          string `mapstructure:"BACKFILL_SCHEDULE"`
	ExpirySweepSchedule       string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	LedgerCallTimeoutSeconds  int    `mapstructure:"LEDGER_CALL_TIMEOUT_SECONDS"`

	SessionDefaultTTLMinutes int `mapstructure:"SESSION_DEFAULT_TTL_MINUTES"`
	SessionMaxTTLMinutes     int `mapstructure:"SESSION_MAX_TTL_MINUTES"`

	WebhookTimeoutSeconds   int             `mapstructure:"WEBHOOK_TIMEOUT_SECONDS"`
	WebhookRetryScheduleRaw string          `mapstructure:"WEBHOOK_RETRY_SCHEDULE"`
	WebhookMaxConcurrency   int             `mapstructure:"WEBHOOK_MAX_CONCURRENCY"`
	WebhookRetrySchedule    []time.Duration `mapstructure:"-"`

	VerifyRateLimitPerMinute int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	JWTSigningSecret         string `mapstructure:"JWT_SIGNING_SECRET"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// MaxTokenDecimals matches the scale of the amount columns in the Postgres schema.
const MaxTokenDecimals = 18

var defaults = map[string]any{
	"SERVER_PORT":                  "8080",
	"STORE_DRIVER":                 StoreDriverPostgres,
	"SQLITE_PATH":                  "checkout.db",
	"REDIS_RATE_LIMIT_PREFIX":      "checkout:rate_limit",
	"CHECKOUT_EVENTS_EXCHANGE":     "checkout.events",
	"WEBHOOK_REDELIVERY_QUEUE":     "checkout_service.webhook_redelivery",
	"TOKEN_DECIMALS":               6,
	"ASSET_SYMBOL":                 "PYUSD",
	"LIVE_CONFIRMATION_DEPTH":      0,
	"BACKFILL_CONFIRMATION_DEPTH":  12,
	"BACKFILL_WINDOW_BLOCKS":       1000,
	"BACKFILL_SCHEDULE":            "@every 5m",
	"EXPIRY_SWEEP_SCHEDULE":        "@every 60s",
	"LEDGER_CALL_TIMEOUT_SECONDS":  15,
	"SESSION_DEFAULT_TTL_MINUTES":  30,
	"SESSION_MAX_TTL_MINUTES":      1440,
	"WEBHOOK_TIMEOUT_SECONDS":      10,
	"WEBHOOK_RETRY_SCHEDULE":       "1s,5s,15s",
	"WEBHOOK_MAX_CONCURRENCY":      32,
	"VERIFY_RATE_LIMIT_PER_MINUTE": 10,
	"CORS_ALLOWED_ORIGINS":         "*",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CHECKOUT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CHECKOUT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("WEBHOOK_REDELIVERY_QUEUE")
	_ = viper.BindEnv("LEDGER_RPC_URL")
	_ = viper.BindEnv("TOKEN_CONTRACT_ADDRESS")
	_ = viper.BindEnv("TOKEN_DECIMALS")
	_ = viper.BindEnv("ASSET_SYMBOL")
	_ = viper.BindEnv("LIVE_CONFIRMATION_DEPTH")
	_ = viper.BindEnv("BACKFILL_CONFIRMATION_DEPTH")
	_ = viper.BindEnv("BACKFILL_WINDOW_BLOCKS")
	_ = viper.BindEnv("BACKFILL_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("LEDGER_CALL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SESSION_DEFAULT_TTL_MINUTES")
	_ = viper.BindEnv("SESSION_MAX_TTL_MINUTES")
	_ = viper.BindEnv("WEBHOOK_TIMEOUT_SECONDS")
	_ = viper.BindEnv("WEBHOOK_RETRY_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_MAX_CONCURRENCY")
	_ = viper.BindEnv("VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CHECKOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SIGNING_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.normalize()
	err = config.validate()
	return
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaults["REDIS_RATE_LIMIT_PREFIX"].(string)
	}
	c.LedgerRPCURL = strings.TrimSpace(c.LedgerRPCURL)
	c.TokenContractAddress = strings.TrimSpace(c.TokenContractAddress)
	c.AssetSymbol = strings.ToUpper(strings.TrimSpace(c.AssetSymbol))
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)

	coerceInt(&c.TokenDecimals, "TOKEN_DECIMALS", func(v int) bool { return v >= 0 && v <= MaxTokenDecimals })
	coerceInt(&c.LiveConfirmationDepth, "LIVE_CONFIRMATION_DEPTH", func(v int) bool { return v >= 0 })
	coerceInt(&c.BackfillConfirmationDepth, "BACKFILL_CONFIRMATION_DEPTH", func(v int) bool { return v >= 0 })
	coerceInt(&c.BackfillWindowBlocks, "BACKFILL_WINDOW_BLOCKS", positive)
	coerceInt(&c.LedgerCallTimeoutSeconds, "LEDGER_CALL_TIMEOUT_SECONDS", positive)
	coerceInt(&c.SessionDefaultTTLMinutes, "SESSION_DEFAULT_TTL_MINUTES", positive)
	coerceInt(&c.SessionMaxTTLMinutes, "SESSION_MAX_TTL_MINUTES", positive)
	coerceInt(&c.WebhookTimeoutSeconds, "WEBHOOK_TIMEOUT_SECONDS", positive)
	coerceInt(&c.WebhookMaxConcurrency, "WEBHOOK_MAX_CONCURRENCY", positive)
	coerceInt(&c.VerifyRateLimitPerMinute, "VERIFY_RATE_LIMIT_PER_MINUTE", positive)

	if c.SessionDefaultTTLMinutes > c.SessionMaxTTLMinutes {
		log.Printf("level=warn component=config msg=\"default session ttl exceeds max; capping\" default=%d max=%d", c.SessionDefaultTTLMinutes, c.SessionMaxTTLMinutes)
		c.SessionDefaultTTLMinutes = c.SessionMaxTTLMinutes
	}

	if strings.TrimSpace(c.BackfillSchedule) == "" {
		c.BackfillSchedule = defaults["BACKFILL_SCHEDULE"].(string)
	}
	if strings.TrimSpace(c.ExpirySweepSchedule) == "" {
		c.ExpirySweepSchedule = defaults["EXPIRY_SWEEP_SCHEDULE"].(string)
	}

	schedule, err := ParseRetrySchedule(c.WebhookRetryScheduleRaw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid WEBHOOK_RETRY_SCHEDULE; using default\" value=%q err=%v", c.WebhookRetryScheduleRaw, err)
		schedule = append([]time.Duration(nil), DefaultWebhookRetrySchedule...)
	}
	c.WebhookRetrySchedule = schedule
}

func (c *Config) validate() error {
	var problems []string
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, "DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			problems = append(problems, "SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}
	if c.LedgerRPCURL == "" {
		problems = append(problems, "LEDGER_RPC_URL is required")
	}
	if !common.IsHexAddress(c.TokenContractAddress) {
		problems = append(problems, "TOKEN_CONTRACT_ADDRESS must be a hex address")
	}
	if c.AssetSymbol == "" {
		problems = append(problems, "ASSET_SYMBOL is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ParseRetrySchedule parses a comma separated list of Go durations ("1s,5s,15s").
// An empty string yields an empty schedule (single attempt, no retries).
func ParseRetrySchedule(raw string) ([]time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []time.Duration{}, nil
	}
	parts := strings.Split(raw, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		delay, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if delay < 0 {
			return nil, fmt.Errorf("negative delay %s", delay)
		}
		schedule = append(schedule, delay)
	}
	return schedule, nil
}

// LedgerCallTimeout returns the per-call deadline for ledger RPC calls.
func (c Config) LedgerCallTimeout() time.Duration {
	return time.Duration(c.LedgerCallTimeoutSeconds) * time.Second
}

// WebhookTimeout returns the per-attempt deadline for webhook deliveries.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func positive(v int) bool { return v > 0 }

func coerceInt(value *int, key string, valid func(int) bool) {
	if valid(*value) {
		return
	}
	fallback := defaults[key].(int)
	log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%d default=%d", key, *value, fallback)
	*value = fallback
}
