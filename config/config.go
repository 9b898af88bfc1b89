/*
Package config loads server settings from the environment.

PURPOSE:
  One place that knows every environment key. A .env file in the working
  directory is read first when present; real environment variables win.

KEYS:
  HTTP_ADDR              listen address                  (:8080)
  DB_DRIVER              sqlite | postgres               (sqlite)
  DB_DSN                 file path or postgres URL       (commission.db)
  POLICY_FILE            JSON rate policy                (built-in default)
  REDIS_ADDR             enables the Redis publisher
  REDIS_PASSWORD
  REDIS_CHANNEL                                          (ledger_events)
  KAFKA_BROKERS          comma list, enables Kafka
  KAFKA_TOPIC                                            (ledger-events)
  RATE_ADJUST_INTERVAL   scheduler period, 0 disables    (0)
  WITHDRAWAL_RATE_LIMIT  requests per user per minute    (5)
  LOG_LEVEL              debug | info | warn | error     (info)
  LOG_FORMAT             json | console                  (json)
  CORS_ORIGINS           comma list                      (http://localhost:5173,http://localhost:8080)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the process settings.
type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string

	PolicyFile string

	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	KafkaBrokers []string
	KafkaTopic   string

	RateAdjustInterval  time.Duration
	WithdrawalRateLimit int

	LogLevel    string
	LogFormat   string
	CORSOrigins []string
}

// Load reads .env (if any) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:         getEnv("DB_DSN", "commission.db"),
		PolicyFile:    getEnv("POLICY_FILE", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisChannel:  getEnv("REDIS_CHANNEL", "ledger_events"),
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "ledger-events"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "json")),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
	}

	interval, err := time.ParseDuration(getEnv("RATE_ADJUST_INTERVAL", "0s"))
	if err != nil {
		return nil, fmt.Errorf("RATE_ADJUST_INTERVAL: %w", err)
	}
	cfg.RateAdjustInterval = interval

	limit, err := strconv.Atoi(getEnv("WITHDRAWAL_RATE_LIMIT", "5"))
	if err != nil {
		return nil, fmt.Errorf("WITHDRAWAL_RATE_LIMIT: %w", err)
	}
	cfg.WithdrawalRateLimit = limit

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.RateAdjustInterval < 0 {
		return fmt.Errorf("RATE_ADJUST_INTERVAL must not be negative")
	}
	if c.WithdrawalRateLimit < 0 {
		return fmt.Errorf("WITHDRAWAL_RATE_LIMIT must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
