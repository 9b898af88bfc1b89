package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "DB_DRIVER", "DB_DSN", "POLICY_FILE", "REDIS_ADDR", "REDIS_CHANNEL",
		"KAFKA_BROKERS", "KAFKA_TOPIC", "RATE_ADJUST_INTERVAL", "WITHDRAWAL_RATE_LIMIT",
		"LOG_LEVEL", "LOG_FORMAT", "CORS_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "commission.db", cfg.DBDSN)
	assert.Equal(t, "ledger_events", cfg.RedisChannel)
	assert.Equal(t, "ledger-events", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Zero(t, cfg.RateAdjustInterval)
	assert.Equal(t, 5, cfg.WithdrawalRateLimit)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "postgres://localhost/commission")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RATE_ADJUST_INTERVAL", "1h30m")
	t.Setenv("WITHDRAWAL_RATE_LIMIT", "10")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Minute, cfg.RateAdjustInterval)
	assert.Equal(t, 10, cfg.WithdrawalRateLimit)

	log, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1), "debug enabled")
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := map[string][2]string{
		"driver":   {"DB_DRIVER", "mysql"},
		"interval": {"RATE_ADJUST_INTERVAL", "soon"},
		"limit":    {"WITHDRAWAL_RATE_LIMIT", "many"},
		"level":    {"LOG_LEVEL", "loud"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
