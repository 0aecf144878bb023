package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DEFAULT_DEBT_DAYS", "DEBT_SWEEP_INTERVAL_SECONDS", "KAFKA_BROKERS", "CORS_ALLOWED_ORIGINS", "MPESA_ACCOUNT_PREFIX"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 7, cfg.Business.DefaultDebtDays)
	assert.Equal(t, time.Hour, cfg.Business.DebtSweepInterval)
	assert.Equal(t, "EasyBuy", cfg.Business.MpesaAccountPrefix)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEFAULT_DEBT_DAYS", "14")
	t.Setenv("DEBT_SWEEP_INTERVAL_SECONDS", "60")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://shop.example.com,https://admin.example.com")

	cfg := Load()
	assert.Equal(t, 14, cfg.Business.DefaultDebtDays)
	assert.Equal(t, time.Minute, cfg.Business.DebtSweepInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Len(t, cfg.Server.CORSAllowedOrigins, 2)
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("DEFAULT_DEBT_DAYS", "-3")
	t.Setenv("DEBT_SWEEP_INTERVAL_SECONDS", "soon")

	cfg := Load()
	assert.Equal(t, 7, cfg.Business.DefaultDebtDays)
	assert.Equal(t, time.Hour, cfg.Business.DebtSweepInterval)
}
