package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.ClientFeeRate.Equal(decimal.NewFromInt(10)))
	assert.True(t, cfg.ProviderFeeRate.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(DefaultMinimumFee), cfg.MinimumFee)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, 72*time.Hour, cfg.ApprovalWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, DefaultCommitAttempts, cfg.CommitAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.CommitBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "CLIENT_FEE_RATE", "12.5")
	setEnv(t, "MINIMUM_FEE", "0")
	setEnv(t, "CURRENCY", "EUR")
	setEnv(t, "APPROVAL_WINDOW", "24h")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "12.5", cfg.ClientFeeRate.String())
	assert.Equal(t, int64(0), cfg.MinimumFee)
	assert.Equal(t, "eur", cfg.Currency)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalWindow)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)

	cc := cfg.Commission()
	assert.Equal(t, "eur", cc.Currency)
	assert.True(t, cc.ClientFeeRate.Equal(decimal.RequireFromString("12.5")))
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET is required")
}

func valid() Config {
	return Config{
		Env:                 "development",
		StripeWebhookSecret: "whsec_test",
		ClientFeeRate:       decimal.NewFromInt(10),
		ProviderFeeRate:     decimal.NewFromInt(5),
		MinimumFee:          200,
		ApprovalWindow:      time.Hour,
		SweepInterval:       time.Second,
		CommitAttempts:      5,
		WebhookTimeout:      time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing webhook secret", func(c *Config) { c.StripeWebhookSecret = "" }, "STRIPE_WEBHOOK_SECRET"},
		{"negative rate", func(c *Config) { c.ProviderFeeRate = decimal.NewFromInt(-1) }, "must not be negative"},
		{"negative minimum", func(c *Config) { c.MinimumFee = -5 }, "MINIMUM_FEE"},
		{"zero attempts", func(c *Config) { c.CommitAttempts = 0 }, "COMMIT_ATTEMPTS"},
		{"zero window", func(c *Config) { c.ApprovalWindow = 0 }, "must be positive"},
		{"checkout without urls", func(c *Config) { c.StripeSecretKey = "sk_test" }, "CHECKOUT_SUCCESS_URL"},
		{"production without admin", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BAD_DURATION", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))
}

func TestGetEnvDecimal(t *testing.T) {
	setEnv(t, "TEST_RATE", "7.25")
	setEnv(t, "TEST_BAD_RATE", "seven")

	assert.Equal(t, "7.25", getEnvDecimal("TEST_RATE", "1").String())
	assert.Equal(t, "1", getEnvDecimal("TEST_BAD_RATE", "1").String())
}
