// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/commission"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	CORSAllowedOrigins []string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Storage (all optional; in-memory implementations are used when unset)
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string

	// Payment processor
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Commission schedule
	ClientFeeRate   decimal.Decimal // percent
	ProviderFeeRate decimal.Decimal // percent
	MinimumFee      int64           // minor units
	Currency        string

	// Escrow lifecycle
	ApprovalWindow  time.Duration
	SweepInterval   time.Duration
	CommitAttempts  int
	CommitBaseDelay time.Duration
	WebhookTimeout  time.Duration
	DedupTTL        time.Duration

	ReconcileInterval time.Duration

	AdminSecret string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultKafkaTopic      = "escrow.transitions"
	DefaultClientFeeRate   = "10"
	DefaultProviderFeeRate = "5"
	DefaultMinimumFee      = 200
	DefaultCurrency        = "usd"
	DefaultApprovalWindow  = 72 * time.Hour
	DefaultSweepInterval   = 30 * time.Second
	DefaultCommitAttempts  = 5
	DefaultCommitBaseDelay = 50 * time.Millisecond
	DefaultWebhookTimeout  = 10 * time.Second
	DefaultDedupTTL        = 72 * time.Hour

	DefaultRateLimitPerMinute = 120
	DefaultRateLimitBurst     = 20
	DefaultReconcileInterval  = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"), // Required, no default
		CheckoutSuccessURL:  os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   os.Getenv("CHECKOUT_CANCEL_URL"),
		ClientFeeRate:       getEnvDecimal("CLIENT_FEE_RATE", DefaultClientFeeRate),
		ProviderFeeRate:     getEnvDecimal("PROVIDER_FEE_RATE", DefaultProviderFeeRate),
		MinimumFee:          getEnvInt64("MINIMUM_FEE", DefaultMinimumFee),
		Currency:            strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		ApprovalWindow:      getEnvDuration("APPROVAL_WINDOW", DefaultApprovalWindow),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		CommitAttempts:      int(getEnvInt64("COMMIT_ATTEMPTS", DefaultCommitAttempts)),
		CommitBaseDelay:     getEnvDuration("COMMIT_BASE_DELAY", DefaultCommitBaseDelay),
		WebhookTimeout:      getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		DedupTTL:            getEnvDuration("DEDUP_TTL", DefaultDedupTTL),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.ClientFeeRate.IsNegative() || c.ProviderFeeRate.IsNegative() {
		return fmt.Errorf("CLIENT_FEE_RATE and PROVIDER_FEE_RATE must not be negative")
	}
	if c.MinimumFee < 0 {
		return fmt.Errorf("MINIMUM_FEE must not be negative")
	}
	if c.CommitAttempts < 1 {
		return fmt.Errorf("COMMIT_ATTEMPTS must be at least 1")
	}
	if c.ApprovalWindow <= 0 || c.SweepInterval <= 0 || c.WebhookTimeout <= 0 {
		return fmt.Errorf("APPROVAL_WINDOW, SWEEP_INTERVAL and WEBHOOK_TIMEOUT must be positive")
	}
	if c.StripeSecretKey != "" && (c.CheckoutSuccessURL == "" || c.CheckoutCancelURL == "") {
		return fmt.Errorf("CHECKOUT_SUCCESS_URL and CHECKOUT_CANCEL_URL are required with STRIPE_SECRET_KEY")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// Commission returns the fee schedule for commission.NewCalculator.
func (c *Config) Commission() commission.Config {
	return commission.Config{
		ClientFeeRate:   c.ClientFeeRate,
		ProviderFeeRate: c.ProviderFeeRate,
		MinimumFee:      c.MinimumFee,
		Currency:        c.Currency,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
