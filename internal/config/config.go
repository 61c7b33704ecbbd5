// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payments
	StripeSecretKey string // Optional; memory processor is used if not set
	Currency        string // ISO currency code, minor units everywhere

	// Fee schedule (basis points + fixed cents), frozen per-account at creation
	PlatformFeeBPS       int64
	ProcessingFeeBPS     int64
	ProcessingFixedCents int64

	// Release policy
	AutoApproveGrace time.Duration // window before an unanswered release request auto-approves
	SweepInterval    time.Duration // auto-release sweeper tick

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
	RateLimitRPS int
}

// Defaults.
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrency      = "usd"
	DefaultGrace         = 72 * time.Hour
	DefaultSweepInterval = time.Hour
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		PlatformFeeBPS:       getEnvInt64("PLATFORM_FEE_BPS", 500),
		ProcessingFeeBPS:     getEnvInt64("PROCESSING_FEE_BPS", 290),
		ProcessingFixedCents: getEnvInt64("PROCESSING_FEE_FIXED_CENTS", 30),
		AutoApproveGrace:     getEnvDuration("AUTO_APPROVE_GRACE", DefaultGrace),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.ProcessingFeeBPS < 0 || c.ProcessingFeeBPS > 10000 {
		return fmt.Errorf("PROCESSING_FEE_BPS must be between 0 and 10000")
	}
	if c.PlatformFeeBPS+c.ProcessingFeeBPS >= 10000 {
		return fmt.Errorf("combined fee rate must be below 100%%")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
