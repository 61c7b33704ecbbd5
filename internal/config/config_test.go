package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "CURRENCY", "PLATFORM_FEE_BPS", "PROCESSING_FEE_BPS",
		"AUTO_APPROVE_GRACE", "SWEEP_INTERVAL", "RATE_LIMIT_RPS",
	} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, int64(500), cfg.PlatformFeeBPS)
	assert.Equal(t, int64(290), cfg.ProcessingFeeBPS)
	assert.Equal(t, int64(30), cfg.ProcessingFixedCents)
	assert.Equal(t, DefaultGrace, cfg.AutoApproveGrace)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_BPS", "750")
	setEnv(t, "AUTO_APPROVE_GRACE", "48h")
	setEnv(t, "SWEEP_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(750), cfg.PlatformFeeBPS)
	assert.Equal(t, 48*time.Hour, cfg.AutoApproveGrace)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:              "development",
		PlatformFeeBPS:   500,
		ProcessingFeeBPS: 290,
		SweepInterval:    time.Hour,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "platform fee out of range",
			mutate:  func(c *Config) { c.PlatformFeeBPS = 10001 },
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name:    "negative processing fee",
			mutate:  func(c *Config) { c.ProcessingFeeBPS = -1 },
			wantErr: "PROCESSING_FEE_BPS",
		},
		{
			name: "combined fees eat the whole amount",
			mutate: func(c *Config) {
				c.PlatformFeeBPS = 6000
				c.ProcessingFeeBPS = 4000
			},
			wantErr: "combined fee rate",
		},
		{
			name:    "sweep interval too small",
			mutate:  func(c *Config) { c.SweepInterval = 100 * time.Millisecond },
			wantErr: "SWEEP_INTERVAL",
		},
		{
			name:    "production requires stripe key",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name: "production with stripe key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeSecretKey = "sk_live_xxx"
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
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

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "ninety seconds")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
