package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Env:               "development",
		LogFormat:         "json",
		RateLimitRPM:      60,
		RateLimitBurst:    10,
		DefaultModelID:    "alt-v1",
		DefaultRawMin:     0,
		DefaultRawMax:     1000,
		ScoreRunTimeout:   time.Minute,
		CORSAllowedOrigin: "*",
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultModelID, cfg.DefaultModelID)
	assert.Equal(t, DefaultScoreRunTimeout, cfg.ScoreRunTimeout)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, "*", cfg.CORSAllowedOrigin)
	assert.Equal(t, float64(DefaultRawMax), cfg.DefaultRawMax)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SCORE_RUN_TIMEOUT", "90s")
	t.Setenv("SCORING_DEFAULT_RAW_MIN", "-100")
	t.Setenv("SCORING_DEFAULT_RAW_MAX", "100")
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.ScoreRunTimeout)
	assert.Equal(t, -100.0, cfg.DefaultRawMin)
	assert.Equal(t, 100.0, cfg.DefaultRawMax)
	assert.Equal(t, 3, cfg.RateLimitBurst)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "unknown env", mutate: func(c *Config) { c.Env = "prod" }, wantErr: "ENV must be"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimitRPM = 0 }, wantErr: "RATE_LIMIT_RPM"},
		{name: "inverted raw bounds", mutate: func(c *Config) { c.DefaultRawMin = 10; c.DefaultRawMax = 10 }, wantErr: "SCORING_DEFAULT_RAW_MAX"},
		{name: "zero run timeout", mutate: func(c *Config) { c.ScoreRunTimeout = 0 }, wantErr: "SCORE_RUN_TIMEOUT"},
		{name: "blank model", mutate: func(c *Config) { c.DefaultModelID = " " }, wantErr: "DEFAULT_MODEL_ID"},
		{
			name:    "production wildcard cors",
			mutate:  func(c *Config) { c.Env = "production"; c.AdminSecret = "s" },
			wantErr: "CORS_ALLOWED_ORIGIN",
		},
		{
			name: "production valid",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminSecret = "s"
				c.CORSAllowedOrigin = "https://app.example.com"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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
	t.Setenv("TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_FLOAT", "2.5")
	t.Setenv("TEST_DURATION", "3s")
	t.Setenv("TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99))
	assert.Equal(t, 2.5, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 1.5, getEnvFloat("TEST_INVALID", 1.5))
	assert.Equal(t, 3*time.Second, getEnvDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute)) // Falls back on parse error
}
