// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage (in-memory when unset)
	DatabaseURL     string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBConnMaxLife   time.Duration
	RedisURL        string
	PersonaSeedFile string

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Security
	AdminSecret       string
	CORSAllowedOrigin string

	// Scoring
	ModelCatalogFile string
	DefaultModelID   string
	DefaultRawMin    float64
	DefaultRawMax    float64
	ScoreRunTimeout  time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultRateLimitRPM    = 60
	DefaultRateLimitBurst  = 10
	DefaultModelID         = "alt-v1"
	DefaultRawMin          = 0
	DefaultRawMax          = 1000
	DefaultScoreRunTimeout = 2 * time.Minute
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", DefaultMaxOpenConns),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", DefaultMaxIdleConns),
		DBConnMaxLife:     getEnvDuration("DB_CONN_MAX_LIFETIME", DefaultConnMaxLifetime),
		RedisURL:          os.Getenv("REDIS_URL"),
		PersonaSeedFile:   os.Getenv("PERSONA_SEED_FILE"),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "*"),
		ModelCatalogFile:  os.Getenv("MODEL_CATALOG_FILE"),
		DefaultModelID:    getEnv("DEFAULT_MODEL_ID", DefaultModelID),
		DefaultRawMin:     getEnvFloat("SCORING_DEFAULT_RAW_MIN", DefaultRawMin),
		DefaultRawMax:     getEnvFloat("SCORING_DEFAULT_RAW_MAX", DefaultRawMax),
		ScoreRunTimeout:   getEnvDuration("SCORE_RUN_TIMEOUT", DefaultScoreRunTimeout),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.DefaultRawMax <= c.DefaultRawMin {
		return fmt.Errorf("SCORING_DEFAULT_RAW_MAX must be greater than SCORING_DEFAULT_RAW_MIN")
	}
	if c.ScoreRunTimeout <= 0 {
		return fmt.Errorf("SCORE_RUN_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.DefaultModelID) == "" {
		return fmt.Errorf("DEFAULT_MODEL_ID is required")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.CORSAllowedOrigin == "" || c.CORSAllowedOrigin == "*" {
			return fmt.Errorf("CORS_ALLOWED_ORIGIN must name a single origin in production")
		}
	}

	return nil
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
