// Package tokens issues and verifies the short-lived signed access tokens
// that gate borrower scoring. The broker signs EdDSA JWTs carrying a
// single-use nonce; the checker verifies them and consumes the nonce.
package tokens

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// TTL is the lifetime of every issued token.
const TTL = 45 * time.Second

// DefaultDemoPrefix marks unsigned demo tokens.
const DefaultDemoPrefix = "demo."

// Config holds token broker and checker settings.
type Config struct {
	Issuer   string `env:"TOKEN_ISSUER" envDefault:"altscore-broker"`
	Audience string `env:"TOKEN_AUDIENCE" envDefault:"altscore-api"`
	Scope    string `env:"TOKEN_SCOPE" envDefault:"borrower:score"`

	// Signing key sources, tried in this order.
	SigningKey     string `env:"TOKEN_SIGNING_KEY"`
	SigningKeyFile string `env:"TOKEN_SIGNING_KEY_FILE"`
	KeyringService string `env:"TOKEN_KEYRING_SERVICE"`
	KeyringUser    string `env:"TOKEN_KEYRING_USER" envDefault:"signing-key"`

	// VerifyKey overrides the public key derived from the signing key.
	VerifyKey string `env:"TOKEN_VERIFY_KEY"`

	// Pepper is prepended to the national id before hashing.
	Pepper string `env:"TOKEN_PII_PEPPER"`

	DemoMode   bool   `env:"TOKEN_DEMO_MODE" envDefault:"false"`
	DemoPrefix string `env:"TOKEN_DEMO_PREFIX" envDefault:"demo."`

	NonceSweepInterval time.Duration `env:"TOKEN_NONCE_SWEEP_INTERVAL" envDefault:"30s"`
}

// LoadConfigFromEnv parses token settings from the environment. In
// production demo mode is forced off and a pepper is required.
func LoadConfigFromEnv(environment string, logger *slog.Logger) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.DemoPrefix == "" {
		cfg.DemoPrefix = DefaultDemoPrefix
	}

	if environment == "production" {
		if cfg.DemoMode {
			logger.Warn("TOKEN_DEMO_MODE ignored in production")
			cfg.DemoMode = false
		}
		if cfg.Pepper == "" {
			return Config{}, errors.New("TOKEN_PII_PEPPER is required in production")
		}
	} else if cfg.Pepper == "" {
		logger.Warn("TOKEN_PII_PEPPER not set; identity hashes are unpeppered")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no safe fallback.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("TOKEN_ISSUER is required")
	}
	if c.Audience == "" {
		return errors.New("TOKEN_AUDIENCE is required")
	}
	if c.NonceSweepInterval <= 0 {
		return errors.New("TOKEN_NONCE_SWEEP_INTERVAL must be positive")
	}
	return nil
}
