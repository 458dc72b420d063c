package tokens

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrNoSigningKey is returned when no key source is configured.
var ErrNoSigningKey = errors.New("no token signing key configured")

// KeySource loads the broker's ed25519 private key.
type KeySource interface {
	Name() string
	Load(ctx context.Context) (ed25519.PrivateKey, error)
}

// EnvSource holds a base64 key taken from the environment.
type EnvSource struct {
	Value string
}

func (EnvSource) Name() string { return "env" }

func (s EnvSource) Load(context.Context) (ed25519.PrivateKey, error) {
	return DecodePrivateKey(s.Value)
}

// FileSource reads a base64 key from a file.
type FileSource struct {
	Path string
}

func (FileSource) Name() string { return "file" }

func (s FileSource) Load(context.Context) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read signing key file: %w", err)
	}
	return DecodePrivateKey(string(b))
}

// KeyringSource reads a base64 key from the OS keyring.
type KeyringSource struct {
	Service string
	User    string
}

func (KeyringSource) Name() string { return "keyring" }

func (s KeyringSource) Load(context.Context) (ed25519.PrivateKey, error) {
	secret, err := keyring.Get(s.Service, s.User)
	if err != nil {
		return nil, fmt.Errorf("keyring %s/%s: %w", s.Service, s.User, err)
	}
	return DecodePrivateKey(secret)
}

// KeySource returns the first configured key source, or nil.
func (c Config) KeySource() KeySource {
	switch {
	case strings.TrimSpace(c.SigningKey) != "":
		return EnvSource{Value: c.SigningKey}
	case c.SigningKeyFile != "":
		return FileSource{Path: c.SigningKeyFile}
	case c.KeyringService != "":
		return KeyringSource{Service: c.KeyringService, User: c.KeyringUser}
	}
	return nil
}

// ResolveKeys loads the signing key and the verification key. Outside
// production a missing key source yields an ephemeral key, so tokens do not
// survive a restart.
func ResolveKeys(ctx context.Context, cfg Config, production bool, logger *slog.Logger) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var priv ed25519.PrivateKey
	src := cfg.KeySource()
	switch {
	case src != nil:
		k, err := src.Load(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load signing key from %s: %w", src.Name(), err)
		}
		priv = k
		logger.Info("token signing key loaded", "source", src.Name())
	case production:
		return nil, nil, ErrNoSigningKey
	default:
		_, k, err := GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		priv = k
		logger.Warn("no token signing key configured, using an ephemeral key")
	}

	pub := priv.Public().(ed25519.PublicKey)
	if cfg.VerifyKey != "" {
		k, err := DecodePublicKey(cfg.VerifyKey)
		if err != nil {
			return nil, nil, err
		}
		if !k.Equal(pub) {
			return nil, nil, errors.New("TOKEN_VERIFY_KEY does not match the signing key")
		}
		pub = k
	}
	return priv, pub, nil
}

// GenerateKey creates a fresh ed25519 key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return pub, priv, nil
}

// StoreInKeyring saves key in the OS keyring in the format KeyringSource reads.
func StoreInKeyring(service, user string, key ed25519.PrivateKey) error {
	if err := keyring.Set(service, user, EncodePrivateKey(key)); err != nil {
		return fmt.Errorf("keyring %s/%s: %w", service, user, err)
	}
	return nil
}

// EncodePrivateKey returns the base64 seed of key.
func EncodePrivateKey(key ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(key.Seed())
}

// EncodePublicKey returns key as base64.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodePrivateKey accepts a base64 (standard or raw URL) 32-byte seed or
// 64-byte private key.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	}
	return nil, fmt.Errorf("signing key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
}

// DecodePublicKey parses a base64 ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("decode verify key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
