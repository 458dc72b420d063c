// Package auth provides API authentication for altscore integrators.
//
// Authentication model:
//   - Public endpoints (health, token broker, borrower scoring): no API key;
//     borrower scoring is gated by a signed token instead
//   - Scoring and run endpoints: API key carrying the matching scope
//   - Admin endpoints: X-Admin-Secret header
//   - API keys are issued per client by an administrator
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/validation"
)

// Scopes an API key can carry.
const (
	ScopeScoring = "scoring"
	ScopeRuns    = "runs"
)

// KnownScopes lists every grantable scope.
var KnownScopes = []string{ScopeScoring, ScopeRuns}

// Errors
var (
	ErrNoAPIKey      = apperr.Authz("unauthorized", "API key required")
	ErrInvalidAPIKey = apperr.Authz("unauthorized", "invalid or expired API key")
	ErrKeyNotFound   = apperr.NotFound("key_not_found", "API key not found")
	ErrInvalidScope  = apperr.Validation("invalid_scope", "scopes", "unknown scope")
	ErrInvalidClient = apperr.Validation("invalid_client_id", "client_id", "client_id is invalid")
)

// APIKey represents an integrator API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	ClientID  string     `json:"client_id"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// HasScope reports whether the key grants scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByID(ctx context.Context, id string) (*APIKey, error)
	ListByClient(ctx context.Context, clientID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// KeyRequest describes a key to issue.
type KeyRequest struct {
	Name   string        `json:"name"`
	Scopes []string      `json:"scopes"`
	TTL    time.Duration `json:"-"`
}

// GenerateKey creates a new API key for a client.
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, clientID string, req KeyRequest) (rawKey string, key *APIKey, err error) {
	clientID = strings.TrimSpace(clientID)
	if !validation.IsValidID(clientID) {
		return "", nil, ErrInvalidClient
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return "", nil, err
	}
	name := validation.SanitizeString(req.Name, validation.MaxStringLength)
	if name == "" {
		name = "Integrator key"
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	now := m.now().UTC()
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		ClientID:  clientID,
		Name:      name,
		Scopes:    scopes,
		CreatedAt: now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	touched := *key
	touched.LastUsed = &now
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for a client
func (m *Manager) ListKeys(ctx context.Context, clientID string) ([]*APIKey, error) {
	return m.store.ListByClient(ctx, strings.TrimSpace(clientID))
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (*APIKey, error) {
	key, err := m.store.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return key, nil
	}
	key.Revoked = true
	if err := m.store.Update(ctx, key); err != nil {
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	return key, nil
}

func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return append([]string(nil), KnownScopes...), nil
	}
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != ScopeScoring && s != ScopeRuns {
			return nil, apperr.WithMessage(ErrInvalidScope, fmt.Sprintf("unknown scope %q", s))
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// IsNotFound reports whether err is ErrKeyNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
