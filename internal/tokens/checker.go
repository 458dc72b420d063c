package tokens

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/altscore/internal/apperr"
)

// ErrTokenRejected is the only error callers of the checker ever see.
var ErrTokenRejected = apperr.Authz("invalid_token", "token rejected")

// Rejection reasons. They are logged and used as metric labels, never
// returned to the client.
const (
	ReasonMissing       = "missing"
	ReasonMalformed     = "malformed"
	ReasonIssuer        = "issuer"
	ReasonAudience      = "audience"
	ReasonScope         = "scope"
	ReasonExpired       = "expired"
	ReasonMissingClaims = "missing_claims"
	ReasonReplay        = "replay"
	ReasonNonceStore    = "nonce_store"
)

// Rejection carries the reason a token failed verification. It matches
// ErrTokenRejected under errors.Is.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("token rejected (%s): %v", r.Reason, r.Err)
	}
	return "token rejected (" + r.Reason + ")"
}

func (r *Rejection) Unwrap() []error {
	if r.Err == nil {
		return []error{ErrTokenRejected}
	}
	return []error{ErrTokenRejected, r.Err}
}

func reject(reason string, err error) error {
	return &Rejection{Reason: reason, Err: err}
}

// Checker verifies broker tokens and consumes their nonces.
type Checker struct {
	issuer   string
	audience string
	scope    string
	key      ed25519.PublicKey
	nonces   NonceStore
	now      func() time.Time
}

// NewChecker creates a checker pinned to cfg's issuer, audience and scope.
func NewChecker(cfg Config, key ed25519.PublicKey, nonces NonceStore) *Checker {
	return &Checker{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		scope:    cfg.Scope,
		key:      key,
		nonces:   nonces,
		now:      time.Now,
	}
}

// PublicKey returns the key signatures are verified against.
func (c *Checker) PublicKey() ed25519.PublicKey {
	return c.key
}

// WithClock overrides the clock used for expiry checks.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Verify checks raw and, when every check passes, consumes its nonce. A token
// verifies at most once.
func (c *Checker) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, reject(ReasonMissing, nil)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}

	if claims.Issuer != c.issuer {
		return nil, reject(ReasonIssuer, nil)
	}
	if !slices.Contains(claims.Audience, c.audience) {
		return nil, reject(ReasonAudience, nil)
	}
	if c.scope != "" && claims.Scope != c.scope {
		return nil, reject(ReasonScope, nil)
	}
	if claims.ExpiresAt == nil {
		return nil, reject(ReasonMissingClaims, nil)
	}
	exp := claims.ExpiresAt.Time
	if !c.now().Before(exp) {
		return nil, reject(ReasonExpired, nil)
	}
	if claims.Nonce == "" || claims.CorrelationID == "" || claims.ID == "" {
		return nil, reject(ReasonMissingClaims, nil)
	}

	first, err := c.nonces.Consume(ctx, claims.Nonce, exp)
	if err != nil {
		return nil, reject(ReasonNonceStore, err)
	}
	if !first {
		return nil, reject(ReasonReplay, nil)
	}
	return &claims, nil
}
