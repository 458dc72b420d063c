package tokens

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/idgen"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/ratelimit"
	"github.com/mbd888/altscore/internal/traces"
	"github.com/mbd888/altscore/internal/validation"
)

// Issued is the broker response.
type Issued struct {
	Token         string    `json:"token"`
	TTLSeconds    int       `json:"ttl_seconds"`
	CorrelationID string    `json:"correlation_id"`
	IssuedAt      time.Time `json:"issued_at"`

	JTI   string `json:"-"`
	Nonce string `json:"-"`
}

// Broker validates borrower identities and signs access tokens.
type Broker struct {
	cfg     Config
	key     ed25519.PrivateKey
	limiter *ratelimit.SoftLimiter
	now     func() time.Time
}

// NewBroker creates a broker. limiter may be nil to disable soft limits.
func NewBroker(cfg Config, key ed25519.PrivateKey, limiter *ratelimit.SoftLimiter) *Broker {
	return &Broker{cfg: cfg, key: key, limiter: limiter, now: time.Now}
}

// WithClock overrides the issuing clock.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// Issue validates id and returns a signed token. Validation failures are
// apperr validation errors naming the offending field.
func (b *Broker) Issue(ctx context.Context, id validation.Identity) (*Issued, error) {
	ctx, span := traces.StartSpan(ctx, "tokens.Issue")
	defer span.End()

	id = id.Normalized()
	if verr := validation.ValidateIdentity(id); verr != nil {
		return nil, verr
	}

	piiHash := PIIHash(b.cfg.Pepper, id.NationalID)
	requester := RequesterID(id.EmailDomain())
	if b.limiter != nil {
		b.limiter.Observe(ctx, ratelimit.PerIdentity, piiHash)
		b.limiter.Observe(ctx, ratelimit.PerRequester, requester)
	}

	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	now := b.now().UTC().Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    b.cfg.Issuer,
			Audience:  jwt.ClaimStrings{b.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
		Nonce:         idgen.Nonce(),
		CorrelationID: correlationID,
		RequesterID:   requester,
		PIIHash:       piiHash,
		Scope:         b.cfg.Scope,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(b.key)
	if err != nil {
		traces.RecordError(span, err)
		return nil, apperr.Internal("sign token", err)
	}

	metrics.TokensIssuedTotal.Inc()
	logging.L(ctx).Info("token issued",
		"jti", claims.ID,
		"pii_hash", piiHash,
		"requester_id", requester)

	return &Issued{
		Token:         signed,
		TTLSeconds:    int(TTL / time.Second),
		CorrelationID: correlationID,
		IssuedAt:      now,
		JTI:           claims.ID,
		Nonce:         claims.Nonce,
	}, nil
}
