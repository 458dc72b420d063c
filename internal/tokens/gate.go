package tokens

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
)

// Verification modes.
const (
	ModeSecure = "secure"
	ModeDemo   = "demo"
)

// ContextKeyVerification holds the *Verification of a gated request.
const ContextKeyVerification = "tokenVerification"

// Verification describes how a gated request was admitted.
type Verification struct {
	Mode   string  `json:"mode"`
	JTI    string  `json:"jti,omitempty"`
	Claims *Claims `json:"-"`
}

// DemoConfig enables the unsigned demo path of the gate.
type DemoConfig struct {
	Enabled bool
	Prefix  string
}

// Gate admits requests carrying a valid broker token. With demo enabled,
// requests without a token or with a demo-prefixed token are admitted
// without touching the checker.
func Gate(checker *Checker, demo DemoConfig) gin.HandlerFunc {
	prefix := demo.Prefix
	if prefix == "" {
		prefix = DefaultDemoPrefix
	}
	return func(c *gin.Context) {
		raw := bearerToken(c)

		if demo.Enabled && (raw == "" || strings.HasPrefix(raw, prefix)) {
			metrics.TokenChecksTotal.WithLabelValues(ModeDemo, "accepted").Inc()
			c.Set(ContextKeyVerification, &Verification{Mode: ModeDemo})
			c.Next()
			return
		}

		ctx := c.Request.Context()
		claims, err := checker.Verify(ctx, raw)
		if err != nil {
			reason := "unknown"
			var rej *Rejection
			if errors.As(err, &rej) {
				reason = rej.Reason
			}
			metrics.TokenChecksTotal.WithLabelValues(ModeSecure, reason).Inc()
			logging.L(ctx).Warn("token rejected", "reason", reason, "error", err)
			apperr.Respond(c, ErrTokenRejected)
			return
		}

		metrics.TokenChecksTotal.WithLabelValues(ModeSecure, "accepted").Inc()
		c.Set(ContextKeyVerification, &Verification{Mode: ModeSecure, JTI: claims.ID, Claims: claims})
		c.Next()
	}
}

// GetVerification returns the verification set by Gate, or nil.
func GetVerification(c *gin.Context) *Verification {
	if v, ok := c.Get(ContextKeyVerification); ok {
		if ver, ok := v.(*Verification); ok {
			return ver
		}
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
