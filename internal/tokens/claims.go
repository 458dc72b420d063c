package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a broker token.
type Claims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce"`
	CorrelationID string `json:"correlation_id"`
	RequesterID   string `json:"requester_id"`
	PIIHash       string `json:"pii_hash"`
	Scope         string `json:"scope"`
}

// PIIHash returns hex(sha256(pepper || nationalID)) over the trimmed id.
func PIIHash(pepper, nationalID string) string {
	sum := sha256.Sum256([]byte(pepper + strings.TrimSpace(nationalID)))
	return hex.EncodeToString(sum[:])
}

// RequesterID identifies the requesting organisation by its email domain.
func RequesterID(domain string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(domain))))
	return hex.EncodeToString(sum[:])[:32]
}
