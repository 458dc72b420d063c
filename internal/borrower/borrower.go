// Package borrower serves the token-gated borrower scoring endpoint. It
// derives a persona from the submitted identity, runs the scoring pipeline
// and returns the score with masked borrower details.
package borrower

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/mbd888/altscore/internal/scoring"
	"github.com/mbd888/altscore/internal/tokens"
)

// PersonaPrefix starts every borrower-derived persona id.
const PersonaPrefix = "per_"

// Scorer computes and persists a credit score.
type Scorer interface {
	Compute(ctx context.Context, personaID, modelID string) (*scoring.Explanation, error)
}

// Borrower is the masked identity echoed back to the caller.
type Borrower struct {
	PersonaID   string `json:"persona_id"`
	FullName    string `json:"full_name"`
	EmailMasked string `json:"email_masked"`
	PhoneMasked string `json:"phone_masked,omitempty"`
}

// Enrichment summarises the score for display.
type Enrichment struct {
	ModelID        string               `json:"model_id"`
	ModelVersion   string               `json:"model_version"`
	RiskBand       string               `json:"risk_band"`
	Recommendation string               `json:"recommendation"`
	FeaturesError  string               `json:"features_error,omitempty"`
	Verification   *tokens.Verification `json:"verification"`
}

// Response is the body of a successful borrower score.
type Response struct {
	Borrower      Borrower             `json:"borrower"`
	Score         *scoring.Explanation `json:"score"`
	Enrichment    Enrichment           `json:"enrichment"`
	CorrelationID string               `json:"correlation_id"`
}

// PersonaID derives the persona id from an identity hash.
func PersonaID(piiHash string) string {
	if len(piiHash) > 24 {
		piiHash = piiHash[:24]
	}
	return PersonaPrefix + piiHash
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	first, _ := utf8.DecodeRuneInString(email)
	return string(first) + "***" + email[at:]
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	var digits []rune
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}
