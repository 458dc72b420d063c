package borrower

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/scoring"
	"github.com/mbd888/altscore/internal/tokens"
	"github.com/mbd888/altscore/internal/validation"
)

type fakeScorer struct {
	personaID string
}

func (f *fakeScorer) Compute(_ context.Context, personaID, modelID string) (*scoring.Explanation, error) {
	if modelID != "alt-v1" {
		return nil, scoring.ErrModelNotFound
	}
	f.personaID = personaID
	return &scoring.Explanation{
		PersonaID:    personaID,
		ModelID:      modelID,
		ModelVersion: "1.0.0",
		Score:        527,
		Band:         scoring.Band{Label: "C", MinScore: 450, MaxScore: 649, Recommendation: "Approve with limits"},
		FeatureError: "activity source unavailable",
	}, nil
}

func tokenConfig() tokens.Config {
	return tokens.Config{Issuer: "altscore-broker", Audience: "altscore-api", Scope: "borrower:score", Pepper: "pepper"}
}

const identityJSON = `{"full_name":"Ada Lovelace","email":"ada@example.com","national_id":"AB123456","phone":"+1 555 010 1234"}`

func setup(t *testing.T, demo bool) (*gin.Engine, *fakeScorer, *tokens.Broker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	pub, priv, err := tokens.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := tokenConfig()
	broker := tokens.NewBroker(cfg, priv, nil)
	checker := tokens.NewChecker(cfg, pub, tokens.NewMemoryNonceStore())

	scorer := &fakeScorer{}
	r := gin.New()
	NewHandler(scorer, "alt-v1", cfg.Pepper, "https://app.example.com").
		RegisterRoutes(r.Group("/v1"), tokens.Gate(checker, tokens.DemoConfig{Enabled: demo}))
	return r, scorer, broker
}

func post(r http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/borrowers/score", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestScore_SecureToken(t *testing.T) {
	r, scorer, broker := setup(t, false)
	issued, err := broker.Issue(context.Background(), validation.Identity{
		FullName: "Ada Lovelace", Email: "ada@example.com", NationalID: "AB123456",
	})
	if err != nil {
		t.Fatal(err)
	}

	w := post(r, issued.Token, identityJSON)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	wantPersona := PersonaID(tokens.PIIHash("pepper", "AB123456"))
	if resp.Borrower.PersonaID != wantPersona || scorer.personaID != wantPersona {
		t.Errorf("persona = %s, want %s", resp.Borrower.PersonaID, wantPersona)
	}
	if len(resp.Borrower.PersonaID) != len(PersonaPrefix)+24 {
		t.Errorf("persona id length = %d", len(resp.Borrower.PersonaID))
	}
	if resp.Borrower.EmailMasked != "a***@example.com" {
		t.Errorf("email_masked = %s", resp.Borrower.EmailMasked)
	}
	if resp.Borrower.PhoneMasked != "*******1234" {
		t.Errorf("phone_masked = %s", resp.Borrower.PhoneMasked)
	}
	if strings.Contains(w.Body.String(), "AB123456") {
		t.Error("national id must never be echoed")
	}
	e := resp.Enrichment
	if e.RiskBand != "C" || e.Recommendation != "Approve with limits" || e.ModelVersion != "1.0.0" {
		t.Errorf("enrichment = %+v", e)
	}
	if e.FeaturesError == "" {
		t.Error("Expected features_error to be surfaced")
	}
	if e.Verification == nil || e.Verification.Mode != tokens.ModeSecure || e.Verification.JTI != issued.JTI {
		t.Errorf("verification = %+v", e.Verification)
	}
	if resp.CorrelationID == "" {
		t.Error("Expected correlation_id")
	}

	if w := post(r, issued.Token, identityJSON); w.Code != http.StatusUnauthorized {
		t.Errorf("Replayed token: expected 401, got %d", w.Code)
	}
}

func TestScore_TokenForAnotherIdentity(t *testing.T) {
	r, _, broker := setup(t, false)
	issued, _ := broker.Issue(context.Background(), validation.Identity{
		FullName: "Grace Hopper", Email: "grace@example.com", NationalID: "ZZ999999",
	})

	w := post(r, issued.Token, identityJSON)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "invalid_token" || body["message"] != "token rejected" {
		t.Errorf("body = %v", body)
	}
}

func TestScore_DemoMode(t *testing.T) {
	r, _, _ := setup(t, true)

	w := post(r, "", identityJSON)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Enrichment.Verification.Mode != tokens.ModeDemo || resp.Enrichment.Verification.JTI != "" {
		t.Errorf("verification = %+v", resp.Enrichment.Verification)
	}
}

func TestScore_Validation(t *testing.T) {
	r, _, _ := setup(t, true)

	w := post(r, "demo.x", `{"full_name":"Ada Lovelace","email":"not-an-email","national_id":"AB123456"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "validation_error" || body["code"] != "invalid_email" || body["field"] != "email" {
		t.Errorf("body = %v", body)
	}
}

func TestScore_Unauthenticated(t *testing.T) {
	r, _, _ := setup(t, false)
	if w := post(r, "", identityJSON); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestScore_Preflight(t *testing.T) {
	r, _, _ := setup(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/v1/borrowers/score", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("Expected empty 204, got %d %q", w.Code, w.Body.String())
	}
}

func TestMasking(t *testing.T) {
	tests := []struct {
		in, want string
		fn       func(string) string
	}{
		{"ada@example.com", "a***@example.com", MaskEmail},
		{"x@y.io", "x***@y.io", MaskEmail},
		{"broken", "***", MaskEmail},
		{"+1 (555) 010-1234", "*******1234", MaskPhone},
		{"123", "***", MaskPhone},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPersonaID(t *testing.T) {
	hash := tokens.PIIHash("p", "AB123456")
	got := PersonaID(hash)
	if got != "per_"+hash[:24] {
		t.Errorf("PersonaID = %s", got)
	}
}
