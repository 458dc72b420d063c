package borrower

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/tokens"
	"github.com/mbd888/altscore/internal/validation"
)

var errInvalidBody = apperr.Validation("invalid_request", "body", "request body must be a JSON identity object")

// Handler serves POST /borrowers/score.
type Handler struct {
	scorer  Scorer
	modelID string
	pepper  string
	origin  string
}

// NewHandler creates the borrower handler scoring with modelID. pepper must
// match the token broker's so persona ids agree with token pii hashes.
func NewHandler(scorer Scorer, modelID, pepper, origin string) *Handler {
	return &Handler{scorer: scorer, modelID: modelID, pepper: pepper, origin: origin}
}

// RegisterRoutes sets up the gated borrower route. gate admits the request;
// preflight requests bypass it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, gate gin.HandlerFunc) {
	g := r.Group("/borrowers", tokens.CORS(h.origin))
	g.OPTIONS("/score", tokens.Preflight)
	g.POST("/score", gate, h.Score)
}

// Score handles POST /borrowers/score.
func (h *Handler) Score(c *gin.Context) {
	ctx := c.Request.Context()
	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var id validation.Identity
	if err := c.ShouldBindJSON(&id); err != nil {
		apperr.Respond(c, errInvalidBody)
		return
	}
	id = id.Normalized()
	if verr := validation.ValidateIdentity(id); verr != nil {
		apperr.Respond(c, verr)
		return
	}

	piiHash := tokens.PIIHash(h.pepper, id.NationalID)
	ver := tokens.GetVerification(c)
	if ver != nil && ver.Claims != nil && ver.Claims.PIIHash != piiHash {
		logging.L(ctx).Warn("token rejected", "reason", "identity_mismatch", "jti", ver.JTI)
		apperr.Respond(c, tokens.ErrTokenRejected)
		return
	}

	personaID := PersonaID(piiHash)
	explanation, err := h.scorer.Compute(ctx, personaID, h.modelID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	b := Borrower{
		PersonaID:   personaID,
		FullName:    id.FullName,
		EmailMasked: MaskEmail(id.Email),
	}
	if id.Phone != "" {
		b.PhoneMasked = MaskPhone(id.Phone)
	}
	if ver == nil {
		ver = &tokens.Verification{Mode: tokens.ModeDemo}
	}

	logging.L(ctx).Info("borrower scored",
		"persona_id", personaID,
		"score", explanation.Score,
		"band", explanation.Band.Label,
		"verification", ver.Mode)

	c.JSON(http.StatusOK, Response{
		Borrower: b,
		Score:    explanation,
		Enrichment: Enrichment{
			ModelID:        explanation.ModelID,
			ModelVersion:   explanation.ModelVersion,
			RiskBand:       explanation.Band.Label,
			Recommendation: explanation.Band.Recommendation,
			FeaturesError:  explanation.FeatureError,
			Verification:   ver,
		},
		CorrelationID: correlationID,
	})
}
