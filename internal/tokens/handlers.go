package tokens

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/validation"
)

var errInvalidBody = apperr.Validation("invalid_request", "body", "request body must be a JSON identity object")

// Handler serves the token broker.
type Handler struct {
	broker *Broker
	origin string
}

// NewHandler creates the broker handler. origin is the single browser origin
// allowed by CORS, or "*".
func NewHandler(broker *Broker, origin string) *Handler {
	return &Handler{broker: broker, origin: origin}
}

// RegisterRoutes sets up the public broker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/tokens", CORS(h.origin))
	g.POST("", h.IssueToken)
	g.OPTIONS("", Preflight)
}

// IssueToken handles POST /tokens.
func (h *Handler) IssueToken(c *gin.Context) {
	var id validation.Identity
	if err := c.ShouldBindJSON(&id); err != nil {
		apperr.Respond(c, errInvalidBody)
		return
	}
	issued, err := h.broker.Issue(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, issued)
}

// Preflight answers OPTIONS requests that the CORS middleware let through.
func Preflight(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// CORS restricts browser access to a single origin.
func CORS(origin string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Correlation-ID"},
		ExposeHeaders:    []string{"X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           10 * time.Minute,
	}
	if origin == "" || origin == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = []string{origin}
	}
	return cors.New(cfg)
}
