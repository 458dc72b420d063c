package scoring

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/validation"
)

var errInvalidRequest = apperr.Validation("invalid_request", "", "request body is malformed")

// Handler provides HTTP endpoints for scoring operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new scoring handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that need the scoring scope.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/scores/compute", h.Compute)
	r.POST("/scores/simulate", h.Simulate)
	r.POST("/scores/simulate/batch", h.BatchSimulate)
	r.GET("/personas/:persona_id/trend", h.Trend)
	r.GET("/personas/:persona_id/scores", h.History)
	r.GET("/personas/:persona_id/features", h.Features)
	r.GET("/models", h.ListModels)
	r.GET("/models/:model_id", h.GetModel)
}

// RegisterAdminRoutes sets up model configuration and audit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/models/:model_id", h.SaveModel)
	r.GET("/audit", h.ListAudit)
}

type scoreRequest struct {
	PersonaID string `json:"persona_id"`
	ModelID   string `json:"model_id"`
}

func (r scoreRequest) validate() *apperr.Error {
	if !validation.IsValidID(strings.TrimSpace(r.PersonaID)) {
		return apperr.Validation("invalid_persona_id", "persona_id", "persona_id is required")
	}
	if !validation.IsValidID(strings.TrimSpace(r.ModelID)) {
		return apperr.Validation("invalid_model_id", "model_id", "model_id is required")
	}
	return nil
}

// Compute handles POST /v1/scores/compute
func (h *Handler) Compute(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, errInvalidRequest)
		return
	}
	if err := req.validate(); err != nil {
		apperr.Respond(c, err)
		return
	}

	exp, err := h.service.Compute(c.Request.Context(), strings.TrimSpace(req.PersonaID), strings.TrimSpace(req.ModelID))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, exp)
}

type simulateRequest struct {
	scoreRequest
	FeatureOverrides map[string]any `json:"feature_overrides"`
}

// Simulate handles POST /v1/scores/simulate
func (h *Handler) Simulate(c *gin.Context) {
	var req simulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, errInvalidRequest)
		return
	}
	if err := req.validate(); err != nil {
		apperr.Respond(c, err)
		return
	}

	res, err := h.service.Simulate(c.Request.Context(), strings.TrimSpace(req.PersonaID), strings.TrimSpace(req.ModelID), req.FeatureOverrides)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	scoreRequest
	Scenarios map[string]map[string]any `json:"scenarios"`
}

// BatchSimulate handles POST /v1/scores/simulate/batch
func (h *Handler) BatchSimulate(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, errInvalidRequest)
		return
	}
	if err := req.validate(); err != nil {
		apperr.Respond(c, err)
		return
	}

	results, err := h.service.BatchSimulate(c.Request.Context(), strings.TrimSpace(req.PersonaID), strings.TrimSpace(req.ModelID), req.Scenarios)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"persona_id": req.PersonaID,
		"model_id":   req.ModelID,
		"scenarios":  results,
	})
}

// Trend handles GET /v1/personas/:persona_id/trend
func (h *Handler) Trend(c *gin.Context) {
	personaID := c.Param("persona_id")
	months := 0
	if m := c.Query("months"); m != "" {
		parsed, err := strconv.Atoi(m)
		if err != nil {
			apperr.Respond(c, ErrInvalidMonths)
			return
		}
		months = parsed
	}
	modelID := c.Query("model_id")

	points, err := h.service.Trend(c.Request.Context(), personaID, modelID, months)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"persona_id": personaID,
		"model_id":   modelID,
		"trend":      points,
	})
}

// History handles GET /v1/personas/:persona_id/scores
func (h *Handler) History(c *gin.Context) {
	personaID := c.Param("persona_id")
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	scores, next, more, err := h.service.History(c.Request.Context(), personaID, c.Query("model_id"), c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scores":      scores,
		"count":       len(scores),
		"next_cursor": next,
		"has_more":    more,
	})
}

// Features handles GET /v1/personas/:persona_id/features
func (h *Handler) Features(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Features(c.Request.Context(), c.Param("persona_id")))
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.service.ListModels(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}

// GetModel handles GET /v1/models/:model_id
func (h *Handler) GetModel(c *gin.Context) {
	cfg, err := h.service.GetModel(c.Request.Context(), c.Param("model_id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SaveModel handles PUT /v1/admin/models/:model_id
func (h *Handler) SaveModel(c *gin.Context) {
	var cfg ModelConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		apperr.Respond(c, errInvalidRequest)
		return
	}
	cfg.ID = c.Param("model_id")

	saved, err := h.service.SaveModel(c.Request.Context(), &cfg)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// ListAudit handles GET /v1/admin/audit
func (h *Handler) ListAudit(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.service.ListAudit(c.Request.Context(), c.Query("persona_id"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
