package scoreruns

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/auth"
)

var errInvalidRequest = apperr.Validation("invalid_request", "body", "request body must be JSON with persona_id and model_id")

// Handler provides HTTP endpoints for score runs.
type Handler struct {
	service *Service
}

// NewHandler creates a new score run handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up run routes. The group must require the
// runs scope.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/runs", h.StartRun)
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/:run_id", h.GetRun)
	r.POST("/runs/:run_id/cancel", h.CancelRun)
}

type startRequest struct {
	PersonaID string `json:"persona_id"`
	ModelID   string `json:"model_id"`
}

// StartRun handles POST /runs.
func (h *Handler) StartRun(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, errInvalidRequest)
		return
	}
	run, err := h.service.Start(c.Request.Context(), auth.GetClientID(c), req.PersonaID, req.ModelID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// GetRun handles GET /runs/:run_id.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.service.Get(c.Request.Context(), auth.GetClientID(c), c.Param("run_id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := h.service.ListByOwner(c.Request.Context(), auth.GetClientID(c), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if runs == nil {
		runs = []*Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// CancelRun handles POST /runs/:run_id/cancel.
func (h *Handler) CancelRun(c *gin.Context) {
	run, err := h.service.Cancel(c.Request.Context(), auth.GetClientID(c), c.Param("run_id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
