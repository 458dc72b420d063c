package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/logging"
)

// Handler provides HTTP endpoints for API key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up routes for authenticated integrators.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.GetCurrentClient)
}

// RegisterAdminRoutes sets up key administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/clients/:client_id/keys", h.CreateKey)
	r.GET("/clients/:client_id/keys", h.ListKeys)
	r.DELETE("/keys/:key_id", h.RevokeKey)
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

// CreateKey handles POST /v1/admin/clients/:client_id/keys
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, apperr.Validation("invalid_request", "", "request body is malformed"))
			return
		}
	}
	if req.TTLSeconds < 0 {
		apperr.Respond(c, apperr.Validation("invalid_ttl", "ttl_seconds", "ttl_seconds must not be negative"))
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), c.Param("client_id"), KeyRequest{
		Name:   req.Name,
		Scopes: req.Scopes,
		TTL:    time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("api key issued", "client_id", key.ClientID, "key_id", key.ID, "scopes", key.Scopes)
	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/admin/clients/:client_id/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		apperr.Respond(c, apperr.Internal("failed to list keys", err))
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// RevokeKey handles DELETE /v1/admin/keys/:key_id
func (h *Handler) RevokeKey(c *gin.Context) {
	key, err := h.manager.RevokeKey(c.Request.Context(), c.Param("key_id"))
	if err != nil {
		if IsNotFound(err) {
			apperr.Respond(c, ErrKeyNotFound)
			return
		}
		apperr.Respond(c, apperr.Internal("failed to revoke key", err))
		return
	}
	logging.L(c.Request.Context()).Info("api key revoked", "client_id", key.ClientID, "key_id", key.ID)
	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"key":     key,
	})
}

// GetCurrentClient returns info about the authenticated client
func (h *Handler) GetCurrentClient(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		apperr.Respond(c, ErrNoAPIKey)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id":  key.ClientID,
		"key_id":     key.ID,
		"key_name":   key.Name,
		"scopes":     key.Scopes,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}
