package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyClientID is the key for storing the authenticated client id
	ContextKeyClientID = "authClientID"

	// AdminSecretHeader carries the admin secret.
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware extracts and validates API key from request
// Sets apiKey and authClientID in context if valid
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyClientID, key.ClientID)
			}
		}

		c.Next()
	}
}

// RequireScope rejects requests without a valid key (401) or whose key
// lacks scope (403).
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":          "unauthorized",
				"message":        "API key required. Include 'Authorization: Bearer sk_...' header.",
				"correlation_id": logging.CorrelationID(c.Request.Context()),
			})
			return
		}
		if !key.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":          "forbidden",
				"message":        "API key lacks the " + scope + " scope.",
				"correlation_id": logging.CorrelationID(c.Request.Context()),
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret in constant
// time. With an empty secret admin routes are open when allowOpen is set
// (development) and closed otherwise.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if allowOpen {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":          "admin_disabled",
				"message":        "Admin API is disabled.",
				"correlation_id": logging.CorrelationID(c.Request.Context()),
			})
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logging.L(c.Request.Context()).Warn("admin request rejected", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":          "unauthorized",
				"message":        "Valid X-Admin-Secret header required.",
				"correlation_id": logging.CorrelationID(c.Request.Context()),
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetClientID returns the authenticated client id
func GetClientID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyClientID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
