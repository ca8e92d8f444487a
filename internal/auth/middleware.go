package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key holding the validated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyCallerAddress is the gin context key holding the resolved
	// caller address. Escrow and treasury handlers read this.
	ContextKeyCallerAddress = "callerAddress"
)

// tokenFromRequest pulls the raw key from the Authorization or X-API-Key
// header. The Bearer prefix is handled downstream by ValidateKey.
func tokenFromRequest(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return v
	}
	return c.GetHeader("X-API-Key")
}

// Middleware validates the API key, when one is presented, and stashes the
// resolved caller address in the context. It never rejects; pair it with
// RequireAuth on routes that need a caller.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := tokenFromRequest(c); token != "" {
			if key, err := m.ValidateKey(c.Request.Context(), token); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyCallerAddress, key.Address)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyCallerAddress) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated key from context, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// CallerAddress returns the authenticated caller's address, or "".
func CallerAddress(c *gin.Context) string {
	return c.GetString(ContextKeyCallerAddress)
}
