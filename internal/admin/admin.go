// Package admin provides operator endpoints: the global pause switch, the
// platform fee rate, and the fee-ledger view. Everything here is guarded by
// the ADMIN_SECRET header check.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireSecret guards admin routes with a constant-time X-Admin-Secret
// check. With no secret configured, admin routes are disabled outright; an
// open admin surface is worse than none.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled. Set ADMIN_SECRET to enable.",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Next()
	}
}
