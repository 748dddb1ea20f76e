package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceAuthMiddleware validates the bearer token of calls from the frontend gateway and
// records the payee the call acts for from the X-Owner-User-ID header.
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expectedToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid service token"})
			return
		}

		owner := c.GetHeader("X-Owner-User-ID")
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "X-Owner-User-ID header is required"})
			return
		}
		c.Set(OwnerUserIDKey, owner)
		c.Next()
	}
}

// OwnerUserID returns the payee set by ServiceAuthMiddleware.
func OwnerUserID(c *gin.Context) string {
	return c.GetString(OwnerUserIDKey)
}
