package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key for the authenticated user ID.
const ContextKeyUserID = "user_id"

// GetUserID returns the authenticated user ID from the gin context. Routes
// behind Middleware always have it; elsewhere it is empty.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Middleware validates the bearer token and stores the user ID in the
// context. Tokens are read from the Authorization header, or from the token
// query parameter for WebSocket upgrades where browsers cannot set headers.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		} else if q := c.Query("token"); q != "" {
			tokenStr = q
		}

		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "user-input",
				"message": "missing bearer token",
			})
			return
		}

		claims, err := issuer.Validate(tokenStr, TokenTypeAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "user-input",
				"message": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Next()
	}
}
