package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/livepulse/tracker/internal/auth"
	"github.com/livepulse/tracker/pkg/response"
)

// ContextClientID is the key for the authenticated client ID in gin context.
const ContextClientID = "client_id"

// JWT returns a middleware that validates the bearer token and sets the
// client ID in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextClientID, claims.ClientID)
		c.Next()
	}
}
