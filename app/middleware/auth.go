package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"clawbernetes/internal/rpc"
	"clawbernetes/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware bearer token authentication for node sessions and admin RPC
func AuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip authentication if token is not configured
		if token == "" {
			c.Next()
			return
		}

		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.WarnCtx(c.Request.Context(), "unauthorized request from %s, invalid token", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, rpc.NewErrorResponse(0, rpc.Errorf(rpc.CodePermissionDenied, "unauthorized")))
			return
		}

		c.Next()
	}
}
