package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"clawbernetes/internal/rpc"
	"clawbernetes/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Recovery middleware catches panic and converts it to an internal error response
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()

				logger.ErrorCtx(c.Request.Context(),
					"panic recovered: %v\nstack:\n%s",
					err,
					string(stack),
				)

				rpcErr := rpc.Errorf(rpc.CodeInternal, "internal server error")
				// Return stack trace in debug mode
				if gin.Mode() == gin.DebugMode {
					rpcErr = rpcErr.WithData(gin.H{"panic": fmt.Sprint(err), "stack": string(stack)})
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, rpc.NewErrorResponse(0, rpcErr))
			}
		}()

		c.Next()
	}
}
