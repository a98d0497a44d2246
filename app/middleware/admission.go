package middleware

import (
	"math"
	"net/http"
	"strconv"

	"clawbernetes/internal/admission"
	"clawbernetes/internal/rpc"

	"github.com/gin-gonic/gin"
)

// AbortVerdict answers a rejected request: 429 with Retry-After for rate
// limits, 403 for blocks.
func AbortVerdict(c *gin.Context, v admission.Verdict) {
	if v.Action == admission.RateLimit {
		secs := int(math.Ceil(v.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, rpc.NewErrorResponse(0,
			rpc.Errorf(rpc.CodeResourceExhausted, "%s", v).WithData(gin.H{"retry_after_ms": v.RetryAfter.Milliseconds()})))
		return
	}
	c.AbortWithStatusJSON(http.StatusForbidden, rpc.NewErrorResponse(0, rpc.Errorf(rpc.CodePermissionDenied, "%s", v)))
}
