package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"clawbernetes/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"
)

const maxLoggedBody = 1000

// Logger access log. POST bodies are logged compacted and truncated.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var bodyStr string
		if c.Request.Method == http.MethodPost {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		// Skip logging for 404 requests and scrapes
		statusCode := c.Writer.Status()
		if statusCode == http.StatusNotFound || c.FullPath() == "/metrics" || c.FullPath() == "/health" {
			return
		}

		fields := []zap.Field{
			zap.Int("status", statusCode),
			zap.Duration("latency", time.Since(startTime)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("uri", c.Request.RequestURI),
		}
		if bodyStr != "" {
			fields = append(fields, zap.String("body", bodyStr))
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Warn("[GIN] request failed", fields...)
			return
		}
		logger.Info("[GIN] request", fields...)
	}
}

// getRequestBody gets request body content
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		// Reset request body since reading it clears it
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody compresses JSON using pretty package
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	// Compress JSON, ugly=true means remove all whitespace
	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}
