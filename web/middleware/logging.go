package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
)

// RequestLogger logs each request through the application logger.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("Request failed", args...)
		case status >= 400:
			logger.Warn("Request rejected", args...)
		default:
			logger.Debug("Request handled", args...)
		}
	}
}
