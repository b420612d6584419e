// Package httpmw holds the gin middleware shared by the API server:
// CORS, request ids, request logging, and OpenTelemetry spans.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/logger"
)

// RequestLogger emits one structured line per completed request. Server
// errors log at Error, client errors at Warn, the rest at Debug so steady
// health-check traffic stays out of production logs.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", routePath(c)),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", max(c.Writer.Size(), 0)),
		}

		reqLog := log.WithContext(c.Request.Context())
		switch {
		case status >= 500:
			reqLog.Error("http", fields...)
		case status >= 400:
			reqLog.Warn("http", fields...)
		default:
			reqLog.Debug("http", fields...)
		}
	}
}

// routePath prefers the registered route template over the raw URL so log
// lines aggregate per endpoint rather than per id.
func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}
