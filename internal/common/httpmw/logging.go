package httpmw

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
)

const correlationIDHeader = "X-Request-Id"

// CorrelationID assigns every admin HTTP request a correlation id, from
// the X-Request-Id header if the caller sent one, so a request into the
// Gin surface and any IPC verbs it triggers downstream share one id in
// the logs. Must run before RequestLogger in the middleware chain.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), logger.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlationIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs HTTP request details after the handler completes,
// tagged with the correlation id CorrelationID attached to the request
// context (if any).
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		reqLog := log.WithContext(c.Request.Context())
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}

		if status >= 500 {
			reqLog.Error("http", fields...)
		} else {
			reqLog.Debug("http", fields...)
		}
	}
}
