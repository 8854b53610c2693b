package server

import (
	"log/slog"
	"time"

	"skyquery/internal/infra"

	"github.com/gin-gonic/gin"
)

// requestLogger logs every request through slog
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
			logger.Error("Request failed", attrs...)
			return
		}
		logger.Debug("Request served", attrs...)
	}
}

// queryMetrics counts requests per registered route
func queryMetrics(metrics *infra.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if route := c.FullPath(); route != "" && route != "/metrics" {
			metrics.RecordQuery(route)
		}
	}
}

// apiKey reads the caller key from the "key" parameter or the API-Key header
func apiKey(c *gin.Context) string {
	if key := c.Query("key"); key != "" {
		return key
	}
	return c.GetHeader("API-Key")
}
