package logger

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// quietPaths are polled by uptime monitors and only logged at debug level
var quietPaths = map[string]bool{
	"/keep-alive": true,
	"/health":     true,
	"/metrics":    true,
}

// Middleware returns a Gin middleware function that logs requests.
// It expects middleware.RequestID to have run first and falls back to the header otherwise.
func Middleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetString("requestID")
		if requestID == "" {
			requestID = c.GetHeader("X-Request-ID")
		}

		// Create a request-scoped logger
		reqLogger := logger.WithRequestID(requestID)

		// Store the logger in the context
		c.Set("logger", reqLogger)

		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		path := c.Request.URL.Path
		method := c.Request.Method

		if quietPaths[path] && status < 400 {
			reqLogger.Debug("request completed", "method", method, "path", path, "status", status)
		} else if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			reqLogger.Info("stream closed",
				"method", method,
				"path", path,
				"status", status,
				"duration_ms", latency.Milliseconds(),
			)
		} else {
			reqLogger.LogRequest(method, path, status, latency)
		}

		// Log errors if any
		for _, err := range c.Errors {
			reqLogger.LogError(err.Err, "request error",
				"method", method,
				"path", path,
				"error_type", err.Type,
			)
		}
	}
}

// FromContext returns the request-scoped logger stored by Middleware, or the global logger
func FromContext(c *gin.Context) *Logger {
	if l, ok := c.Get("logger"); ok {
		if reqLogger, ok := l.(*Logger); ok {
			return reqLogger
		}
	}
	return GetGlobal()
}
