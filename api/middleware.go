package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"renderexport/logger"
)

const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen caps ids echoed back from callers.
const maxRequestIDLen = 128

// RequestIDMiddleware reuses the caller's X-Request-ID or mints one, echoes
// it on the response and stores it on the request context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// LoggingMiddleware logs each request once it completes, at a level
// picked from the status.
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := log.FromContext(c.Request.Context())
		reqLog.Debug("request started",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		)

		c.Next()

		status := c.Writer.Status()
		logFn := reqLog.Info
		if status >= 500 {
			logFn = reqLog.Error
		} else if status >= 400 {
			logFn = reqLog.Warn
		}
		logFn("request completed",
			"method", c.Request.Method,
			// Route pattern, so job ids stay out of path cardinality.
			"route", c.FullPath(),
			"status", status,
			"size", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.FromContext(c.Request.Context()).Error("panic recovered",
					"panic", rec,
					"stack", string(debug.Stack()),
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
				)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
