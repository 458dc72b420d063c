package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/idgen"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/ratelimit"
	"github.com/mbd888/altscore/internal/security"
	"github.com/mbd888/altscore/internal/traces"
	"github.com/mbd888/altscore/internal/validation"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"

	// maxHeaderIDLen bounds caller-supplied ids echoed into logs.
	maxHeaderIDLen = 128
)

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":          "internal_error",
			"message":        "An unexpected error occurred",
			"correlation_id": logging.CorrelationID(c.Request.Context()),
		})
	}))

	// Request and correlation ids come first so every later layer logs them.
	s.router.Use(s.requestIDMiddleware())

	s.router.Use(security.HeadersMiddleware())

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(traces.Middleware())
	s.router.Use(metrics.Middleware())

	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware assigns a request id and a correlation id. A
// caller-supplied X-Correlation-ID is kept so one flow can be followed
// across the broker, the borrower endpoint and the logs.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := headerID(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = idgen.Hex(16)
		}
		correlationID := headerID(c.GetHeader(headerCorrelationID))
		if correlationID == "" {
			correlationID = idgen.UUID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithCorrelationID(ctx, correlationID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header(headerRequestID, requestID)
		c.Header(headerCorrelationID, correlationID)

		c.Next()
	}
}

// headerID returns v if it is a usable id, otherwise "".
func headerID(v string) string {
	if v == "" || len(v) > maxHeaderIDLen {
		return ""
	}
	return validation.SanitizeString(v, maxHeaderIDLen)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}
