package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"matrix-ledger-backend/internal/common/logger"
)

// Logger writes one access log line per request. Paths in skip are only
// logged when they fail.
func Logger(skip ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		if _, ok := quiet[path]; ok && status < 400 {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		ev := logger.Info()
		if status >= 500 {
			ev = logger.Warn()
		}
		ev.
			Str("request_id", getRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int("body_size", c.Writer.Size()).
			Msg("Request processed")
	}
}
