// Request correlation and access logging.
//
// RequestID tags each request with an X-Request-ID (reusing an inbound one),
// Logger writes a structured zerolog access line and seeds a request-scoped
// logger under the "logger" context key, and Recovery turns panics into JSON
// 500s. Intended order: RequestID, Logger, Recovery, so every panic line
// carries the correlation id.
//
// Credentials never reach the logs: the Authorization header collapses to a
// presence flag and client idempotency keys are truncated before logging.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"

	// Raw query strings are capped at this many bytes in logs.
	maxQueryLogLength = 2048
)

// RequestID reuses an inbound X-Request-ID or mints a UUIDv4, stores it in
// the context under requestIDKey, and echoes it on the response. Runs first
// so everything downstream can rely on the id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger emits one structured access line per request and seeds a
// request-scoped zerolog.Logger (context key "logger") that handlers and
// services retrieve via LoggerFrom. The line level follows the outcome:
// error for 5xx or collected gin errors, warn for 4xx, info otherwise.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		uid, _ := c.Get("userID")
		path := c.FullPath()
		if path == "" {
			// Unmatched route; log the raw URL path instead.
			path = c.Request.URL.Path
		}

		lg := log.With().
			Str("request_id", asString(rid)).
			Str("user_id", asString(uid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("referer", c.Request.Referer()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Bool("authenticated", c.GetHeader("Authorization") != "").
			Str("idempotency_key", truncate(c.GetHeader(HeaderIdempotencyKey), 32)).
			Int64("bytes_in", c.Request.ContentLength). // -1 when unknown
			Logger()

		c.Set("logger", &lg)

		c.Next()

		status := c.Writer.Status()
		line := lg.With().
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		switch {
		case len(c.Errors) > 0:
			line.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			line.Error().Msg("request")
		case status >= 400:
			line.Warn().Msg("request")
		default:
			line.Info().Msg("request")
		}
	}
}

// Recovery logs the panic value and stack with the request id, then answers
// with the standard JSON error envelope (code internal_error) unless a
// response was already started.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", asString(rid)).
				Msg("panic recovered")

			if c.Writer.Written() {
				// Response already started; nothing sane to append.
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header("Content-Type", "application/json")
			c.Header(requestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger seeded by Logger, or a bare
// fallback when none was attached. Never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// asString unwraps a context value, yielding "" for non-strings.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes plus an ellipsis. max <= 0 disables capping.
// Byte-wise, which is fine for log output.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
