// Package handlers implements the public HTTP API for the helpdesk backend.
//
// This file holds the response helpers every endpoint goes through. Errors
// always leave the server as an ErrorResponse envelope with a stable code,
// for example:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "ticket not found"
//	}
//
// Success bodies are endpoint-specific JSON written through ok/noContent so
// the idempotency capture layer sees a uniform write path.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/go-helpdesk-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope shared by every endpoint. Code values
// come from the constants in errors.go; Message is safe to surface to users.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with the standard envelope. Server-side failures
// (>= 500) additionally land in the request-scoped log so every 5xx leaves a
// trace tied to its request id.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail exposes fail to the router package, which needs the same envelope for
// its 404/405 fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON body with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent answers 204 for operations with nothing to return.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
