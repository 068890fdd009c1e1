package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/albguard/albguard/internal/observability"
)

const (
	// RequestIDHeader carries the request id to and from clients.
	RequestIDHeader = "X-Request-ID"

	// requestIDKey is the gin context key the id is stored under.
	requestIDKey = "request_id"
)

// RequestID propagates the client supplied request id, generating one
// when the header is absent. The id is stored on the gin context and
// the request context and echoed back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(requestIDKey, id)
		c.Request = c.Request.WithContext(
			observability.ContextWithRequestID(c.Request.Context(), id),
		)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// RequestIDFrom returns the request id RequestID stored on the gin
// context, or "".
func RequestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
