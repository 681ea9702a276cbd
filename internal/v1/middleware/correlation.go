// Package middleware contains Gin middleware for the relay.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/astation/relay/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags each request with a correlation ID and threads the
// relay's request-scoped identifiers into the context the loggers read:
// the voice session header and the pairing code ride along so every log
// line of a rendezvous carries them.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Echo in the response so callers can quote it back.
		c.Header(HeaderXCorrelationID, correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		if sid := c.GetHeader("X-Voice-Session-ID"); sid != "" {
			ctx = context.WithValue(ctx, logging.SessionIDKey, sid)
		}
		if code := c.Query("code"); code != "" {
			ctx = context.WithValue(ctx, logging.PairCodeKey, code)
		}
		c.Request = c.Request.WithContext(ctx)

		// Also in gin's keys for handlers that read it directly
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
