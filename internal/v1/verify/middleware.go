package verify

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/astation/relay/internal/v1/logging"
)

// Middleware rejects agent responses whose session id the upstream does
// not recognize. The request body is restored for the downstream
// handler. On upstream failure the request is let through: a flaky
// verifier must not take down the voice path.
func Middleware(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || probe.SessionID == "" {
			// Malformed bodies are the handler's problem, not ours.
			c.Next()
			return
		}

		valid, err := client.Verify(c.Request.Context(), probe.SessionID)
		if err != nil {
			logging.Warn(c.Request.Context(), "Session verification unavailable - allowing request",
				zap.String("session_id", probe.SessionID), zap.Error(err))
			c.Next()
			return
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session not recognized"})
			return
		}
		c.Next()
	}
}
