package voice

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
)

// rendezvousTimeout bounds how long a triggered chat request blocks for
// the agent response.
const rendezvousTimeout = 30 * time.Second

// ChatMessage is one turn of an OpenAI-style conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Messages []ChatMessage `json:"messages" binding:"required"`
	Stream   bool          `json:"stream"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// Chat is the buffering completion endpoint the speech pipeline calls.
// Accumulating sessions get an empty completion back immediately,
// triggered sessions block until the agent responds, and ready sessions
// consume the cached response.
// POST /api/llm/chat
func (h *Handlers) Chat(c *gin.Context) {
	sessionID := c.GetHeader("X-Voice-Session-ID")
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-ID")
	}
	if sessionID == "" {
		logging.Warn(c.Request.Context(), "Chat request without session id header")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Session ID not found. Ensure X-Voice-Session-ID header is set or session is active.",
		})
		return
	}

	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var lastMessage string
	if len(req.Messages) > 0 {
		lastMessage = req.Messages[len(req.Messages)-1].Content
	}

	h.store.IncrementRequests(sessionID)
	h.store.AddTranscription(sessionID, lastMessage)

	state, ok := h.store.GetState(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	switch state {
	case StateAccumulating:
		metrics.VoiceRendezvousOutcomes.WithLabelValues("accumulating").Inc()
		c.JSON(http.StatusOK, h.chatEnvelope(""))

	case StateTriggered:
		h.awaitResponse(c, sessionID)

	case StateResponseReady:
		sess, ok := h.store.Get(sessionID)
		if !ok || sess.Response == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Response ready but not found"})
			return
		}
		// One-shot delivery: the session is gone once the cached
		// response has been handed out.
		h.store.Delete(sessionID)
		metrics.VoiceRendezvousOutcomes.WithLabelValues("cached").Inc()
		c.JSON(http.StatusOK, h.chatEnvelope(*sess.Response))

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("unknown session state %q", state)})
	}
}

// awaitResponse blocks the triggered chat request until the agent
// responds, the rendezvous window closes, or the caller disconnects.
func (h *Handlers) awaitResponse(c *gin.Context, sessionID string) {
	logging.Info(c.Request.Context(), "Chat request blocking for agent response",
		zap.String("session_id", sessionID))

	waiter := h.store.RegisterWaiter(sessionID)
	timer := h.store.clock.NewTimer(rendezvousTimeout)
	defer timer.Stop()
	start := h.store.clock.Now()

	select {
	case response := <-waiter:
		metrics.VoiceRendezvousWait.Observe(h.store.clock.Since(start).Seconds())
		metrics.VoiceRendezvousOutcomes.WithLabelValues("delivered").Inc()
		c.JSON(http.StatusOK, h.chatEnvelope(response))

	case <-timer.C():
		logging.Error(c.Request.Context(), "Timed out waiting for agent response",
			zap.String("session_id", sessionID))
		metrics.VoiceRendezvousOutcomes.WithLabelValues("timeout").Inc()
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Timeout waiting for agent response"})

	case <-c.Request.Context().Done():
		metrics.VoiceRendezvousOutcomes.WithLabelValues("canceled").Inc()
	}
}

func (h *Handlers) chatEnvelope(content string) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: h.store.clock.Now().Unix(),
		Model:   "station-voice-proxy",
		Choices: []chatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}
