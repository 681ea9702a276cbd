package voice

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astation/relay/internal/v1/logging"
)

// Handlers bundles the HTTP surface of the voice session store.
type Handlers struct {
	store *Store
}

// NewHandlers creates Handlers backed by the given store.
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

type createVoiceSessionRequest struct {
	AtemID  string `json:"atem_id" binding:"required,min=1,max=255"`
	Channel string `json:"channel" binding:"required,min=1,max=64"`
}

type agentResponseRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Response  string `json:"response" binding:"required"`
}

// CreateSession starts a new voice session for a controller.
// POST /api/voice-sessions
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createVoiceSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	sess := h.store.Create(uuid.NewString(), req.AtemID, req.Channel)

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.SessionID,
		"atem_id":    sess.AtemID,
		"channel":    sess.Channel,
		"created_at": sess.CreatedAt,
	})
}

// TriggerSession moves a session to triggered and returns the buffered
// text so the caller can hand it to the agent.
// POST /api/voice-sessions/:id/trigger
func (h *Handlers) TriggerSession(c *gin.Context) {
	sessionID := c.Param("id")

	text, ok := h.store.Trigger(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	sess, ok := h.store.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	logging.Info(c.Request.Context(), "Voice session triggered",
		zap.String("session_id", sessionID), zap.Int("buffer_chars", len(text)))

	c.JSON(http.StatusOK, gin.H{
		"session_id":       sess.SessionID,
		"accumulated_text": text,
		"atem_id":          sess.AtemID,
	})
}

// AgentResponse receives the agent's completed response and wakes every
// chat request blocked on the session.
// POST /api/voice-sessions/response
func (h *Handlers) AgentResponse(c *gin.Context) {
	var req agentResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if !h.store.SetResponse(req.SessionID, req.Response) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	logging.Info(c.Request.Context(), "Agent response stored",
		zap.String("session_id", req.SessionID), zap.Int("chars", len(req.Response)))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Response received for session %s", req.SessionID),
	})
}

// GetSession returns a debug view of the session.
// GET /api/voice-sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	sess, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":       sess.SessionID,
		"atem_id":          sess.AtemID,
		"channel":          sess.Channel,
		"state":            sess.State,
		"buffer_size":      len(sess.Buffer),
		"accumulated_text": sess.AccumulatedText(),
		"has_response":     sess.Response != nil,
		"created_at":       sess.CreatedAt,
		"last_activity":    sess.LastActivity,
		"request_count":    sess.RequestCount,
	})
}

// DeleteSession removes a session. Unknown ids succeed.
// DELETE /api/voice-sessions/:id
func (h *Handlers) DeleteSession(c *gin.Context) {
	h.store.Delete(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListSessions returns the ids of all live sessions.
// GET /api/voice-sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	ids := h.store.ListSessionIDs()
	c.JSON(http.StatusOK, gin.H{
		"sessions": ids,
		"count":    len(ids),
	})
}
