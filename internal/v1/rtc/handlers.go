package rtc

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers bundles the HTTP surface of the RTC session registry.
type Handlers struct {
	store *Store
}

// NewHandlers creates Handlers backed by the given store.
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

type createSessionRequest struct {
	AppID   string `json:"app_id" binding:"required,min=1,max=255"`
	Channel string `json:"channel" binding:"required,min=1,max=64"`
	Token   string `json:"token" binding:"required,min=1,max=4096"`
	HostUID uint32 `json:"host_uid" binding:"required"`
}

type joinSessionRequest struct {
	Name string `json:"name" binding:"required,min=1,max=100"`
}

// CreateSession registers a new session and returns its id and shareable URL.
// POST /api/rtc-sessions
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id := uuid.NewString()
	sess := h.store.Create(id, req.AppID, req.Channel, req.Token, req.HostUID)

	c.JSON(http.StatusCreated, gin.H{
		"id":         sess.ID,
		"url":        sessionURL(c, sess.ID),
		"expires_at": sess.ExpiresAt,
	})
}

// GetSession returns a snapshot of the session without its token.
// GET /api/rtc-sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	sess, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           sess.ID,
		"app_id":       sess.AppID,
		"channel":      sess.Channel,
		"host_uid":     sess.HostUID,
		"participants": sess.Participants,
		"created_at":   sess.CreatedAt,
		"expires_at":   sess.ExpiresAt,
	})
}

// JoinSession allocates a uid and returns the channel credentials.
// POST /api/rtc-sessions/:id/join
func (h *Handlers) JoinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	info, err := h.store.Join(c.Param("id"), req.Name)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ErrSessionFull):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, info)
}

// DeleteSession removes a session.
// DELETE /api/rtc-sessions/:id
func (h *Handlers) DeleteSession(c *gin.Context) {
	if !h.store.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// sessionURL builds the shareable join URL from the request's Host header.
// Behind a proxy X-Forwarded-Proto wins; otherwise hosts that look like a
// LAN address get http and everything else https.
func sessionURL(c *gin.Context, id string) string {
	host := c.Request.Host
	if host == "" {
		host = "localhost"
	}

	proto := c.GetHeader("X-Forwarded-Proto")
	if proto == "" {
		if isPrivateHost(host) {
			proto = "http"
		} else {
			proto = "https"
		}
	}

	return proto + "://" + host + "/session/" + id
}

func isPrivateHost(host string) bool {
	return strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasPrefix(host, "10.")
}
