package otp

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astation/relay/internal/v1/web"
)

// Handlers exposes the auth handshake over HTTP.
type Handlers struct {
	store *Store
}

// NewHandlers wires the HTTP surface to a session store.
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

type createSessionRequest struct {
	Hostname string `json:"hostname" binding:"required,min=1,max=255"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Token  string `json:"token,omitempty"`
}

// CreateSession handles POST /api/sessions.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname must be 1-255 characters"})
		return
	}

	session := h.store.Create(req.Hostname)
	c.JSON(http.StatusCreated, session)
}

// GetSessionStatus handles GET /api/sessions/:id/status.
// The token is included only once the session is granted.
func (h *Handlers) GetSessionStatus(c *gin.Context) {
	session, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	resp := statusResponse{ID: session.ID, Status: session.Status}
	if session.Status == StatusGranted {
		resp.Token = session.Token
	}
	c.JSON(http.StatusOK, resp)
}

type grantRequest struct {
	OTP string `json:"otp" binding:"required"`
}

// GrantSession handles POST /api/sessions/:id/grant.
func (h *Handlers) GrantSession(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "otp is required"})
		return
	}

	session, err := h.store.Grant(c.Param("id"), req.OTP)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{ID: session.ID, Status: session.Status, Token: session.Token})
}

// DenySession handles POST /api/sessions/:id/deny.
func (h *Handlers) DenySession(c *gin.Context) {
	session, err := h.store.Deny(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{ID: session.ID, Status: session.Status})
}

// AuthPage handles GET /auth?id=&tag=, the HTML fallback approval page.
func (h *Handlers) AuthPage(c *gin.Context) {
	session, ok := h.store.Get(c.Query("id"))
	if !ok {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(web.NotFoundSessionHTML))
		return
	}

	html, err := web.RenderAuthPage(web.AuthPageData{
		SessionID: session.ID,
		Tag:       c.Query("tag"),
		OTP:       session.OTP,
		Hostname:  session.Hostname,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render page"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// writeError maps store errors to HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, err error) {
	var stateErr *StateError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, ErrInvalidOTP):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid OTP"})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "session has expired"})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{"error": stateErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
