package pairing

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astation/relay/internal/v1/web"
)

// Handlers bundles the HTTP surface of the pairing hub.
type Handlers struct {
	hub *Hub
}

// NewHandlers creates Handlers backed by the given hub.
func NewHandlers(hub *Hub) *Handlers {
	return &Handlers{hub: hub}
}

type createPairRequest struct {
	Hostname string `json:"hostname" binding:"required,min=1,max=255"`
}

// CreatePair registers a room and returns the code the client types in.
// POST /api/pair
func (h *Handlers) CreatePair(c *gin.Context) {
	var req createPairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	code := h.hub.CreatePair(req.Hostname)
	c.JSON(http.StatusCreated, gin.H{"code": code})
}

// PairStatus reports whether a client has connected to the room.
// GET /api/pair/:code
func (h *Handlers) PairStatus(c *gin.Context) {
	room, ok := h.hub.Room(c.Param("code"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"paired":   room.Paired(),
		"hostname": room.Hostname(),
	})
}

// PairPage renders the landing page a scanned QR code or shared link
// opens in a browser.
// GET /pair?code=XXXX-XXXX
func (h *Handlers) PairPage(c *gin.Context) {
	code := c.Query("code")
	room, ok := h.hub.Room(code)
	if !ok {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(web.NotFoundPairHTML))
		return
	}

	html, err := web.RenderPairPage(web.PairPageData{
		Code:     code,
		Hostname: room.Hostname(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render page"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}
