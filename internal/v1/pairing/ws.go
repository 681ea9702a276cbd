package pairing

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
)

const writeWait = 10 * time.Second

// Pairing connections are authorized by knowledge of the code, so the
// upgrader accepts any origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWs upgrades the request and relays text frames between the two
// sides of the room until the connection drops.
// GET /ws?role=host|client&code=XXXX-XXXX
func (h *Hub) ServeWs(c *gin.Context) {
	role := Role(c.Query("role"))
	code := c.Query("code")

	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be host or client"})
		return
	}
	room, ok := h.Room(code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("pair_code", code), zap.Error(err))
		return
	}

	send := make(chan string, sendBufferSize)
	room.attach(role, send)
	metrics.IncConnection()

	logging.Info(c.Request.Context(), "Pair connection established",
		zap.String("pair_code", code), zap.String("role", string(role)))

	go h.writePump(conn, send, code)
	h.readPump(conn, room, role, send, code)
}

// readPump forwards each inbound text frame to the peer's current sink.
// It owns connection teardown: on exit detach closes the sink, which
// stops the writer, and the room is removed once both sides are gone.
func (h *Hub) readPump(conn *websocket.Conn, room *Room, role Role, send chan string, code string) {
	defer func() {
		conn.Close()
		if room.detach(role, send) {
			h.removeRoom(code)
		}
		metrics.DecConnection()
		logging.Info(context.Background(), "Pair connection closed",
			zap.String("pair_code", code), zap.String("role", string(role)))
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		sent, attached := room.forward(role, string(data))
		switch {
		case sent:
			metrics.RelayedFrames.WithLabelValues(string(role)).Inc()
		case !attached:
			// Other side not connected yet; frame is dropped.
		default:
			logging.Warn(context.Background(), "Peer send buffer full - dropping frame",
				zap.String("pair_code", code), zap.String("role", string(role)))
		}
	}
}

// writePump drains the connection's sink onto the wire. It exits when
// the sink is closed by the reader or a write fails.
func (h *Hub) writePump(conn *websocket.Conn, send chan string, code string) {
	for msg := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			logging.Warn(context.Background(), "Pair write failed", zap.String("pair_code", code), zap.Error(err))
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
