// Package pairing implements the rendezvous hub that lets a desktop
// agent and its controller find each other with a short human-typable
// code, then relays text frames between the two WebSocket connections.
package pairing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
	"github.com/astation/relay/internal/v1/token"
)

// RoomTTL is how long an unpaired room survives before the janitor
// removes it. Rooms with a connected client never age out.
const RoomTTL = 10 * time.Minute

// sendBufferSize bounds each connection's outbound queue. A slow reader
// drops frames rather than stalling its peer.
const sendBufferSize = 256

// Role identifies which side of a pair a connection belongs to.
type Role string

const (
	// RoleHost is the machine that created the pairing code.
	RoleHost Role = "host"
	// RoleClient is the controller that enters the code.
	RoleClient Role = "client"
)

// Valid reports whether the role is one of the two known sides.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleClient
}

// Other returns the opposite side of the pair.
func (r Role) Other() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

// Room is one pairing rendezvous. Each side owns at most one sink; a
// nil sink means that side is not connected.
type Room struct {
	mu         sync.Mutex
	code       string
	hostname   string
	hostSend   chan string
	clientSend chan string
	createdAt  time.Time
}

// Hostname returns the name the host registered with.
func (r *Room) Hostname() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostname
}

// Paired reports whether a client is currently connected.
func (r *Room) Paired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientSend != nil
}

// attach installs ch as the sink for the given role, replacing any
// previous connection for that role silently.
func (r *Room) attach(role Role, ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == RoleHost {
		r.hostSend = ch
	} else {
		r.clientSend = ch
	}
}

// detach closes the departing connection's channel and clears the
// role's sink, but clears only if the sink still belongs to that
// connection: a replaced connection must not clobber its replacement.
// The close happens under the room lock so forward can never land a
// frame on a closed channel. Returns true when both sides are gone and
// the room should be removed.
func (r *Room) detach(role Role, ch chan string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == RoleHost {
		if r.hostSend == ch {
			r.hostSend = nil
		}
	} else {
		if r.clientSend == ch {
			r.clientSend = nil
		}
	}
	close(ch)
	return r.hostSend == nil && r.clientSend == nil
}

// forward delivers msg to the other role's sink without blocking. The
// sink is looked up per frame so a peer that connects mid-stream starts
// receiving. Holding the room lock across the send serializes it
// against detach's close. Reports whether the frame was delivered and
// whether a peer was attached at all.
func (r *Room) forward(from Role, msg string) (sent, attached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var peer chan string
	if from.Other() == RoleHost {
		peer = r.hostSend
	} else {
		peer = r.clientSend
	}
	if peer == nil {
		return false, false
	}
	select {
	case peer <- msg:
		return true, true
	default:
		return false, true
	}
}

// peerSink returns the other role's current sink, nil if absent.
func (r *Room) peerSink(role Role) chan string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role.Other() == RoleHost {
		return r.hostSend
	}
	return r.clientSend
}

// Hub is the registry of active pairing rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	clock clock.WithTicker
}

// NewHub creates an empty Hub. Pass clock.RealClock{} outside of tests.
func NewHub(clk clock.WithTicker) *Hub {
	return &Hub{
		rooms: make(map[string]*Room),
		clock: clk,
	}
}

// CreatePair registers a new room and returns its code. Codes are drawn
// from an unambiguous alphabet; on the unlikely collision a fresh code
// is drawn.
func (h *Hub) CreatePair(hostname string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var code string
	for {
		code = token.GeneratePairCode()
		if _, exists := h.rooms[code]; !exists {
			break
		}
	}

	h.rooms[code] = &Room{
		code:      code,
		hostname:  hostname,
		createdAt: h.clock.Now(),
	}
	metrics.ActivePairRooms.Inc()

	logging.Info(context.Background(), "Pair room created", zap.String("pair_code", code))
	return code
}

// Room returns the room for the given code.
func (h *Hub) Room(code string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[code]
	return r, ok
}

func (h *Hub) removeRoom(code string) {
	h.mu.Lock()
	if _, ok := h.rooms[code]; ok {
		delete(h.rooms, code)
		metrics.ActivePairRooms.Dec()
	}
	h.mu.Unlock()
	logging.Info(context.Background(), "Pair room removed", zap.String("pair_code", code))
}

// CleanupExpired removes rooms older than RoomTTL that have no client
// connected.
func (h *Hub) CleanupExpired() {
	now := h.clock.Now()

	h.mu.RLock()
	var stale []string
	for code, r := range h.rooms {
		r.mu.Lock()
		if now.Sub(r.createdAt) > RoomTTL && r.clientSend == nil {
			stale = append(stale, code)
		}
		r.mu.Unlock()
	}
	h.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	var removed int
	h.mu.Lock()
	for _, code := range stale {
		r, ok := h.rooms[code]
		if !ok {
			continue
		}
		// A client may have paired between the scan and the removal.
		if r.Paired() {
			continue
		}
		delete(h.rooms, code)
		metrics.ActivePairRooms.Dec()
		removed++
	}
	h.mu.Unlock()

	if removed > 0 {
		logging.Debug(context.Background(), "Removed expired pair rooms", zap.Int("count", removed))
	}
}

// RunCleanup sweeps expired rooms on the given interval until ctx is done.
func (h *Hub) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			h.CleanupExpired()
		}
	}
}
