// Package rtc implements the registry of short-lived multi-party RTC
// sessions. A session carries the channel credentials participants need
// and allocates each joiner a unique uid from a monotonic counter, capped
// at MaxParticipants.
package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
)

const (
	// MaxParticipants is the hard cap per session, host included.
	MaxParticipants = 8
	// SessionTTL is the lifetime of a session from creation.
	SessionTTL = 4 * time.Hour
	// uidBase is the first uid handed to a joiner.
	uidBase = 1000
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionFull is returned when a join would exceed MaxParticipants.
	ErrSessionFull = errors.New("session is full (maximum 8 participants)")
)

// Participant records one joiner of a session.
type Participant struct {
	UID         uint32    `json:"uid"`
	DisplayName string    `json:"display_name,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Session is a read-only snapshot of a registered session.
type Session struct {
	ID           string
	AppID        string
	Channel      string
	Token        string
	HostUID      uint32
	UIDCounter   uint32
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Participants []Participant
}

// JoinInfo is what a successful join returns: the credentials the joiner
// needs to enter the channel.
type JoinInfo struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	UID     uint32 `json:"uid"`
	Name    string `json:"name"`
}

// sessionEntry is the mutable record. The uid counter is atomic, but the
// cap check, increment, and participant append share the entry's write
// lock: the bound is on the participant list, not the counter.
type sessionEntry struct {
	mu           sync.RWMutex
	id           string
	appID        string
	channel      string
	token        string
	hostUID      uint32
	uidCounter   atomic.Uint32
	createdAt    time.Time
	expiresAt    time.Time
	participants []Participant
}

func (e *sessionEntry) snapshot() Session {
	parts := make([]Participant, len(e.participants))
	copy(parts, e.participants)
	return Session{
		ID:           e.id,
		AppID:        e.appID,
		Channel:      e.channel,
		Token:        e.token,
		HostUID:      e.hostUID,
		UIDCounter:   e.uidCounter.Load(),
		CreatedAt:    e.createdAt,
		ExpiresAt:    e.expiresAt,
		Participants: parts,
	}
}

// Store holds RTC sessions in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	clock    clock.WithTicker
}

// NewStore creates an empty Store. Pass clock.RealClock{} outside of tests.
func NewStore(clk clock.WithTicker) *Store {
	return &Store{
		sessions: make(map[string]*sessionEntry),
		clock:    clk,
	}
}

// Create registers a session under the given id and returns a snapshot.
func (s *Store) Create(id, appID, channel, token string, hostUID uint32) Session {
	now := s.clock.Now()
	e := &sessionEntry{
		id:        id,
		appID:     appID,
		channel:   channel,
		token:     token,
		hostUID:   hostUID,
		createdAt: now,
		expiresAt: now.Add(SessionTTL),
	}
	e.uidCounter.Store(uidBase)

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	logging.Info(context.Background(), "RTC session created",
		zap.String("session_id", id), zap.String("channel", channel))
	return e.snapshot()
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot(), true
}

// Join adds a participant and returns the channel credentials. The cap is
// enforced in the same critical section as the uid allocation, so a burst
// of concurrent joins yields exactly the remaining capacity in successes,
// each with a distinct uid.
func (s *Store) Join(id, name string) (JoinInfo, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return JoinInfo{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.participants) >= MaxParticipants {
		metrics.RTCSessionJoins.WithLabelValues("full").Inc()
		return JoinInfo{}, ErrSessionFull
	}

	uid := e.uidCounter.Load()
	e.uidCounter.Add(1)
	e.participants = append(e.participants, Participant{
		UID:         uid,
		DisplayName: name,
		JoinedAt:    s.clock.Now(),
	})

	metrics.RTCSessionJoins.WithLabelValues("ok").Inc()
	logging.Info(context.Background(), "Participant joined RTC session",
		zap.String("session_id", id), zap.Uint32("uid", uid),
		zap.Int("participants", len(e.participants)))

	return JoinInfo{
		AppID:   e.appID,
		Channel: e.channel,
		Token:   e.token,
		UID:     uid,
		Name:    name,
	}, nil
}

// Delete removes a session. Returns whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// CleanupExpired removes sessions past their expiry. Expiry is purely
// time-based; participant count does not extend it.
func (s *Store) CleanupExpired() {
	now := s.clock.Now()

	s.mu.RLock()
	var expired []string
	for id, e := range s.sessions {
		e.mu.RLock()
		if now.After(e.expiresAt) {
			expired = append(expired, id)
		}
		e.mu.RUnlock()
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	logging.Debug(context.Background(), "Removed expired RTC sessions", zap.Int("count", len(expired)))
}

// RunCleanup sweeps expired sessions on the given interval until ctx is done.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.CleanupExpired()
		}
	}
}
