// Package voice implements the transcription-buffering session store
// that bridges a streaming speech pipeline and the desktop agent. A
// session accumulates transcription chunks until triggered, then holds
// blocking chat requests until the agent posts its response.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/astation/relay/internal/v1/logging"
)

// State is the lifecycle phase of a voice session.
type State string

const (
	// StateAccumulating buffers transcriptions and answers chat
	// requests with empty completions.
	StateAccumulating State = "accumulating"
	// StateTriggered means the buffered text has been handed to the
	// agent; chat requests block until the response arrives.
	StateTriggered State = "triggered"
	// StateResponseReady means the agent's response is cached and the
	// next chat request consumes it.
	StateResponseReady State = "response_ready"
)

// InactivityTTL is how long a session survives without activity.
const InactivityTTL = 60 * time.Second

// Session is a snapshot of one voice session.
type Session struct {
	SessionID    string    `json:"session_id"`
	AtemID       string    `json:"atem_id"`
	Channel      string    `json:"channel"`
	State        State     `json:"state"`
	Buffer       []string  `json:"buffer"`
	Response     *string   `json:"response,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	RequestCount uint32    `json:"request_count"`
}

// AccumulatedText joins the buffered transcription chunks.
func (s Session) AccumulatedText() string {
	return strings.Join(s.Buffer, " ")
}

type sessionEntry struct {
	mu           sync.Mutex
	sessionID    string
	atemID       string
	channel      string
	state        State
	buffer       []string
	response     *string
	createdAt    time.Time
	lastActivity time.Time
	requestCount uint32
}

func (e *sessionEntry) snapshot() Session {
	buf := make([]string, len(e.buffer))
	copy(buf, e.buffer)
	var resp *string
	if e.response != nil {
		r := *e.response
		resp = &r
	}
	return Session{
		SessionID:    e.sessionID,
		AtemID:       e.atemID,
		Channel:      e.channel,
		State:        e.state,
		Buffer:       buf,
		Response:     resp,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
		RequestCount: e.requestCount,
	}
}

// Store holds voice sessions and the chat requests blocked on them.
// Waiter channels are buffered with capacity one so SetResponse never
// blocks on a waiter whose request already gave up.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	waitersMu sync.Mutex
	waiters   map[string][]chan string

	clock clock.WithTicker
}

// NewStore creates an empty Store. Pass clock.RealClock{} outside of tests.
func NewStore(clk clock.WithTicker) *Store {
	return &Store{
		sessions: make(map[string]*sessionEntry),
		waiters:  make(map[string][]chan string),
		clock:    clk,
	}
}

// Create registers a new session in the accumulating state.
func (s *Store) Create(sessionID, atemID, channel string) Session {
	now := s.clock.Now()
	e := &sessionEntry{
		sessionID:    sessionID,
		atemID:       atemID,
		channel:      channel,
		state:        StateAccumulating,
		createdAt:    now,
		lastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sessionID] = e
	s.mu.Unlock()

	logging.Info(context.Background(), "Voice session created",
		zap.String("session_id", sessionID), zap.String("atem_id", atemID),
		zap.String("channel", channel))
	return e.snapshot()
}

func (s *Store) entry(sessionID string) (*sessionEntry, bool) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	return e, ok
}

// Get returns a snapshot of the session.
func (s *Store) Get(sessionID string) (Session, bool) {
	e, ok := s.entry(sessionID)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// AddTranscription appends a chunk to the session buffer. Returns false
// if the session does not exist.
func (s *Store) AddTranscription(sessionID, text string) bool {
	e, ok := s.entry(sessionID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, text)
	e.lastActivity = s.clock.Now()
	return true
}

// Trigger transitions the session to triggered and returns the
// accumulated text. The buffer is kept; only the state changes.
func (s *Store) Trigger(sessionID string) (string, bool) {
	e, ok := s.entry(sessionID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateTriggered
	e.lastActivity = s.clock.Now()
	return strings.Join(e.buffer, " "), true
}

// SetResponse caches the agent's response, marks the session ready, and
// wakes every blocked chat request. The waiter list is cleared in the
// same step so late waiters never see a stale broadcast.
func (s *Store) SetResponse(sessionID, response string) bool {
	e, ok := s.entry(sessionID)
	if !ok {
		logging.Warn(context.Background(), "Response for unknown voice session",
			zap.String("session_id", sessionID))
		return false
	}

	e.mu.Lock()
	r := response
	e.response = &r
	e.state = StateResponseReady
	e.lastActivity = s.clock.Now()
	e.mu.Unlock()

	s.waitersMu.Lock()
	waiting := s.waiters[sessionID]
	delete(s.waiters, sessionID)
	s.waitersMu.Unlock()

	if len(waiting) > 0 {
		logging.Info(context.Background(), "Waking blocked chat requests",
			zap.String("session_id", sessionID), zap.Int("waiters", len(waiting)))
	}
	for _, ch := range waiting {
		ch <- response
	}
	return true
}

// RegisterWaiter returns a channel that receives the agent response for
// the session exactly once. Callers that stop waiting simply abandon
// the channel; its buffer absorbs the broadcast.
func (s *Store) RegisterWaiter(sessionID string) <-chan string {
	ch := make(chan string, 1)
	s.waitersMu.Lock()
	s.waiters[sessionID] = append(s.waiters[sessionID], ch)
	s.waitersMu.Unlock()
	return ch
}

// IncrementRequests bumps the session's request counter and returns the
// new value.
func (s *Store) IncrementRequests(sessionID string) (uint32, bool) {
	e, ok := s.entry(sessionID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestCount++
	return e.requestCount, true
}

// GetState returns the session's current state.
func (s *Store) GetState(sessionID string) (State, bool) {
	e, ok := s.entry(sessionID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	logging.Debug(context.Background(), "Voice session deleted",
		zap.String("session_id", sessionID))
}

// GetByAtem returns snapshots of every session owned by the given
// controller.
func (s *Store) GetByAtem(atemID string) []Session {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []Session
	for _, e := range entries {
		e.mu.Lock()
		if e.atemID == atemID {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// ListSessionIDs returns the ids of all live sessions.
func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CleanupExpired removes sessions inactive longer than InactivityTTL.
func (s *Store) CleanupExpired() {
	now := s.clock.Now()

	s.mu.RLock()
	var expired []string
	for id, e := range s.sessions {
		e.mu.Lock()
		if now.Sub(e.lastActivity) > InactivityTTL {
			expired = append(expired, id)
		}
		e.mu.Unlock()
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

	logging.Debug(context.Background(), "Removed inactive voice sessions",
		zap.Int("count", len(expired)))
}

// RunCleanup sweeps inactive sessions on the given interval until ctx is
// done.
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
