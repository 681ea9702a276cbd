// Package otp implements the authorization handshake between a host agent
// and the user approving it. A host requests a session and receives an
// 8-digit one-time password; the user grants or denies the session out of
// band; a grant mints a bearer token the host polls for.
package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/metrics"
	"github.com/astation/relay/internal/v1/token"
)

// SessionTTL is how long a pending session stays grantable.
const SessionTTL = 5 * time.Minute

// Status is the lifecycle state of an auth session.
type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusExpired Status = "expired"
)

// Session is an auth handshake keyed by a short numeric code.
// Token is set iff Status is granted.
type Session struct {
	ID        string    `json:"id"`
	OTP       string    `json:"otp"`
	Hostname  string    `json:"hostname"`
	Status    Status    `json:"status"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidOTP is returned when the supplied OTP does not match.
	ErrInvalidOTP = errors.New("invalid OTP")
	// ErrExpired is returned when a grant arrives after the session TTL.
	ErrExpired = errors.New("session has expired")
)

// StateError reports a grant/deny attempt on a session that is no longer
// pending. The first caller to finalize a session wins; later callers see this.
type StateError struct {
	Current Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session is already %s", e.Current)
}

// entry wraps a session with its own lock so concurrent grant/deny on one
// session serialize without blocking unrelated sessions.
type entry struct {
	mu      sync.Mutex
	session Session
}

// Store holds auth sessions in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	clock    clock.WithTicker
}

// NewStore creates an empty Store. Pass clock.RealClock{} outside of tests.
func NewStore(clk clock.WithTicker) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		clock:    clk,
	}
}

// Create registers a new pending session for the given hostname and
// returns it, OTP included.
func (s *Store) Create(hostname string) Session {
	now := s.clock.Now()
	session := Session{
		ID:        uuid.New().String(),
		OTP:       token.GenerateOTP(),
		Hostname:  hostname,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}

	s.mu.Lock()
	s.sessions[session.ID] = &entry{session: session}
	s.mu.Unlock()

	logging.Info(context.Background(), "Auth session created",
		zap.String("session_id", session.ID), zap.String("hostname", hostname))
	return session
}

// Get returns a snapshot of the session. A still-pending session past its
// TTL reads as expired; the stored record is not mutated.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	e.mu.Lock()
	snapshot := e.session
	e.mu.Unlock()

	if snapshot.Status == StatusPending && s.clock.Now().After(snapshot.ExpiresAt) {
		snapshot.Status = StatusExpired
	}
	return snapshot, true
}

// Grant validates the OTP and finalizes the session as granted, minting a
// bearer token. The status check, OTP comparison, and transition happen
// under the session's lock so a racing Deny observes a non-pending state.
func (s *Store) Grant(id, otpCode string) (Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != StatusPending {
		return Session{}, &StateError{Current: e.session.Status}
	}
	if e.session.OTP != otpCode {
		return Session{}, ErrInvalidOTP
	}
	if s.clock.Now().After(e.session.ExpiresAt) {
		return Session{}, ErrExpired
	}

	e.session.Status = StatusGranted
	e.session.Token = token.GenerateSessionToken()
	metrics.OTPSessionOutcomes.WithLabelValues("granted").Inc()

	logging.Info(context.Background(), "Auth session granted", zap.String("session_id", id))
	return e.session, nil
}

// Deny finalizes a pending session as denied.
func (s *Store) Deny(id string) (Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != StatusPending {
		return Session{}, &StateError{Current: e.session.Status}
	}

	e.session.Status = StatusDenied
	metrics.OTPSessionOutcomes.WithLabelValues("denied").Inc()

	logging.Info(context.Background(), "Auth session denied", zap.String("session_id", id))
	return e.session, nil
}

// Delete removes a session regardless of state. Returns whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// CleanupExpired removes sessions that are still pending past their TTL.
// Granted and denied sessions are retained; they carry the issued token
// until explicitly deleted.
func (s *Store) CleanupExpired() {
	now := s.clock.Now()

	// Snapshot ids first so the top-level lock is not held across entry locks.
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.mu.RLock()
		e, ok := s.sessions[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		expired := e.session.Status == StatusPending && now.After(e.session.ExpiresAt)
		e.mu.Unlock()

		if expired {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			metrics.OTPSessionOutcomes.WithLabelValues("expired").Inc()
			logging.Debug(context.Background(), "Removed expired auth session", zap.String("session_id", id))
		}
	}
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
