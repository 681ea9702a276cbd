package otp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestCreate(t *testing.T) {
	store := NewStore(clock.RealClock{})
	session := store.Create("my-machine")

	assert.NotEmpty(t, session.ID)
	assert.Len(t, session.OTP, 8)
	assert.Equal(t, "my-machine", session.Hostname)
	assert.Equal(t, StatusPending, session.Status)
	assert.Empty(t, session.Token)
	assert.Equal(t, SessionTTL, session.ExpiresAt.Sub(session.CreatedAt))
}

func TestGet_NotFound(t *testing.T) {
	store := NewStore(clock.RealClock{})
	_, ok := store.Get("nonexistent")
	assert.False(t, ok)
}

func TestGet_EffectiveExpiry(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	store := NewStore(fake)
	session := store.Create("host")

	got, ok := store.Get(session.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)

	fake.Step(SessionTTL + time.Second)

	got, ok = store.Get(session.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)

	// The stored record is untouched; a granted read after janitor-less
	// expiry still reports expired, not pending.
	got, _ = store.Get(session.ID)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestGrant_Success(t *testing.T) {
	store := NewStore(clock.RealClock{})
	session := store.Create("host")

	granted, err := store.Grant(session.ID, session.OTP)
	require.NoError(t, err)
	assert.Equal(t, StatusGranted, granted.Status)
	assert.Len(t, granted.Token, 64)
}

func TestGrant_WrongOTP(t *testing.T) {
	store := NewStore(clock.RealClock{})
	session := store.Create("host")

	_, err := store.Grant(session.ID, "00000000")
	assert.ErrorIs(t, err, ErrInvalidOTP)

	// Still pending afterwards.
	got, _ := store.Get(session.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestGrant_NotFound(t *testing.T) {
	store := NewStore(clock.RealClock{})
	_, err := store.Grant("nonexistent", "12345678")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGrant_Expired(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	store := NewStore(fake)
	session := store.Create("host")

	fake.Step(SessionTTL + time.Second)

	_, err := store.Grant(session.ID, session.OTP)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestGrant_AlreadyGranted(t *testing.T) {
	store := NewStore(clock.RealClock{})
	session := store.Create("host")

	_, err := store.Grant(session.ID, session.OTP)
	require.NoError(t, err)

	_, err = store.Grant(session.ID, session.OTP)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusGranted, stateErr.Current)
}

func TestDeny(t *testing.T) {
	store := NewStore(clock.RealClock{})
	session := store.Create("host")

	denied, err := store.Deny(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, denied.Status)
	assert.Empty(t, denied.Token)

	// Grant after deny conflicts.
	_, err = store.Grant(session.ID, session.OTP)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusDenied, stateErr.Current)
}

func TestDeny_NotFound(t *testing.T) {
	store := NewStore(clock.RealClock{})
	_, err := store.Deny("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Grant and deny race on one session: exactly one wins, the other sees a
// state conflict.
func TestGrantDenyRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := NewStore(clock.RealClock{})
		session := store.Create("host")

		var wg sync.WaitGroup
		var grantErr, denyErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, grantErr = store.Grant(session.ID, session.OTP)
		}()
		go func() {
			defer wg.Done()
			_, denyErr = store.Deny(session.ID)
		}()
		wg.Wait()

		if grantErr == nil {
			var stateErr *StateError
			assert.ErrorAs(t, denyErr, &stateErr)
		} else {
			assert.NoError(t, denyErr)
			var stateErr *StateError
			assert.ErrorAs(t, grantErr, &stateErr)
		}

		got, _ := store.Get(session.ID)
		assert.Contains(t, []Status{StatusGranted, StatusDenied}, got.Status)
	}
}

func TestDelete(t *testing.T) {
	store := NewStore(clock.RealClock{})
	session := store.Create("host")

	assert.True(t, store.Delete(session.ID))
	assert.False(t, store.Delete(session.ID))

	_, ok := store.Get(session.ID)
	assert.False(t, ok)
}

func TestCleanupExpired(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	store := NewStore(fake)

	stale := store.Create("stale")
	granted := store.Create("granted")
	_, err := store.Grant(granted.ID, granted.OTP)
	require.NoError(t, err)

	fake.Step(SessionTTL + time.Second)
	fresh := store.Create("fresh")

	store.CleanupExpired()

	_, ok := store.Get(stale.ID)
	assert.False(t, ok, "expired pending session should be removed")

	// Granted sessions are retained indefinitely.
	got, ok := store.Get(granted.ID)
	require.True(t, ok)
	assert.Equal(t, StatusGranted, got.Status)

	_, ok = store.Get(fresh.ID)
	assert.True(t, ok)
}

func TestConcurrentCreateAndGet(t *testing.T) {
	store := NewStore(clock.RealClock{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := store.Create("host")
			got, ok := store.Get(s.ID)
			assert.True(t, ok)
			assert.Equal(t, s.ID, got.ID)
		}()
	}
	wg.Wait()
}
