package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := kvstore.Connect(context.Background(), kvstore.Config{
		Host:   mr.Host(),
		Port:   mr.Port(),
		Prefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewManager(kv)
}

func TestCreateAndLookup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(1), created.SessionID)
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, "u1", created.User)

	bySecret, err := m.LookupBySecret(ctx, created.Secret)
	require.NoError(t, err)
	require.NotNil(t, bySecret)
	assert.Equal(t, created.SessionID, bySecret.SessionID)
	assert.Equal(t, created.Secret, bySecret.Secret)
	assert.Equal(t, created.IPAddress, bySecret.IPAddress)
	assert.Equal(t, created.User, bySecret.User)

	byID, err := m.LookupByID(ctx, created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, *bySecret, *byID)

	byUser, err := m.LookupByUsername(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, byUser)
	assert.Equal(t, *bySecret, *byUser)
}

func TestLookupMissing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.LookupByID(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = m.LookupBySecret(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = m.LookupByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, s))

	byID, err := m.LookupByID(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Nil(t, byID)

	bySecret, err := m.LookupBySecret(ctx, s.Secret)
	require.NoError(t, err)
	assert.Nil(t, bySecret)

	byUser, err := m.LookupByUsername(ctx, s.User)
	require.NoError(t, err)
	assert.Nil(t, byUser)
}

func TestReauthenticationInvalidatesPriorSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)
	second, err := m.Create(ctx, "10.0.0.3", "u1")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.Secret, second.Secret)

	// First session is gone; only the new one resolves.
	stale, err := m.LookupBySecret(ctx, first.Secret)
	require.NoError(t, err)
	assert.Nil(t, stale)

	byUser, err := m.LookupByUsername(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, byUser)
	assert.Equal(t, second.SessionID, byUser.SessionID)
}

func TestSessionIDsAreMonotonic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var last int64
	for i, user := range []string{"a", "b", "c"} {
		s, err := m.Create(ctx, "127.0.0.1", user)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), s.SessionID)
		assert.Greater(t, s.SessionID, last)
		last = s.SessionID
	}
}

func TestRefresh(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)

	before := s.LastAccessed
	ok, err := m.Refresh(ctx, s)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, s.LastAccessed.Before(before))

	// Secret mismatch against the persisted copy fails the refresh.
	forged := *s
	forged.Secret = "0000"
	ok, err = m.Refresh(ctx, &forged)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshExpired(t *testing.T) {
	m := newTestManager(t)
	m.SetTTL(time.Millisecond)
	ctx := context.Background()

	s, err := m.Create(ctx, "10.0.0.2", "u1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	ok, err := m.Refresh(ctx, s)
	require.NoError(t, err)
	assert.False(t, ok)
}
