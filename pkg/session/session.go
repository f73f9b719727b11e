package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// DefaultTTL is how long a session stays valid without a refresh
const DefaultTTL = 30 * 24 * time.Hour

// Manager creates, looks up, refreshes and removes authenticated sessions
type Manager struct {
	kv     *kvstore.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a session manager over the KV gateway
func NewManager(kv *kvstore.Client) *Manager {
	return &Manager{
		kv:     kv,
		ttl:    DefaultTTL,
		logger: log.WithComponent("session"),
	}
}

// SetTTL overrides the session expiration window
func (m *Manager) SetTTL(ttl time.Duration) {
	m.ttl = ttl
}

// Create authenticates nothing itself; it records a session for a user
// the caller has already authenticated. Any prior session for the same
// user is removed first, so at most one session per user exists.
func (m *Manager) Create(ctx context.Context, ip, user string) (*types.Session, error) {
	if prior, err := m.LookupByUsername(ctx, user); err != nil {
		return nil, err
	} else if prior != nil {
		if err := m.Remove(ctx, prior); err != nil {
			return nil, fmt.Errorf("failed to invalidate prior session for %s: %w", user, err)
		}
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &types.Session{
		Secret:       secret,
		Created:      now,
		LastAccessed: now,
		IPAddress:    ip,
		User:         user,
	}

	counterKey := m.kv.NextSessionIDKey()
	err = m.kv.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, counterKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}

		// Skip over ids whose hash already exists (manually seeded ids
		// burn a counter value rather than colliding).
		next := current + 1
		for {
			n, err := tx.Exists(ctx, m.kv.SessionKey(strconv.FormatInt(next, 10))).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			next++
		}
		session.SessionID = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			id := strconv.FormatInt(next, 10)
			pipe.Set(ctx, counterKey, next, 0)
			pipe.HSet(ctx, m.kv.SessionKey(id), sessionToMap(session))
			pipe.HSet(ctx, m.kv.SecretsIndexKey(), session.Secret, id)
			pipe.HSet(ctx, m.kv.UsersIndexKey(), session.User, id)
			return nil
		})
		return err
	}, counterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	m.logger.Info().Int64("session_id", session.SessionID).
		Str("user", user).Str("ip", ip).Msg("Session created")
	return session, nil
}

// LookupByID returns the session with the given id, or nil if absent
func (m *Manager) LookupByID(ctx context.Context, id int64) (*types.Session, error) {
	fields, err := m.kv.HGetAll(ctx, m.kv.SessionKey(strconv.FormatInt(id, 10)))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return sessionFromMap(fields)
}

// LookupBySecret resolves a secret through the reverse index
func (m *Manager) LookupBySecret(ctx context.Context, secret string) (*types.Session, error) {
	id, err := m.kv.HGet(ctx, m.kv.SecretsIndexKey(), secret)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt secret index entry %q: %w", id, err)
	}
	return m.LookupByID(ctx, n)
}

// LookupByUsername resolves a username through the reverse index
func (m *Manager) LookupByUsername(ctx context.Context, user string) (*types.Session, error) {
	id, err := m.kv.HGet(ctx, m.kv.UsersIndexKey(), user)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt user index entry %q: %w", id, err)
	}
	return m.LookupByID(ctx, n)
}

// Refresh updates last_accessed. It fails if the session has expired or
// the caller's secret no longer matches the persisted copy.
func (m *Manager) Refresh(ctx context.Context, s *types.Session) (bool, error) {
	if m.Expired(s) {
		return false, nil
	}
	persisted, err := m.LookupByID(ctx, s.SessionID)
	if err != nil {
		return false, err
	}
	if persisted == nil || persisted.Secret != s.Secret {
		return false, nil
	}

	s.LastAccessed = time.Now().UTC()
	key := m.kv.SessionKey(strconv.FormatInt(s.SessionID, 10))
	if err := m.kv.HSet(ctx, key, map[string]any{
		"last_accessed": s.LastAccessed.Format(time.RFC3339Nano),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the session hash and both reverse-lookup entries in
// one pipeline.
func (m *Manager) Remove(ctx context.Context, s *types.Session) error {
	id := strconv.FormatInt(s.SessionID, 10)
	err := m.kv.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.kv.SessionKey(id))
		pipe.HDel(ctx, m.kv.SecretsIndexKey(), s.Secret)
		pipe.HDel(ctx, m.kv.UsersIndexKey(), s.User)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove session %d: %w", s.SessionID, err)
	}
	metrics.ActiveSessions.Dec()
	m.logger.Info().Int64("session_id", s.SessionID).Str("user", s.User).
		Msg("Session removed")
	return nil
}

// Expired reports whether the session has outlived its TTL
func (m *Manager) Expired(s *types.Session) bool {
	return time.Since(s.LastAccessed) > m.ttl
}

// newSecret returns the hex SHA-256 digest of a fresh random value
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

func sessionToMap(s *types.Session) map[string]any {
	return map[string]any{
		"session_id":     s.SessionID,
		"session_secret": s.Secret,
		"created":        s.Created.Format(time.RFC3339Nano),
		"last_accessed":  s.LastAccessed.Format(time.RFC3339Nano),
		"ip_address":     s.IPAddress,
		"user":           s.User,
	}
}

func sessionFromMap(fields map[string]string) (*types.Session, error) {
	id, err := strconv.ParseInt(fields["session_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session created timestamp: %w", err)
	}
	accessed, err := time.Parse(time.RFC3339Nano, fields["last_accessed"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session last_accessed timestamp: %w", err)
	}
	return &types.Session{
		SessionID:    id,
		Secret:       fields["session_secret"],
		Created:      created,
		LastAccessed: accessed,
		IPAddress:    fields["ip_address"],
		User:         fields["user"],
	}, nil
}
