package auth

import (
	"context"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/cache"
)

// SessionStore tracks revoked token ids in Redis so an operator-forced
// logout is honored on a subject's next AUTH frame. It intentionally does
// not tear down existing live connections — that would require a
// server-initiated disconnect fan-out the core does not implement.
type SessionStore struct {
	cache *cache.Cache
}

// NewSessionStore wraps an existing cache client.
func NewSessionStore(c *cache.Cache) *SessionStore {
	return &SessionStore{cache: c}
}

// Revoke marks jti as revoked for ttl (normally the remaining lifetime of
// the token it names). A disabled cache makes this a silent no-op, same
// as the rest of this store's degraded-mode behavior.
func (s *SessionStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if !s.cache.IsEnabled() {
		return nil
	}
	return s.cache.Set(ctx, cache.RevokedJTIKey(jti), true, ttl)
}

// IsRevoked implements auth.RevocationChecker.
func (s *SessionStore) IsRevoked(ctx context.Context, jti string) bool {
	if !s.cache.IsEnabled() || jti == "" {
		return false
	}
	ok, err := s.cache.Exists(ctx, cache.RevokedJTIKey(jti))
	if err != nil {
		return false
	}
	return ok
}
