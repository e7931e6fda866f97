package cache

import "fmt"

// SessionKey returns the cache key for a session id, mirroring the
// "{prefix}:{resource}:{identifier}" convention used throughout this
// cache's call sites.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// RevokedUserPattern returns the pattern matching every session key for a
// user, for bulk invalidation on forced logout.
func RevokedUserPattern(userID string) string {
	return fmt.Sprintf("session:user:%s:*", userID)
}

// RevokedJTIKey returns the cache key marking a specific JWT id as
// revoked.
func RevokedJTIKey(jti string) string {
	return fmt.Sprintf("revoked:jti:%s", jti)
}
