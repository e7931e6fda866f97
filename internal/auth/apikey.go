package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of generated API keys in bytes.
	APIKeyLength = 32
	// BcryptCost trades validation latency for brute-force resistance.
	BcryptCost = 12
)

// GenerateAPIKey returns a 64-character hex key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, APIKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashAPIKey bcrypt-hashes a key for storage.
func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(b), nil
}

// CompareAPIKey reports whether key matches hash.
func CompareAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ValidateAPIKeyFormat rejects keys that cannot possibly match anything,
// before paying for a bcrypt comparison.
func ValidateAPIKeyFormat(key string) error {
	if len(key) != APIKeyLength*2 {
		return fmt.Errorf("api key must be %d characters, got %d", APIKeyLength*2, len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("api key must be hexadecimal")
	}
	return nil
}

// APIKeyRecord is what an APIKeyStore returns for a successful lookup:
// the stored hash to compare against, plus the subject it grants.
type APIKeyRecord struct {
	Hash    string
	Subject Subject
}

// APIKeyStore looks up the record for an API key's identifying prefix.
// Implemented externally (e.g. backed by DocumentStore's own Postgres
// pool); the core only ever calls through this interface.
type APIKeyStore interface {
	Lookup(ctx context.Context, apiKey string) (*APIKeyRecord, error)
}

// APIKeyValidator is the TokenValidator implementation backing the
// "apiKey" field of the AUTH frame.
type APIKeyValidator struct {
	store APIKeyStore
}

// NewAPIKeyValidator builds a validator backed by store.
func NewAPIKeyValidator(store APIKeyStore) *APIKeyValidator {
	return &APIKeyValidator{store: store}
}

// ValidateAPIKey implements TokenValidator.
func (v *APIKeyValidator) ValidateAPIKey(ctx context.Context, apiKey string) (*Subject, error) {
	if err := ValidateAPIKeyFormat(apiKey); err != nil {
		return nil, &Invalid{Reason: err.Error()}
	}
	rec, err := v.store.Lookup(ctx, apiKey)
	if err != nil || rec == nil {
		return nil, &Invalid{Reason: "api key not found"}
	}
	if !CompareAPIKey(apiKey, rec.Hash) {
		return nil, &Invalid{Reason: "api key mismatch"}
	}
	subject := rec.Subject
	return &subject, nil
}

// ValidateToken is unsupported on an APIKeyValidator.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (*Subject, error) {
	return nil, &Invalid{Reason: "api key validator does not accept bearer tokens"}
}
