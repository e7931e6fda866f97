package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresAPIKeyStore implements APIKeyStore against a table of API key
// hashes and the permission sets they grant. Looked up by the key's first
// 16 hex characters so the lookup itself never needs a full bcrypt scan.
type PostgresAPIKeyStore struct {
	db *sql.DB
}

// NewPostgresAPIKeyStore wraps an existing connection pool.
func NewPostgresAPIKeyStore(db *sql.DB) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

// Migrate creates the api_keys table if it does not already exist.
func (s *PostgresAPIKeyStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			key_prefix   TEXT PRIMARY KEY,
			key_hash     TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			client_id    TEXT NOT NULL,
			can_read     JSONB NOT NULL DEFAULT '[]',
			can_write    JSONB NOT NULL DEFAULT '[]',
			is_admin     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate api_keys: %w", err)
	}
	return nil
}

// Lookup implements auth.APIKeyStore.
func (s *PostgresAPIKeyStore) Lookup(ctx context.Context, apiKey string) (*APIKeyRecord, error) {
	if len(apiKey) < 16 {
		return nil, &Invalid{Reason: "api key too short"}
	}
	prefix := apiKey[:16]

	var (
		hash, userID, clientID string
		canReadRaw, canWriteRaw json.RawMessage
		isAdmin                bool
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT key_hash, user_id, client_id, can_read, can_write, is_admin
		FROM api_keys WHERE key_prefix = $1
	`, prefix)
	if err := row.Scan(&hash, &userID, &clientID, &canReadRaw, &canWriteRaw, &isAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	var canRead, canWrite []string
	if err := json.Unmarshal(canReadRaw, &canRead); err != nil {
		return nil, fmt.Errorf("decode can_read: %w", err)
	}
	if err := json.Unmarshal(canWriteRaw, &canWrite); err != nil {
		return nil, fmt.Errorf("decode can_write: %w", err)
	}

	return &APIKeyRecord{
		Hash: hash,
		Subject: Subject{
			UserID:      userID,
			ClientID:    clientID,
			Permissions: Permissions{CanRead: canRead, CanWrite: canWrite, IsAdmin: isAdmin},
		},
	}, nil
}

// Insert stores a newly generated API key's hash and grant, keyed by its
// prefix. Intended for an operator-facing provisioning path, not the hot
// auth path.
func (s *PostgresAPIKeyStore) Insert(ctx context.Context, apiKey, hash string, subject Subject) error {
	if len(apiKey) < 16 {
		return fmt.Errorf("api key too short")
	}
	canRead, err := json.Marshal(subject.Permissions.CanRead)
	if err != nil {
		return err
	}
	canWrite, err := json.Marshal(subject.Permissions.CanWrite)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_prefix, key_hash, user_id, client_id, can_read, can_write, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, apiKey[:16], hash, subject.UserID, subject.ClientID, canRead, canWrite, subject.Permissions.IsAdmin)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}
