package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/matthewcorven/synckit-sub003/internal/docsync"
)

// Config holds Postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
var identRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateConfig(c Config) error {
	if c.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(c.Host) == nil && !hostnameRegex.MatchString(c.Host) {
		return fmt.Errorf("invalid database host: %s", c.Host)
	}
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s", c.Port)
	}
	if !identRegex.MatchString(c.User) {
		return fmt.Errorf("invalid database user: %s", c.User)
	}
	if !identRegex.MatchString(c.DBName) {
		return fmt.Errorf("invalid database name: %s", c.DBName)
	}
	switch c.SSLMode {
	case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
	}
	return nil
}

// Postgres is the reference DocumentStore implementation.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pooled connection and verifies it with a ping.
func NewPostgres(cfg Config) (*Postgres, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresForTesting wraps an existing *sql.DB (typically a sqlmock
// connection) for use in tests. Not for production use.
func NewPostgresForTesting(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// DB exposes the underlying pool so other stores (API keys, sessions) can
// share one set of connections instead of opening their own.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Migrate creates the schema if absent: a write log for idempotency and a
// current-value table per (doc, field).
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS document_field_writes (
			doc_id TEXT NOT NULL,
			field_path TEXT NOT NULL,
			writer_id TEXT NOT NULL,
			counter BIGINT NOT NULL,
			timestamp BIGINT NOT NULL,
			value JSONB,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (doc_id, field_path, writer_id, counter, timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS document_fields (
			doc_id TEXT NOT NULL,
			field_path TEXT NOT NULL,
			value JSONB,
			timestamp BIGINT NOT NULL,
			counter BIGINT NOT NULL,
			writer_id TEXT NOT NULL,
			PRIMARY KEY (doc_id, field_path)
		)`,
		`CREATE TABLE IF NOT EXISTS document_clocks (
			doc_id TEXT NOT NULL,
			writer_id TEXT NOT NULL,
			counter BIGINT NOT NULL,
			PRIMARY KEY (doc_id, writer_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Load returns the persisted state for docID, or an empty state if none.
func (p *Postgres) Load(ctx context.Context, docID string) (*docsync.State, error) {
	state := docsync.NewState(docID)

	fieldRows, err := p.db.QueryContext(ctx,
		`SELECT field_path, value, timestamp, counter, writer_id FROM document_fields WHERE doc_id = $1`, docID)
	if err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	defer fieldRows.Close()
	for fieldRows.Next() {
		var path, writerID string
		var value []byte
		var ts, counter int64
		if err := fieldRows.Scan(&path, &value, &ts, &counter, &writerID); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		state.Fields[path] = docsync.FieldRecord{
			Value:     json.RawMessage(value),
			Timestamp: ts,
			Counter:   counter,
			WriterID:  writerID,
		}
	}
	if err := fieldRows.Err(); err != nil {
		return nil, err
	}

	clockRows, err := p.db.QueryContext(ctx,
		`SELECT writer_id, counter FROM document_clocks WHERE doc_id = $1`, docID)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	defer clockRows.Close()
	for clockRows.Next() {
		var writerID string
		var counter int64
		if err := clockRows.Scan(&writerID, &counter); err != nil {
			return nil, fmt.Errorf("scan clock: %w", err)
		}
		state.Clock[writerID] = counter
	}
	return state, clockRows.Err()
}

// ApplyDelta persists changed fields and the updated clock inside a single
// transaction. The write-log insert is a no-op on conflict, making the
// whole call idempotent under retried delivery.
func (p *Postgres) ApplyDelta(ctx context.Context, docID string, fields map[string]docsync.FieldRecord, vc docsync.VectorClock) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for path, rec := range fields {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO document_field_writes (doc_id, field_path, writer_id, counter, timestamp, value)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (doc_id, field_path, writer_id, counter, timestamp) DO NOTHING`,
			docID, path, rec.WriterID, rec.Counter, rec.Timestamp, []byte(rec.Value))
		if err != nil {
			return fmt.Errorf("insert write log: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Already applied under this idempotency key.
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_fields (doc_id, field_path, value, timestamp, counter, writer_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (doc_id, field_path) DO UPDATE SET
				value = EXCLUDED.value,
				timestamp = EXCLUDED.timestamp,
				counter = EXCLUDED.counter,
				writer_id = EXCLUDED.writer_id
			WHERE document_fields.timestamp < EXCLUDED.timestamp
				OR (document_fields.timestamp = EXCLUDED.timestamp AND document_fields.counter < EXCLUDED.counter)
				OR (document_fields.timestamp = EXCLUDED.timestamp AND document_fields.counter = EXCLUDED.counter AND document_fields.writer_id < EXCLUDED.writer_id)`,
			docID, path, []byte(rec.Value), rec.Timestamp, rec.Counter, rec.WriterID); err != nil {
			return fmt.Errorf("upsert field: %w", err)
		}
	}

	for writerID, counter := range vc {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_clocks (doc_id, writer_id, counter)
			VALUES ($1, $2, $3)
			ON CONFLICT (doc_id, writer_id) DO UPDATE SET
				counter = GREATEST(document_clocks.counter, EXCLUDED.counter)`,
			docID, writerID, counter); err != nil {
			return fmt.Errorf("upsert clock: %w", err)
		}
	}

	return tx.Commit()
}

// ListDocuments returns every document id with at least one persisted
// field.
func (p *Postgres) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT doc_id FROM document_fields`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
