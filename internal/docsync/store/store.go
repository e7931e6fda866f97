// Package store defines the DocumentStore capability consumed by the sync
// coordinator and supplies a reference Postgres-backed implementation.
//
// DocumentStore is, per the coordination core's design, an external
// collaborator: the coordinator only ever calls through this interface and
// never assumes Postgres specifically.
package store

import (
	"context"

	"github.com/matthewcorven/synckit-sub003/internal/docsync"
)

// DocumentStore persists authoritative document state.
type DocumentStore interface {
	// Load returns the persisted state for docId, or an empty state if the
	// document has never been written.
	Load(ctx context.Context, docID string) (*docsync.State, error)

	// ApplyDelta persists the given (already LWW-resolved) field records
	// and the document's updated vector clock. Implementations must be
	// idempotent on (docId, field, writerId, counter, timestamp): applying
	// the same record twice must not double-apply or error.
	ApplyDelta(ctx context.Context, docID string, fields map[string]docsync.FieldRecord, vc docsync.VectorClock) error

	// ListDocuments returns every document id known to the store.
	ListDocuments(ctx context.Context) ([]string, error)
}
