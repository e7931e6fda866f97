// Package bus implements the cross-node pub/sub fan-out capability: the
// Bus interface, an envelope format with origin-node tagging for loop
// prevention, and two concrete transports (NATS for document channels,
// Redis for awareness channels) demonstrating the capability is
// transport-agnostic.
package bus

import (
	"context"
	"encoding/json"
)

// Envelope is a bus message carrying a delta or awareness update plus the
// origin-node tag used for loop prevention.
type Envelope struct {
	OriginNode string          `json:"originNode"`
	DocID      string          `json:"docId"`
	WriterID   string          `json:"writerId"`
	Payload    json.RawMessage `json:"payload"`
}

// Bus is the pub/sub capability consumed by the coordinator and awareness
// store. Delivery is at-least-once with no ordering guarantee across
// channels; callers must be idempotent under redelivery and duplication.
type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(ctx context.Context, channel string, handler func(Envelope)) (Unsubscribe, error)
}

// Unsubscribe cancels a prior Subscribe call.
type Unsubscribe func()

// DocChannel returns the channel name for a document's delta fan-out,
// namespaced by prefix for multi-tenant deployments.
func DocChannel(prefix, docID string) string {
	return prefix + ".doc." + docID
}

// AwarenessChannel returns the channel name for a document's awareness
// fan-out.
func AwarenessChannel(prefix, docID string) string {
	return prefix + ".awareness." + docID
}
