// Package fanout wires the cross-node bus to the document coordinators and
// awareness store: publishing local mutations outward and replaying remote
// ones back in, each tagged with the node that produced them so a node
// never re-applies its own writes.
package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/docsync"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
)

// awarenessRemote is the wire shape carried inside an awareness envelope's
// payload.
type awarenessRemote struct {
	ClientID string          `json:"clientId"`
	State    json.RawMessage `json:"state"`
	Clock    int64           `json:"clock"`
}

// deltaRemote is the wire shape carried inside a document delta envelope's
// payload.
type deltaRemote struct {
	Fields map[string]docsync.FieldRecord `json:"fields"`
	Clock  docsync.VectorClock            `json:"clock"`
}

// Fanout bridges internal/bus to internal/docsync and internal/awareness.
type Fanout struct {
	b        bus.Bus
	prefix   string
	nodeID   string
	docs     *docsync.Manager
	presence *awareness.Store
}

// New builds a Fanout. Call SubscribeDocument/SubscribeAwareness once per
// document the local node starts hosting.
func New(b bus.Bus, prefix, nodeID string, docs *docsync.Manager, presence *awareness.Store) *Fanout {
	return &Fanout{b: b, prefix: prefix, nodeID: nodeID, docs: docs, presence: presence}
}

// PublishDelta implements docsync.Publisher.
func (f *Fanout) PublishDelta(docID, writerID string, fields map[string]docsync.FieldRecord, vc docsync.VectorClock) {
	if f.b == nil {
		return
	}
	payload, err := json.Marshal(deltaRemote{Fields: fields, Clock: vc})
	if err != nil {
		return
	}
	env := bus.Envelope{OriginNode: f.nodeID, DocID: docID, WriterID: writerID, Payload: payload}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.b.Publish(ctx, bus.DocChannel(f.prefix, docID), env); err != nil {
		metrics.BusPublishFailuresTotal.WithLabelValues("doc").Inc()
		logger.Bus().Warn().Err(err).Str("docId", docID).Msg("publish delta failed")
	}
}

// PublishAwareness implements awareness.Publisher.
func (f *Fanout) PublishAwareness(docID, clientID string, state json.RawMessage, clockVal int64) {
	if f.b == nil {
		return
	}
	payload, err := json.Marshal(awarenessRemote{ClientID: clientID, State: state, Clock: clockVal})
	if err != nil {
		return
	}
	env := bus.Envelope{OriginNode: f.nodeID, DocID: docID, WriterID: clientID, Payload: payload}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.b.Publish(ctx, bus.AwarenessChannel(f.prefix, docID), env); err != nil {
		metrics.BusPublishFailuresTotal.WithLabelValues("awareness").Inc()
		logger.Bus().Warn().Err(err).Str("docId", docID).Msg("publish awareness failed")
	}
}

// SubscribeDocument subscribes to docID's delta channel, replaying remote
// envelopes into the local coordinator. Envelopes this node itself
// produced are dropped by origin tag.
func (f *Fanout) SubscribeDocument(ctx context.Context, docID string) (bus.Unsubscribe, error) {
	if f.b == nil {
		return func() {}, nil
	}
	return f.b.Subscribe(ctx, bus.DocChannel(f.prefix, docID), func(env bus.Envelope) {
		if env.OriginNode == f.nodeID {
			return
		}
		var remote deltaRemote
		if err := json.Unmarshal(env.Payload, &remote); err != nil {
			logger.Bus().Warn().Err(err).Msg("malformed delta envelope")
			return
		}
		coord, err := f.docs.Get(ctx, env.DocID)
		if err != nil {
			logger.Bus().Warn().Err(err).Str("docId", env.DocID).Msg("could not load coordinator for remote delta")
			return
		}
		delta := make(map[string]json.RawMessage, len(remote.Fields))
		for path, rec := range remote.Fields {
			delta[path] = rec.Value
		}
		coord.ApplyRemoteDelta(env.WriterID, delta, remote.Clock)
	})
}

// SubscribeAwareness subscribes to docID's awareness channel, replaying
// remote presence updates into the local store.
func (f *Fanout) SubscribeAwareness(ctx context.Context, docID string) (bus.Unsubscribe, error) {
	if f.b == nil {
		return func() {}, nil
	}
	return f.b.Subscribe(ctx, bus.AwarenessChannel(f.prefix, docID), func(env bus.Envelope) {
		if env.OriginNode == f.nodeID {
			return
		}
		var remote awarenessRemote
		if err := json.Unmarshal(env.Payload, &remote); err != nil {
			logger.Bus().Warn().Err(err).Msg("malformed awareness envelope")
			return
		}
		f.presence.Update("", env.DocID, remote.ClientID, remote.State, remote.Clock)
	})
}
