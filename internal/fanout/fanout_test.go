package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/docsync"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMs() int64 { c.ms++; return c.ms }

type fakeStore struct {
	mu      sync.Mutex
	applied []map[string]docsync.FieldRecord
}

func (s *fakeStore) Load(ctx context.Context, docID string) (*docsync.State, error) {
	return docsync.NewState(docID), nil
}

func (s *fakeStore) ApplyDelta(ctx context.Context, docID string, fields map[string]docsync.FieldRecord, vc docsync.VectorClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, fields)
	return nil
}

func (s *fakeStore) ListDocuments(ctx context.Context) ([]string, error) { return nil, nil }

type fakeBroadcaster struct{}

func (fakeBroadcaster) Broadcast(docID string, m *protocol.Message, excludeConnID string) {}

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []*protocol.Message
}

func (c *fakeConn) ID() string              { return c.id }
func (c *fakeConn) Format() protocol.Format { return protocol.FormatText }
func (c *fakeConn) Send(_ protocol.Format, m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}
func (c *fakeConn) CloseDueToServerError(reason string) {}
func (c *fakeConn) lastSent() *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// fakeBus is an in-memory bus.Bus: Publish only records the envelope, and
// deliver hands an envelope synchronously to the handler registered on its
// channel via Subscribe.
type fakeBus struct {
	mu        sync.Mutex
	published []struct {
		channel string
		env     bus.Envelope
	}
	handlers map[string]func(bus.Envelope)
}

func newFakeBus() *fakeBus { return &fakeBus{handlers: make(map[string]func(bus.Envelope))} }

func (b *fakeBus) Publish(ctx context.Context, channel string, env bus.Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, struct {
		channel string
		env     bus.Envelope
	}{channel, env})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string, handler func(bus.Envelope)) (bus.Unsubscribe, error) {
	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, channel)
		b.mu.Unlock()
	}, nil
}

// deliver invokes channel's registered handler directly, simulating a
// remote node's publish arriving over the wire.
func (b *fakeBus) deliver(channel string, env bus.Envelope) {
	b.mu.Lock()
	h := b.handlers[channel]
	b.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPublishDeltaTagsOriginNodeAndMarshalsFields(t *testing.T) {
	b := newFakeBus()
	docs := docsync.NewManager(docsync.Config{QueueDepth: 8, RetryAttempts: 1}, &fakeStore{}, fakeBroadcaster{}, nil, &fakeClock{})
	presence := awareness.New(time.Minute, &fakeClock{}, nil)
	f := New(b, "sync", "node-a", docs, presence)

	fields := map[string]docsync.FieldRecord{"title": {Value: json.RawMessage(`"hi"`), Timestamp: 1, WriterID: "w1"}}
	f.PublishDelta("doc-1", "w1", fields, docsync.VectorClock{"w1": 1})

	require.Len(t, b.published, 1)
	require.Equal(t, "sync.doc.doc-1", b.published[0].channel)
	require.Equal(t, "node-a", b.published[0].env.OriginNode)
	require.Equal(t, "w1", b.published[0].env.WriterID)

	var decoded deltaRemote
	require.NoError(t, json.Unmarshal(b.published[0].env.Payload, &decoded))
	require.Equal(t, int64(1), decoded.Clock["w1"])
}

func TestSubscribeDocumentDropsSelfOriginEnvelopes(t *testing.T) {
	b := newFakeBus()
	st := &fakeStore{}
	docs := docsync.NewManager(docsync.Config{QueueDepth: 8, RetryAttempts: 1}, st, fakeBroadcaster{}, nil, &fakeClock{})
	presence := awareness.New(time.Minute, &fakeClock{}, nil)
	f := New(b, "sync", "node-a", docs, presence)

	_, err := f.SubscribeDocument(context.Background(), "doc-1")
	require.NoError(t, err)

	payload, err := json.Marshal(deltaRemote{
		Fields: map[string]docsync.FieldRecord{"title": {Value: json.RawMessage(`"self"`), WriterID: "node-a"}},
		Clock:  docsync.VectorClock{"node-a": 1},
	})
	require.NoError(t, err)
	b.deliver("sync.doc.doc-1", bus.Envelope{OriginNode: "node-a", DocID: "doc-1", Payload: payload})

	// Self-origin envelopes must never reach the store.
	time.Sleep(10 * time.Millisecond)
	st.mu.Lock()
	require.Empty(t, st.applied)
	st.mu.Unlock()
}

func TestSubscribeDocumentReplaysRemoteDelta(t *testing.T) {
	b := newFakeBus()
	st := &fakeStore{}
	docs := docsync.NewManager(docsync.Config{QueueDepth: 8, RetryAttempts: 1}, st, fakeBroadcaster{}, nil, &fakeClock{})
	presence := awareness.New(time.Minute, &fakeClock{}, nil)
	f := New(b, "sync", "node-a", docs, presence)

	_, err := f.SubscribeDocument(context.Background(), "doc-1")
	require.NoError(t, err)

	payload, err := json.Marshal(deltaRemote{
		Fields: map[string]docsync.FieldRecord{"title": {Value: json.RawMessage(`"remote"`), WriterID: "node-b"}},
		Clock:  docsync.VectorClock{"node-b": 1},
	})
	require.NoError(t, err)
	b.deliver("sync.doc.doc-1", bus.Envelope{OriginNode: "node-b", DocID: "doc-1", WriterID: "node-b", Payload: payload})

	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.applied) == 1
	})
}

func TestPublishAwarenessTagsOriginNode(t *testing.T) {
	b := newFakeBus()
	docs := docsync.NewManager(docsync.Config{QueueDepth: 8, RetryAttempts: 1}, &fakeStore{}, fakeBroadcaster{}, nil, &fakeClock{})
	presence := awareness.New(time.Minute, &fakeClock{}, nil)
	f := New(b, "sync", "node-a", docs, presence)

	f.PublishAwareness("doc-1", "client-1", json.RawMessage(`{"cursor":5}`), 3)

	require.Len(t, b.published, 1)
	require.Equal(t, "sync.awareness.doc-1", b.published[0].channel)
	require.Equal(t, "node-a", b.published[0].env.OriginNode)
}

func TestSubscribeAwarenessReplaysRemoteUpdateIntoStore(t *testing.T) {
	b := newFakeBus()
	docs := docsync.NewManager(docsync.Config{QueueDepth: 8, RetryAttempts: 1}, &fakeStore{}, fakeBroadcaster{}, nil, &fakeClock{})
	presence := awareness.New(time.Minute, &fakeClock{}, nil)
	f := New(b, "sync", "node-a", docs, presence)

	_, err := f.SubscribeAwareness(context.Background(), "doc-1")
	require.NoError(t, err)

	sub := &fakeConn{id: "sub-1"}
	require.NoError(t, presence.Subscribe(sub, "doc-1"))

	payload, err := json.Marshal(awarenessRemote{ClientID: "client-1", State: json.RawMessage(`{"cursor":5}`), Clock: 3})
	require.NoError(t, err)
	b.deliver("sync.awareness.doc-1", bus.Envelope{OriginNode: "node-b", DocID: "doc-1", WriterID: "client-1", Payload: payload})

	waitFor(t, func() bool { return len(sub.sent) == 2 }) // initial state snapshot + the replayed update
	require.Equal(t, protocol.KindAwarenessUpdate, sub.lastSent().Kind)
}
