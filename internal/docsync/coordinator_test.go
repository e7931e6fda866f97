package docsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	docstore "github.com/matthewcorven/synckit-sub003/internal/docsync/store"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMs() int64 { c.ms++; return c.ms }

type fakeStore struct {
	mu      sync.Mutex
	loaded  *State
	applied []map[string]FieldRecord
	failN   int // ApplyDelta fails this many times before succeeding
}

func (s *fakeStore) Load(ctx context.Context, docID string) (*State, error) {
	if s.loaded != nil {
		return s.loaded, nil
	}
	return NewState(docID), nil
}

func (s *fakeStore) ApplyDelta(ctx context.Context, docID string, fields map[string]FieldRecord, vc VectorClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return context.DeadlineExceeded
	}
	cp := make(map[string]FieldRecord, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.applied = append(s.applied, cp)
	return nil
}

func (s *fakeStore) ListDocuments(ctx context.Context) ([]string, error) { return nil, nil }

var _ docstore.DocumentStore = (*fakeStore)(nil)

type fakeBroadcaster struct {
	mu  sync.Mutex
	msg []*protocol.Message
}

func (b *fakeBroadcaster) Broadcast(docID string, m *protocol.Message, excludeConnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msg = append(b.msg, m)
}

type fakePublisher struct {
	mu   sync.Mutex
	docs []string
}

func (p *fakePublisher) PublishDelta(docID, writerID string, fields map[string]FieldRecord, vc VectorClock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs = append(p.docs, docID)
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []*protocol.Message
	closed string
}

func (c *fakeConn) ID() string             { return c.id }
func (c *fakeConn) Format() protocol.Format { return protocol.FormatText }
func (c *fakeConn) Send(_ protocol.Format, m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}
func (c *fakeConn) CloseDueToServerError(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}
func (c *fakeConn) lastSent() *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
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

func newTestCoordinator(t *testing.T, st *fakeStore, b *fakeBroadcaster, pub *fakePublisher) *Coordinator {
	t.Helper()
	cfg := Config{QueueDepth: 8, IdleUnload: 0, RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond, RetryAttempts: 3}
	c, err := NewCoordinator(context.Background(), "doc-1", cfg, st, b, pub, &fakeClock{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(time.Second) })
	return c
}

func TestApplyDeltaBroadcastsAndAcks(t *testing.T) {
	st := &fakeStore{}
	b := &fakeBroadcaster{}
	pub := &fakePublisher{}
	c := newTestCoordinator(t, st, b, pub)

	conn := &fakeConn{id: "conn-1"}
	ok := c.ApplyDelta(conn, "msg-1", map[string]json.RawMessage{"title": json.RawMessage(`"hello"`)}, nil)
	require.True(t, ok)

	waitFor(t, func() bool { return conn.lastSent() != nil })
	require.Equal(t, protocol.KindAck, conn.lastSent().Kind)

	waitFor(t, func() bool { b.mu.Lock(); defer b.mu.Unlock(); return len(b.msg) == 1 })
	waitFor(t, func() bool { pub.mu.Lock(); defer pub.mu.Unlock(); return len(pub.docs) == 1 })
}

func TestConcurrentDeltasResolveByLWWOrder(t *testing.T) {
	// Two writers on the same field: the coordinator applies one command
	// at a time and stamps each with its own clock, so the later-applied
	// write carries the larger (timestamp, counter, writerID) triple and
	// wins. Here beta is applied second.
	st := &fakeStore{}
	b := &fakeBroadcaster{}
	pub := &fakePublisher{}
	c := newTestCoordinator(t, st, b, pub)

	connA := &fakeConn{id: "alpha"}
	connB := &fakeConn{id: "beta"}
	c.ApplyDelta(connA, "m1", map[string]json.RawMessage{"title": json.RawMessage(`"from-alpha"`)}, nil)
	c.ApplyDelta(connB, "m2", map[string]json.RawMessage{"title": json.RawMessage(`"from-beta"`)}, nil)

	waitFor(t, func() bool { return connB.lastSent() != nil && connB.lastSent().Kind == protocol.KindAck })

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.applied, 2)
	require.JSONEq(t, `"from-beta"`, string(st.applied[1]["title"].Value))
}

func TestPersistFailureExhaustsRetriesAndClosesOriginator(t *testing.T) {
	st := &fakeStore{failN: 10} // always fails, more than retryAttempts
	b := &fakeBroadcaster{}
	pub := &fakePublisher{}
	c := newTestCoordinator(t, st, b, pub)

	conn := &fakeConn{id: "conn-1"}
	c.ApplyDelta(conn, "msg-1", map[string]json.RawMessage{"title": json.RawMessage(`"x"`)}, nil)

	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed != ""
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Empty(t, b.msg, "a field that never persisted must never broadcast")
}

func TestSubscribeSendsSyncResponseSnapshot(t *testing.T) {
	st := &fakeStore{}
	b := &fakeBroadcaster{}
	pub := &fakePublisher{}
	c := newTestCoordinator(t, st, b, pub)

	conn := &fakeConn{id: "conn-1"}
	c.ApplyDelta(conn, "m1", map[string]json.RawMessage{"title": json.RawMessage(`"hi"`)}, nil)
	waitFor(t, func() bool { return conn.lastSent() != nil && conn.lastSent().Kind == protocol.KindAck })

	subscriber := &fakeConn{id: "conn-2"}
	c.Subscribe(subscriber)
	waitFor(t, func() bool { return subscriber.lastSent() != nil })
	require.Equal(t, protocol.KindSyncResponse, subscriber.lastSent().Kind)
}

type blockingStore struct {
	fakeStore
	unblock chan struct{}
}

func (s *blockingStore) ApplyDelta(ctx context.Context, docID string, fields map[string]FieldRecord, vc VectorClock) error {
	<-s.unblock
	return s.fakeStore.ApplyDelta(ctx, docID, fields, vc)
}

func TestQueueFullReturnsFalseForCoordinatorBusy(t *testing.T) {
	st := &blockingStore{unblock: make(chan struct{})}
	b := &fakeBroadcaster{}
	pub := &fakePublisher{}
	cfg := Config{QueueDepth: 1, RetryAttempts: 1, RetryBase: time.Millisecond, RetryMax: time.Millisecond}
	c, err := NewCoordinator(context.Background(), "doc-busy", cfg, st, b, pub, &fakeClock{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(st.unblock)
		c.Shutdown(time.Second)
	})

	// The first delta occupies the worker goroutine inside a blocked
	// persist call; the queue (depth 1) absorbs one more command, and
	// anything past that must be rejected as CoordinatorBusy.
	conn := &fakeConn{id: "c0"}
	require.True(t, c.ApplyDelta(conn, "m0", map[string]json.RawMessage{"f": json.RawMessage(`1`)}, nil))
	waitFor(t, func() bool { return c.QueueLen() == 0 }) // command picked up by run()

	require.True(t, c.Subscribe(&fakeConn{id: "c1"}))
	require.False(t, c.Subscribe(&fakeConn{id: "c2"}))
}
