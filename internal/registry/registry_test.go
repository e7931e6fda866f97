package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

type fakeConn struct {
	id      string
	format  protocol.Format
	sent    []*protocol.Message
}

func (f *fakeConn) ID() string               { return f.id }
func (f *fakeConn) Format() protocol.Format   { return f.format }
func (f *fakeConn) Send(_ protocol.Format, m *protocol.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

func TestRegisterRejectsAtCapacity(t *testing.T) {
	r := New(1)
	require.NoError(t, r.Register(&fakeConn{id: "a"}))
	err := r.Register(&fakeConn{id: "b"})
	require.ErrorAs(t, err, &ErrAtCapacity{})
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	r := New(0)
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	r.Subscribe("a", "doc-1")
	r.Subscribe("b", "doc-1")

	msg := &protocol.Message{Kind: protocol.KindDelta}
	r.Broadcast("doc-1", msg, "a")

	require.Empty(t, a.sent)
	require.Len(t, b.sent, 1)
}

func TestUnregisterRemovesFromAllIndexes(t *testing.T) {
	r := New(0)
	a := &fakeConn{id: "a"}
	require.NoError(t, r.Register(a))
	r.BindUser("alice", "a")
	r.Subscribe("a", "doc-1")

	r.Unregister("a")

	require.Empty(t, r.SubscribersOf("doc-1"))
	require.Empty(t, r.ConnectionsOfUser("alice"))
	_, ok := r.Get("a")
	require.False(t, ok)

	// idempotent
	r.Unregister("a")
}

func TestSubscribersOfSnapshotIsStable(t *testing.T) {
	r := New(0)
	a := &fakeConn{id: "a"}
	require.NoError(t, r.Register(a))
	r.Subscribe("a", "doc-1")

	snap := r.SubscribersOf("doc-1")
	r.Unsubscribe("a", "doc-1")

	require.Len(t, snap, 1, "snapshot must not reflect concurrent mutation")
	require.Empty(t, r.SubscribersOf("doc-1"))
}
