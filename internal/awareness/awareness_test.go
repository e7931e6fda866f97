package awareness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

type fixedClock struct{ ms int64 }

func (f fixedClock) NowMs() int64 { return f.ms }

type recordingConn struct {
	id     string
	sent   []*protocol.Message
}

func (c *recordingConn) ID() string             { return c.id }
func (c *recordingConn) Format() protocol.Format { return protocol.FormatText }
func (c *recordingConn) Send(_ protocol.Format, m *protocol.Message) error {
	c.sent = append(c.sent, m)
	return nil
}

func TestUpdateIgnoresStaleClock(t *testing.T) {
	s := New(30*time.Second, fixedClock{1}, nil)
	s.Update("conn-1", "doc-1", "client-a", json.RawMessage(`{"cursor":1}`), 5)
	s.Update("conn-1", "doc-1", "client-a", json.RawMessage(`{"cursor":2}`), 3)

	sub := &recordingConn{id: "sub"}
	require.NoError(t, s.Subscribe(sub, "doc-1"))
	require.Len(t, sub.sent, 1)

	var payload struct {
		States map[string]json.RawMessage `json:"states"`
	}
	_, err := sub.sent[0].Field("states", &payload.States)
	require.NoError(t, err)
	require.JSONEq(t, `{"cursor":1}`, string(payload.States["client-a"]))
}

func TestUpdateWithNullStateRemovesEntry(t *testing.T) {
	s := New(30*time.Second, fixedClock{1}, nil)
	s.Update("conn-1", "doc-1", "client-a", json.RawMessage(`{"cursor":1}`), 1)
	s.Update("conn-1", "doc-1", "client-a", nil, 2)

	sub := &recordingConn{id: "sub"}
	require.NoError(t, s.Subscribe(sub, "doc-1"))
	var payload struct {
		States map[string]json.RawMessage `json:"states"`
	}
	_, err := sub.sent[0].Field("states", &payload.States)
	require.NoError(t, err)
	require.NotContains(t, payload.States, "client-a")
}

func TestOnConnectionClosedEmitsLeave(t *testing.T) {
	s := New(30*time.Second, fixedClock{1}, nil)
	other := &recordingConn{id: "other"}
	require.NoError(t, s.Subscribe(other, "doc-1"))

	s.Update("conn-1", "doc-1", "client-a", json.RawMessage(`{"cursor":1}`), 1)
	s.OnConnectionClosed("conn-1")

	// other received: the initial state snapshot, the live update
	// broadcast, then the leave broadcast.
	require.Len(t, other.sent, 3)
	leave := other.sent[2]
	require.True(t, protocol.IsNullJSON(leave.Fields["state"]))
	require.Equal(t, "client-a", leave.String("clientId"))
}

func TestExpireSweepsStaleEntries(t *testing.T) {
	s := New(10*time.Millisecond, fixedClock{1}, nil)
	s.Update("conn-1", "doc-1", "client-a", json.RawMessage(`{"cursor":1}`), 1)

	s.Expire(time.Now().Add(time.Hour))

	sub := &recordingConn{id: "sub"}
	require.NoError(t, s.Subscribe(sub, "doc-1"))
	var payload struct {
		States map[string]json.RawMessage `json:"states"`
	}
	_, err := sub.sent[0].Field("states", &payload.States)
	require.NoError(t, err)
	require.Empty(t, payload.States)
}
