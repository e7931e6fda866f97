package docsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerGetIsIdempotentPerDocument(t *testing.T) {
	m := NewManager(Config{QueueDepth: 8, RetryAttempts: 1}, &fakeStore{}, &fakeBroadcaster{}, nil, &fakeClock{})
	t.Cleanup(func() { m.Shutdown(time.Second) })

	c1, err := m.Get(context.Background(), "doc-a")
	require.NoError(t, err)
	c2, err := m.Get(context.Background(), "doc-a")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, m.Len())
}

func TestManagerOnIdleRemovesCoordinator(t *testing.T) {
	m := NewManager(Config{QueueDepth: 8, IdleUnload: 10 * time.Millisecond, RetryAttempts: 1}, &fakeStore{}, &fakeBroadcaster{}, nil, &fakeClock{})
	t.Cleanup(func() { m.Shutdown(time.Second) })

	_, err := m.Get(context.Background(), "doc-a")
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	waitFor(t, func() bool { return m.Len() == 0 })

	_, ok := m.Peek("doc-a")
	require.False(t, ok)
}

func TestManagerSetPublisherAppliesToNewCoordinators(t *testing.T) {
	m := NewManager(Config{QueueDepth: 8, RetryAttempts: 1}, &fakeStore{}, &fakeBroadcaster{}, nil, &fakeClock{})
	t.Cleanup(func() { m.Shutdown(time.Second) })

	pub := &fakePublisher{}
	m.SetPublisher(pub)

	c, err := m.Get(context.Background(), "doc-a")
	require.NoError(t, err)

	conn := &fakeConn{id: "c1"}
	c.ApplyDelta(conn, "m1", map[string]json.RawMessage{"title": json.RawMessage(`"hi"`)}, nil)

	waitFor(t, func() bool { pub.mu.Lock(); defer pub.mu.Unlock(); return len(pub.docs) == 1 })
}

func TestManagerShutdownDrainsAllCoordinators(t *testing.T) {
	m := NewManager(Config{QueueDepth: 8, RetryAttempts: 1}, &fakeStore{}, &fakeBroadcaster{}, nil, &fakeClock{})

	_, err := m.Get(context.Background(), "doc-a")
	require.NoError(t, err)
	_, err = m.Get(context.Background(), "doc-b")
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	done := make(chan struct{})
	go func() {
		m.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete within grace period")
	}

	// Explicit shutdown stops each coordinator's worker directly, without
	// going through onIdle, so the manager's bookkeeping map is untouched.
	require.Equal(t, 2, m.Len())
}
