// Package dispatcher implements the message routing table: it receives
// parsed frames from a transport.Connection and routes each to the auth
// guard, a per-document coordinator, or the awareness store according to
// the connection's current state and the subject's permissions.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/clock"
	"github.com/matthewcorven/synckit-sub003/internal/docsync"
	"github.com/matthewcorven/synckit-sub003/internal/fanout"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
	"github.com/matthewcorven/synckit-sub003/internal/registry"
	"github.com/matthewcorven/synckit-sub003/internal/transport"
)

// Dispatcher wires a connection's inbound frames to the rest of the
// server. One instance is shared by every connection.
type Dispatcher struct {
	Registry  *registry.Registry
	Guard     *auth.Guard
	Docs      *docsync.Manager
	Presence  *awareness.Store
	Fanout    *fanout.Fanout
	Clock     clock.Clock

	subscribedDocs *docSubscriptionTracker
}

// New builds a Dispatcher. All fields are required except Fanout, which
// may be nil in single-node deployments.
func New(reg *registry.Registry, guard *auth.Guard, docs *docsync.Manager, presence *awareness.Store, fo *fanout.Fanout, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		Registry:       reg,
		Guard:          guard,
		Docs:           docs,
		Presence:       presence,
		Fanout:         fo,
		Clock:          clk,
		subscribedDocs: newDocSubscriptionTracker(),
	}
}

// OnMessage implements transport.Handler.
func (d *Dispatcher) OnMessage(c *transport.Connection, m *protocol.Message) {
	switch m.Kind {
	case protocol.KindAuth:
		d.handleAuth(c, m)
	case protocol.KindPing:
		d.handlePing(c, m)
	case protocol.KindSubscribe:
		d.handleSubscribe(c, m)
	case protocol.KindUnsubscribe:
		d.handleUnsubscribe(c, m)
	case protocol.KindSyncRequest:
		d.handleSyncRequest(c, m)
	case protocol.KindDelta:
		d.handleDelta(c, m)
	case protocol.KindAwarenessSubscribe:
		d.handleAwarenessSubscribe(c, m)
	case protocol.KindAwarenessUpdate:
		d.handleAwarenessUpdate(c, m)
	default:
		d.replyError(c, m.ID, "unknown-kind", "unrecognized message kind")
	}
}

// OnClose implements transport.Handler.
func (d *Dispatcher) OnClose(c *transport.Connection) {
	d.Registry.Unregister(c.ID())
	d.Presence.OnConnectionClosed(c.ID())
	for _, docID := range c.Subscriptions() {
		if coord, ok := d.Docs.Peek(docID); ok {
			coord.ConnectionClosed(c)
		}
	}
}

func (d *Dispatcher) handleAuth(c *transport.Connection, m *protocol.Message) {
	if c.State() != transport.StateAuthenticating {
		d.replyError(c, m.ID, "not-authenticated", "auth frame received outside authenticating state")
		return
	}

	token := m.String("token")
	apiKey := m.String("apiKey")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject, err := d.Guard.Authenticate(ctx, token, apiKey)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		logger.Auth().Warn().Err(err).Str("conn", c.ID()).Msg("authentication failed")
		errMsg, _ := protocol.New(protocol.KindAuthError, m.ID, d.Clock.NowMs(), map[string]any{
			"reason": err.Error(),
		})
		_ = c.Send(c.Format(), errMsg)
		c.Close(transport.ClosePolicyViolation, "authentication failed")
		return
	}
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()

	c.SetSubject(subject)
	if err := d.Registry.Register(c); err != nil {
		c.Close(transport.ClosePolicyViolation, "at capacity")
		return
	}
	d.Registry.BindUser(subject.UserID, c.ID())

	ok, _ := protocol.New(protocol.KindAuthSuccess, m.ID, d.Clock.NowMs(), map[string]any{
		"userId":   subject.UserID,
		"clientId": subject.ClientID,
	})
	_ = c.Send(c.Format(), ok)
}

func (d *Dispatcher) handlePing(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	pong, err := protocol.New(protocol.KindPong, m.ID, d.Clock.NowMs(), nil)
	if err != nil {
		return
	}
	_ = c.Send(c.Format(), pong)
}

func (d *Dispatcher) handleSubscribe(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	docID := m.String("docId")
	subject := c.Subject()
	if !subject.Permissions.CanReadDoc(docID) {
		d.replyError(c, m.ID, "permission-denied", "no read access to document")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord, err := d.Docs.Get(ctx, docID)
	if err != nil {
		logger.Sync().Error().Err(err).Str("docId", docID).Msg("failed to load coordinator")
		d.replyError(c, m.ID, "server-error", "failed to load document")
		return
	}

	c.AddSubscription(docID)
	d.Registry.Subscribe(c.ID(), docID)

	if d.Fanout != nil && d.subscribedDocs.markBusSubscribed(docID) {
		bgCtx := context.Background()
		if _, err := d.Fanout.SubscribeDocument(bgCtx, docID); err != nil {
			logger.Bus().Warn().Err(err).Str("docId", docID).Msg("bus subscribe failed")
		}
	}

	if !coord.Subscribe(c) {
		c.Close(transport.CloseServerBusy, "coordinator queue full")
	}
}

func (d *Dispatcher) handleUnsubscribe(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	docID := m.String("docId")
	c.RemoveSubscription(docID)
	d.Registry.Unsubscribe(c.ID(), docID)
	if coord, ok := d.Docs.Peek(docID); ok {
		if !coord.Unsubscribe(c) {
			c.Close(transport.CloseServerBusy, "coordinator queue full")
		}
	}
}

func (d *Dispatcher) handleSyncRequest(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	docID := m.String("docId")
	subject := c.Subject()
	if !subject.Permissions.CanReadDoc(docID) {
		d.replyError(c, m.ID, "permission-denied", "no read access to document")
		return
	}

	vc, err := m.VectorClock()
	if err != nil {
		d.replyError(c, m.ID, "malformed-field", "invalid vectorClock field")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord, err := d.Docs.Get(ctx, docID)
	if err != nil {
		d.replyError(c, m.ID, "server-error", "failed to load document")
		return
	}

	if !coord.SyncRequest(c, m.ID, docsync.VectorClock(vc)) {
		c.Close(transport.CloseServerBusy, "coordinator queue full")
	}
}

func (d *Dispatcher) handleDelta(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	docID := m.String("docId")
	subject := c.Subject()
	if !subject.Permissions.CanWriteDoc(docID) {
		d.replyError(c, m.ID, "permission-denied", "no write access to document")
		return
	}

	var delta map[string]json.RawMessage
	if present, err := m.Field("delta", &delta); err != nil || !present {
		d.replyError(c, m.ID, "malformed-field", "missing or invalid delta field")
		return
	}
	vc, err := m.VectorClock()
	if err != nil {
		d.replyError(c, m.ID, "malformed-field", "invalid vectorClock field")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord, err := d.Docs.Get(ctx, docID)
	if err != nil {
		d.replyError(c, m.ID, "server-error", "failed to load document")
		return
	}

	if !coord.ApplyDelta(c, m.ID, delta, docsync.VectorClock(vc)) {
		c.Close(transport.CloseServerBusy, "coordinator queue full")
	}
}

func (d *Dispatcher) handleAwarenessSubscribe(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	docID := m.String("docId")
	subject := c.Subject()
	if !subject.Permissions.CanReadDoc(docID) {
		d.replyError(c, m.ID, "permission-denied", "no read access to document")
		return
	}
	if d.Fanout != nil && d.subscribedDocs.markAwarenessBusSubscribed(docID) {
		if _, err := d.Fanout.SubscribeAwareness(context.Background(), docID); err != nil {
			logger.Bus().Warn().Err(err).Str("docId", docID).Msg("bus awareness subscribe failed")
		}
	}
	if err := d.Presence.Subscribe(c, docID); err != nil {
		d.replyError(c, m.ID, "server-error", "failed to subscribe to awareness")
	}
}

func (d *Dispatcher) handleAwarenessUpdate(c *transport.Connection, m *protocol.Message) {
	if !d.requireAuthenticated(c, m.ID) {
		return
	}
	docID := m.String("docId")
	clientID := m.String("clientId")
	var clockVal int64
	if _, err := m.Field("clock", &clockVal); err != nil {
		d.replyError(c, m.ID, "malformed-field", "invalid clock field")
		return
	}
	state := m.Fields["state"]
	d.Presence.Update(c.ID(), docID, clientID, state, clockVal)
}

func (d *Dispatcher) requireAuthenticated(c *transport.Connection, msgID string) bool {
	if c.State() != transport.StateAuthenticated {
		d.replyError(c, msgID, "not-authenticated", "connection has not completed authentication")
		return false
	}
	return true
}

func (d *Dispatcher) replyError(c *transport.Connection, msgID, code, reason string) {
	msg, err := protocol.New(protocol.KindError, msgID, d.Clock.NowMs(), map[string]any{
		"code":   code,
		"reason": reason,
	})
	if err != nil {
		return
	}
	_ = c.Send(c.Format(), msg)
}

// docSubscriptionTracker records which documents already have an active
// bus subscription on this node, so a second local subscriber doesn't
// open a duplicate upstream subscription.
type docSubscriptionTracker struct {
	mu        sync.Mutex
	doc       map[string]struct{}
	awareness map[string]struct{}
}

func newDocSubscriptionTracker() *docSubscriptionTracker {
	return &docSubscriptionTracker{
		doc:       make(map[string]struct{}),
		awareness: make(map[string]struct{}),
	}
}

// markBusSubscribed reports true the first time docID is seen, meaning the
// caller should open the upstream subscription.
func (t *docSubscriptionTracker) markBusSubscribed(docID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.doc[docID]; ok {
		return false
	}
	t.doc[docID] = struct{}{}
	return true
}

func (t *docSubscriptionTracker) markAwarenessBusSubscribed(docID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.awareness[docID]; ok {
		return false
	}
	t.awareness[docID] = struct{}{}
	return true
}
