// Package transport implements the Connection type: one endpoint's
// session over a gorilla/websocket duplex transport, with format
// detection, heartbeat, auth timeout, and a serialized single-writer send
// queue.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// State is a connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
)

// CloseCode names one of the close reasons mapped onto the transport's
// close facility.
type CloseCode string

const (
	CloseNormal           CloseCode = "normal"
	CloseGoingAway        CloseCode = "going-away"
	ClosePolicyViolation  CloseCode = "policy-violation"
	CloseProtocolError    CloseCode = "protocol-error"
	CloseServerError      CloseCode = "server-error"
	CloseServerBusy       CloseCode = "server-busy"
	CloseShuttingDown     CloseCode = "server-shutting-down"
)

func wsCloseCode(c CloseCode) int {
	switch c {
	case CloseNormal:
		return websocket.CloseNormalClosure
	case CloseGoingAway:
		return websocket.CloseGoingAway
	case ClosePolicyViolation:
		return websocket.ClosePolicyViolation
	case CloseProtocolError:
		return websocket.CloseProtocolError
	default:
		return websocket.CloseInternalServerErr
	}
}

// Config bundles the tunables described in the spec's external interface
// table that govern one connection's lifecycle.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	SendQueueDepth    int
	MaxFrameBytes     int64
}

// Handler is supplied by the dispatcher layer to receive parsed frames and
// lifecycle notifications. Calls happen on the connection's own read-pump
// goroutine except OnClose, which may run from any goroutine that
// initiates the close.
type Handler interface {
	OnMessage(c *Connection, m *protocol.Message)
	OnClose(c *Connection)
}

// Connection owns one transport session.
type Connection struct {
	id      string
	ws      *websocket.Conn
	cfg     Config
	handler Handler

	mu      sync.Mutex
	state   State
	format  protocol.Format
	subject *auth.Subject
	subs    map[string]struct{}

	send      chan wireFrame
	closeOnce sync.Once
	closed    chan struct{}

	lastActivity time.Time
	authTimer    *time.Timer
}

// wireFrame pairs encoded bytes with the websocket opcode they must be
// sent under: text frames for the textual protocol format, binary frames
// for the binary one.
type wireFrame struct {
	raw    []byte
	opcode int
}

// New wraps an accepted websocket connection. The caller must call Start
// to begin the read/write pumps.
func New(id string, ws *websocket.Conn, cfg Config, handler Handler) *Connection {
	return &Connection{
		id:      id,
		ws:      ws,
		cfg:     cfg,
		handler: handler,
		state:   StateConnecting,
		format:  protocol.FormatUnknown,
		subs:    make(map[string]struct{}),
		send:    make(chan wireFrame, cfg.SendQueueDepth),
		closed:  make(chan struct{}),
	}
}

// ID returns the connection's process-unique id.
func (c *Connection) ID() string { return c.id }

// Format returns the negotiated wire format (FormatUnknown before the
// first frame arrives).
func (c *Connection) Format() protocol.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subject returns the authenticated subject, or nil before AUTH succeeds.
func (c *Connection) Subject() *auth.Subject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subject
}

// SetSubject stores the subject and transitions to authenticated,
// cancelling the auth-timeout timer.
func (c *Connection) SetSubject(s *auth.Subject) {
	c.mu.Lock()
	c.subject = s
	c.state = StateAuthenticated
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()
}

// AddSubscription records docID as subscribed.
func (c *Connection) AddSubscription(docID string) {
	c.mu.Lock()
	c.subs[docID] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription drops docID.
func (c *Connection) RemoveSubscription(docID string) {
	c.mu.Lock()
	delete(c.subs, docID)
	c.mu.Unlock()
}

// Subscriptions returns the current set of subscribed document ids.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for d := range c.subs {
		out = append(out, d)
	}
	return out
}

// Start begins the authenticating state, its auth-timeout timer, and the
// read/write pumps. Blocks until the connection closes.
func (c *Connection) Start() {
	c.mu.Lock()
	c.state = StateAuthenticating
	c.lastActivity = time.Now()
	c.authTimer = time.AfterFunc(c.cfg.AuthTimeout, func() {
		if c.State() == StateAuthenticating {
			c.Close(ClosePolicyViolation, "authentication timeout")
		}
	})
	c.mu.Unlock()

	go c.writePump()
	c.readPump()
}

// Send encodes and enqueues a frame for asynchronous delivery. Ordering
// per connection is FIFO. A full queue closes the connection with
// SlowConsumer.
func (c *Connection) Send(format protocol.Format, m *protocol.Message) error {
	raw, err := protocol.Encode(format, m)
	if err != nil {
		return err
	}
	opcode := websocket.BinaryMessage
	if format == protocol.FormatText {
		opcode = websocket.TextMessage
	}
	select {
	case c.send <- wireFrame{raw: raw, opcode: opcode}:
		return nil
	default:
		c.Close(ClosePolicyViolation, "slow consumer")
		return nil
	}
}

// CloseDueToServerError closes the connection with the server-error code,
// for callers (the sync coordinator) that only know a reason string and
// have no other close-code context.
func (c *Connection) CloseDueToServerError(reason string) {
	c.Close(CloseServerError, reason)
}

// Close initiates a graceful close. Idempotent.
func (c *Connection) Close(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnecting
		c.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(string(code)).Inc()

		deadline := time.Now().Add(5 * time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wsCloseCode(code), reason), deadline)
		close(c.closed)
		_ = c.ws.Close()

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		if c.handler != nil {
			c.handler.OnClose(c)
		}
	})
}

func (c *Connection) resetActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) readPump() {
	defer c.Close(CloseNormal, "read loop exited")

	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.resetActivity()

		c.mu.Lock()
		format := c.format
		if format == protocol.FormatUnknown {
			format = protocol.DetectFormat(raw)
			c.format = format
		}
		c.mu.Unlock()

		msg, err := protocol.Decode(format, raw, c.cfg.MaxFrameBytes)
		if errors.Is(err, protocol.ErrUnknownKind) {
			logger.Transport().Warn().Err(err).Str("conn", c.id).Msg("dropping frame of unknown kind")
			continue
		}
		if err != nil {
			logger.Transport().Warn().Err(err).Str("conn", c.id).Msg("malformed frame")
			c.Close(CloseProtocolError, "malformed frame")
			return
		}

		if msg.Kind == protocol.KindPong {
			continue
		}
		if c.handler != nil {
			c.handler.OnMessage(c, msg)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(frame.opcode, frame.raw); err != nil {
				return
			}
		case <-ticker.C:
			if c.State() != StateAuthenticated {
				continue
			}
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()
			if idle > c.cfg.HeartbeatTimeout {
				c.Close(CloseGoingAway, "heartbeat timeout")
				return
			}
			ping, err := protocol.New(protocol.KindPing, "", time.Now().UnixMilli(), nil)
			if err == nil {
				_ = c.Send(c.Format(), ping)
			}
		case <-c.closed:
			return
		}
	}
}
