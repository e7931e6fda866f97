package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/clock"
	"github.com/matthewcorven/synckit-sub003/internal/docsync/store"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// Conn is the minimal surface the coordinator needs from a connection.
type Conn interface {
	ID() string
	Send(format protocol.Format, m *protocol.Message) error
	Format() protocol.Format
	CloseDueToServerError(reason string)
}

// Broadcaster fans a message out to every subscriber of a document except
// an excluded connection. Implemented by internal/registry.
type Broadcaster interface {
	Broadcast(docID string, m *protocol.Message, excludeConnID string)
}

// Publisher publishes a resolved delta to the cross-node bus.
type Publisher interface {
	PublishDelta(docID, writerID string, fields map[string]FieldRecord, vc VectorClock)
}

// command is one unit of work serialized through a coordinator's input
// channel.
type command struct {
	kind string // "subscribe" | "delta" | "syncRequest" | "unsubscribe" | "connectionClosed" | "remoteDelta"
	conn Conn

	docID       string
	delta       map[string]json.RawMessage
	remoteClock VectorClock
	senderClock VectorClock
	writerID    string
	msgID       string
}

// Coordinator is the per-document singleton that serializes mutations,
// performs LWW merges, persists state, and emits broadcasts. Exactly one
// instance exists per live document id.
type Coordinator struct {
	docID string

	input chan command

	state       *State
	subscribers map[string]Conn

	store       store.DocumentStore
	broadcaster Broadcaster
	publisher   Publisher
	clk         clock.Clock

	idleUnload   time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	retryAttempts int

	stopCh chan struct{}
	doneCh chan struct{}

	onIdle func(docID string) // invoked when this coordinator unloads itself
}

// Config bundles coordinator tunables.
type Config struct {
	QueueDepth    int
	IdleUnload    time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	RetryAttempts int
}

// NewCoordinator loads docID's persisted state and starts its serializing
// worker goroutine.
func NewCoordinator(ctx context.Context, docID string, cfg Config, st store.DocumentStore, b Broadcaster, pub Publisher, clk clock.Clock, onIdle func(string)) (*Coordinator, error) {
	state, err := st.Load(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}

	c := &Coordinator{
		docID:         docID,
		input:         make(chan command, cfg.QueueDepth),
		state:         state,
		subscribers:   make(map[string]Conn),
		store:         st,
		broadcaster:   b,
		publisher:     pub,
		clk:           clk,
		idleUnload:    cfg.IdleUnload,
		retryBase:     cfg.RetryBase,
		retryMax:      cfg.RetryMax,
		retryAttempts: cfg.RetryAttempts,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		onIdle:        onIdle,
	}
	go c.run()
	return c, nil
}

// DocID returns the coordinator's document id.
func (c *Coordinator) DocID() string { return c.docID }

// QueueLen reports current input queue depth, for metrics.
func (c *Coordinator) QueueLen() int { return len(c.input) }

// enqueue attempts a non-blocking send; a full queue means CoordinatorBusy
// and the caller must close the originating connection with server-busy.
// It also returns false once Shutdown has been called.
func (c *Coordinator) enqueue(cmd command) bool {
	select {
	case <-c.stopCh:
		return false
	default:
	}
	select {
	case c.input <- cmd:
		metrics.CoordinatorQueueDepth.WithLabelValues(c.docID).Set(float64(len(c.input)))
		return true
	default:
		return false
	}
}

// Subscribe enqueues a subscribe command. Returns false if the queue is
// full (CoordinatorBusy).
func (c *Coordinator) Subscribe(conn Conn) bool {
	return c.enqueue(command{kind: "subscribe", conn: conn})
}

// ApplyDelta enqueues a delta command.
func (c *Coordinator) ApplyDelta(conn Conn, msgID string, delta map[string]json.RawMessage, remoteClock VectorClock) bool {
	return c.enqueue(command{kind: "delta", conn: conn, msgID: msgID, delta: delta, remoteClock: remoteClock})
}

// ApplyRemoteDelta enqueues a delta arriving from the bus, attributed to
// writerID rather than any local connection.
func (c *Coordinator) ApplyRemoteDelta(writerID string, delta map[string]json.RawMessage, remoteClock VectorClock) bool {
	return c.enqueue(command{kind: "remoteDelta", writerID: writerID, delta: delta, remoteClock: remoteClock})
}

// SyncRequest enqueues a sync_request command.
func (c *Coordinator) SyncRequest(conn Conn, msgID string, senderClock VectorClock) bool {
	return c.enqueue(command{kind: "syncRequest", conn: conn, msgID: msgID, senderClock: senderClock})
}

// Unsubscribe enqueues an unsubscribe command.
func (c *Coordinator) Unsubscribe(conn Conn) bool {
	return c.enqueue(command{kind: "unsubscribe", conn: conn})
}

// ConnectionClosed enqueues a connectionClosed command.
func (c *Coordinator) ConnectionClosed(conn Conn) bool {
	return c.enqueue(command{kind: "connectionClosed", conn: conn})
}

// Shutdown drains the queue with a bounded grace period then stops the
// worker. Further enqueue calls after Shutdown returns fail closed.
func (c *Coordinator) Shutdown(grace time.Duration) {
	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-time.After(grace):
	}
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	idleTimer := time.NewTimer(c.idleUnload)
	defer idleTimer.Stop()
	if c.idleUnload <= 0 {
		idleTimer.Stop()
	}

	for {
		select {
		case cmd := <-c.input:
			c.handle(cmd)
			if len(c.subscribers) == 0 && c.idleUnload > 0 {
				idleTimer.Reset(c.idleUnload)
			}
		case <-idleTimer.C:
			if len(c.subscribers) == 0 {
				logger.Sync().Info().Str("docId", c.docID).Msg("coordinator idle, unloading")
				if c.onIdle != nil {
					c.onIdle(c.docID)
				}
				return
			}
		case <-c.stopCh:
			c.drainAndFlush()
			return
		}
	}
}

func (c *Coordinator) drainAndFlush() {
	for {
		select {
		case cmd := <-c.input:
			c.handle(cmd)
		default:
			return
		}
	}
}

func (c *Coordinator) handle(cmd command) {
	switch cmd.kind {
	case "subscribe":
		c.handleSubscribe(cmd.conn)
	case "delta":
		c.handleDelta(cmd.conn, cmd.msgID, cmd.delta, cmd.remoteClock)
	case "remoteDelta":
		c.handleRemoteDelta(cmd.writerID, cmd.delta, cmd.remoteClock)
	case "syncRequest":
		c.handleSyncRequest(cmd.conn, cmd.msgID, cmd.senderClock)
	case "unsubscribe":
		c.handleUnsubscribe(cmd.conn)
	case "connectionClosed":
		c.handleUnsubscribe(cmd.conn)
	}
}

func (c *Coordinator) handleSubscribe(conn Conn) {
	c.subscribers[conn.ID()] = conn
	fields, vc := c.state.Snapshot()
	c.sendSyncResponse(conn, "", fields, vc)
}

func (c *Coordinator) handleUnsubscribe(conn Conn) {
	delete(c.subscribers, conn.ID())
}

func (c *Coordinator) handleSyncRequest(conn Conn, msgID string, senderClock VectorClock) {
	var fields map[string]FieldRecord
	if len(senderClock) == 0 {
		fields, _ = c.state.Snapshot()
	} else {
		fields = c.state.FieldsSince(senderClock)
	}
	c.sendSyncResponse(conn, msgID, fields, c.state.Clock.Clone())
}

func (c *Coordinator) sendSyncResponse(conn Conn, msgID string, fields map[string]FieldRecord, vc VectorClock) {
	payload := make(map[string]json.RawMessage, len(fields))
	for path, rec := range fields {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		payload[path] = b
	}
	msg, err := protocol.New(protocol.KindSyncResponse, msgID, c.clk.NowMs(), map[string]any{
		"docId":  c.docID,
		"fields": payload,
	})
	if err != nil {
		return
	}
	vcCopy := make(map[string]int64, len(vc))
	for k, v := range vc {
		vcCopy[k] = v
	}
	_ = msg.SetVectorClock(vcCopy)
	_ = conn.Send(conn.Format(), msg)
}

func (c *Coordinator) handleDelta(conn Conn, msgID string, delta map[string]json.RawMessage, remoteClock VectorClock) {
	writerID := ""
	if conn != nil {
		writerID = conn.ID()
	}
	_ = c.applyAndFanOut(writerID, delta, remoteClock, conn, msgID)
}

func (c *Coordinator) handleRemoteDelta(writerID string, delta map[string]json.RawMessage, remoteClock VectorClock) {
	// Bus-originated deltas have no originating local connection to ack or
	// exclude from broadcast; idempotent LWW merge makes redelivery safe.
	_ = c.applyAndFanOut(writerID, delta, remoteClock, nil, "")
}

func (c *Coordinator) applyAndFanOut(writerID string, delta map[string]json.RawMessage, remoteClock VectorClock, originator Conn, msgID string) error {
	now := c.clk.NowMs()
	changed := make(map[string]FieldRecord)

	var counter int64 = 1
	if remoteClock != nil {
		counter = remoteClock[writerID]
		if counter == 0 {
			counter = 1
		}
	}

	for path, value := range delta {
		candidate := FieldRecord{Value: value, Timestamp: now, Counter: counter, WriterID: writerID}
		if c.state.ApplyField(path, candidate) {
			changed[path] = candidate
		}
	}

	c.state.Clock.Merge(remoteClock)
	c.state.Clock["self"] = c.state.Clock["self"] + 1

	if len(changed) > 0 {
		if err := c.persistWithRetry(changed); err != nil {
			metrics.StoreWriteFailuresTotal.Inc()
			logger.Sync().Error().Err(err).Str("docId", c.docID).Msg("persist failed after retries")
			if originator != nil {
				originator.CloseDueToServerError("failed to persist delta")
			}
			return err
		}

		origin := "remote"
		if originator != nil {
			origin = "local"
		}
		metrics.DeltasAppliedTotal.WithLabelValues(origin).Add(float64(len(changed)))

		c.broadcastDelta(writerID, changed, originator)
		if c.publisher != nil {
			c.publisher.PublishDelta(c.docID, writerID, changed, c.state.Clock.Clone())
		}
	}

	if originator != nil {
		c.sendAck(originator, msgID)
	}
	return nil
}

func (c *Coordinator) persistWithRetry(changed map[string]FieldRecord) error {
	delay := c.retryBase
	var lastErr error
	attempts := c.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.store.ApplyDelta(ctx, c.docID, changed, c.state.Clock.Clone())
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Sync().Warn().Err(err).Int("attempt", i+1).Msg("store write failed, retrying")
		time.Sleep(delay)
		delay *= 2
		if delay > c.retryMax {
			delay = c.retryMax
		}
	}
	return lastErr
}

func (c *Coordinator) broadcastDelta(writerID string, changed map[string]FieldRecord, originator Conn) {
	payload := make(map[string]json.RawMessage, len(changed))
	for path, rec := range changed {
		payload[path] = rec.Value
	}
	msg, err := protocol.New(protocol.KindDelta, "", c.clk.NowMs(), map[string]any{
		"docId": c.docID,
		"delta": payload,
	})
	if err != nil {
		return
	}
	_ = msg.SetVectorClock(c.state.Clock.Clone())

	excludeID := ""
	if originator != nil {
		excludeID = originator.ID()
	}
	if c.broadcaster != nil {
		c.broadcaster.Broadcast(c.docID, msg, excludeID)
	}
}

func (c *Coordinator) sendAck(conn Conn, msgID string) {
	msg, err := protocol.New(protocol.KindAck, msgID, c.clk.NowMs(), nil)
	if err != nil {
		return
	}
	_ = conn.Send(conn.Format(), msg)
}

