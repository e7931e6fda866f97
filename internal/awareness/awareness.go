// Package awareness implements the ephemeral per-document presence layer:
// one entry per (documentId, clientId), merged by monotonic clock, with
// periodic expiry.
package awareness

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/clock"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// Conn is the minimal surface the store needs to fan updates out to a
// subscriber.
type Conn interface {
	ID() string
	Send(format protocol.Format, m *protocol.Message) error
	Format() protocol.Format
}

// Entry is one client's presence state within one document.
type Entry struct {
	State         json.RawMessage
	Clock         int64
	LastUpdatedAt time.Time
}

// Publisher is the Bus-facing hook the store calls after a local merge so
// the caller can fan the update to the awareness:{docId} channel.
type Publisher interface {
	PublishAwareness(docID, clientID string, state json.RawMessage, clockVal int64)
}

type docEntries struct {
	entries     map[string]*Entry            // clientID -> entry
	subscribers map[string]Conn              // connID -> conn
	connClients map[string]map[string]struct{} // connID -> set of clientIDs it has posted as
}

// Store holds every document's awareness entries.
type Store struct {
	mu        sync.Mutex
	docs      map[string]*docEntries
	timeout   time.Duration
	clk       clock.Clock
	publisher Publisher
}

// New returns an empty awareness store. timeout is the inactivity window
// after which an entry is expired (default 30s per the caller's config).
func New(timeout time.Duration, clk clock.Clock, pub Publisher) *Store {
	return &Store{
		docs:      make(map[string]*docEntries),
		timeout:   timeout,
		clk:       clk,
		publisher: pub,
	}
}

// SetPublisher wires the bus-facing publisher after construction, breaking
// the construction-order cycle with the fanout (which itself needs the
// store to replay remote presence updates).
func (s *Store) SetPublisher(pub Publisher) {
	s.mu.Lock()
	s.publisher = pub
	s.mu.Unlock()
}

// totalEntriesLocked counts live entries across every document. Callers
// must already hold s.mu.
func (s *Store) totalEntriesLocked() int {
	total := 0
	for _, d := range s.docs {
		total += len(d.entries)
	}
	return total
}

func (s *Store) docFor(docID string) *docEntries {
	d, ok := s.docs[docID]
	if !ok {
		d = &docEntries{
			entries:     make(map[string]*Entry),
			subscribers: make(map[string]Conn),
			connClients: make(map[string]map[string]struct{}),
		}
		s.docs[docID] = d
	}
	return d
}

// Subscribe registers conn as an awareness subscriber of docID and sends
// back a single awareness_state frame with every current entry.
func (s *Store) Subscribe(conn Conn, docID string) error {
	s.mu.Lock()
	d := s.docFor(docID)
	d.subscribers[conn.ID()] = conn

	states := make(map[string]json.RawMessage, len(d.entries))
	for clientID, e := range d.entries {
		states[clientID] = e.State
	}
	s.mu.Unlock()

	msg, err := protocol.New(protocol.KindAwarenessState, "", s.clk.NowMs(), map[string]any{
		"docId":  docID,
		"states": states,
	})
	if err != nil {
		return err
	}
	return conn.Send(conn.Format(), msg)
}

// Update merges an incoming awareness post for (docID, clientID) by clock,
// per the deterministic tie-break rule, and fans the result out to every
// other awareness subscriber of the document. connID identifies the
// connection the update arrived on, so later disconnects can find which
// client ids a connection is responsible for.
func (s *Store) Update(connID, docID, clientID string, state json.RawMessage, remoteClock int64) {
	s.mu.Lock()
	d := s.docFor(docID)

	existing, has := d.entries[clientID]
	// Entries are keyed by clientID, so the lexicographic client-id
	// tie-break collapses to "equal clocks always apply": the incoming
	// and stored writer id are, by construction, the same string.
	if has && remoteClock < existing.Clock {
		s.mu.Unlock()
		return
	}

	if protocol.IsNullJSON(state) {
		delete(d.entries, clientID)
	} else {
		d.entries[clientID] = &Entry{State: state, Clock: remoteClock, LastUpdatedAt: time.Now()}
	}

	if set, ok := d.connClients[connID]; ok {
		set[clientID] = struct{}{}
	} else {
		d.connClients[connID] = map[string]struct{}{clientID: {}}
	}

	subs := make([]Conn, 0, len(d.subscribers))
	for _, c := range d.subscribers {
		subs = append(subs, c)
	}
	metrics.AwarenessEntries.Set(float64(s.totalEntriesLocked()))
	s.mu.Unlock()

	s.broadcast(subs, docID, clientID, state, remoteClock, connID)
	if s.publisher != nil {
		s.publisher.PublishAwareness(docID, clientID, state, remoteClock)
	}
}

func (s *Store) broadcast(subs []Conn, docID, clientID string, state json.RawMessage, clockVal int64, excludeConnID string) {
	msg, err := protocol.New(protocol.KindAwarenessUpdate, "", s.clk.NowMs(), map[string]any{
		"docId":    docID,
		"clientId": clientID,
		"state":    state,
		"clock":    clockVal,
	})
	if err != nil {
		return
	}
	for _, c := range subs {
		if c.ID() == excludeConnID {
			continue
		}
		_ = c.Send(c.Format(), msg)
	}
}

// Expire removes entries whose last-updated-at is older than the
// configured timeout, emitting synthetic leave updates. Intended to run on
// a periodic sweep.
func (s *Store) Expire(now time.Time) {
	s.mu.Lock()
	type leave struct {
		docID, clientID string
		clockVal        int64
		subs            []Conn
	}
	var leaves []leave
	for docID, d := range s.docs {
		for clientID, e := range d.entries {
			if now.Sub(e.LastUpdatedAt) <= s.timeout {
				continue
			}
			delete(d.entries, clientID)
			nextClock := e.Clock + 1
			subs := make([]Conn, 0, len(d.subscribers))
			for _, c := range d.subscribers {
				subs = append(subs, c)
			}
			leaves = append(leaves, leave{docID: docID, clientID: clientID, clockVal: nextClock, subs: subs})
		}
	}
	metrics.AwarenessEntries.Set(float64(s.totalEntriesLocked()))
	s.mu.Unlock()

	for _, l := range leaves {
		s.broadcast(l.subs, l.docID, l.clientID, nil, l.clockVal, "")
		if s.publisher != nil {
			s.publisher.PublishAwareness(l.docID, l.clientID, nil, l.clockVal)
		}
	}
}

// OnConnectionClosed emits a leave for every client id the connection had
// posted awareness under, removes its entries, and unsubscribes it from
// every document.
func (s *Store) OnConnectionClosed(connID string) {
	s.mu.Lock()
	type leave struct {
		docID, clientID string
		clockVal        int64
		subs            []Conn
	}
	var leaves []leave
	for docID, d := range s.docs {
		delete(d.subscribers, connID)
		clientIDs, ok := d.connClients[connID]
		if !ok {
			continue
		}
		delete(d.connClients, connID)
		for clientID := range clientIDs {
			e, ok := d.entries[clientID]
			if !ok {
				continue
			}
			delete(d.entries, clientID)
			subs := make([]Conn, 0, len(d.subscribers))
			for _, c := range d.subscribers {
				subs = append(subs, c)
			}
			leaves = append(leaves, leave{docID: docID, clientID: clientID, clockVal: e.Clock + 1, subs: subs})
		}
	}
	metrics.AwarenessEntries.Set(float64(s.totalEntriesLocked()))
	s.mu.Unlock()

	for _, l := range leaves {
		s.broadcast(l.subs, l.docID, l.clientID, nil, l.clockVal, "")
		if s.publisher != nil {
			s.publisher.PublishAwareness(l.docID, l.clientID, nil, l.clockVal)
		}
	}
}
