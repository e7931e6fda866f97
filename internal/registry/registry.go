// Package registry implements the process-wide connection registry: the
// three indexes (by id, by user, by document) and copy-on-write broadcast
// fan-out described for the connection lifecycle layer.
package registry

import (
	"sync"

	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// Conn is the minimal surface the registry needs from a connection. The
// transport package's Connection type satisfies this; the registry holds
// each connection from Register until Unregister.
type Conn interface {
	ID() string
	Send(format protocol.Format, m *protocol.Message) error
	Format() protocol.Format
}

// Registry indexes live connections by id, authenticated user id, and
// subscribed document id.
type Registry struct {
	mu sync.RWMutex

	byID       map[string]Conn
	byUser     map[string]map[string]struct{} // userID -> set of connIDs
	bySubDoc   map[string]map[string]struct{} // docID -> set of connIDs
	maxConns   int
}

// New returns an empty registry. maxConns <= 0 means unbounded.
func New(maxConns int) *Registry {
	return &Registry{
		byID:     make(map[string]Conn),
		byUser:   make(map[string]map[string]struct{}),
		bySubDoc: make(map[string]map[string]struct{}),
		maxConns: maxConns,
	}
}

// ErrAtCapacity is returned by Register when the live-connection cap is
// exceeded; callers must reject the accept with policy-violation.
type ErrAtCapacity struct{}

func (ErrAtCapacity) Error() string { return "registry: at capacity" }

// Register adds a new connection. The id must not already be present.
func (r *Registry) Register(c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxConns > 0 && len(r.byID) >= r.maxConns {
		return ErrAtCapacity{}
	}
	r.byID[c.ID()] = c
	metrics.ConnectionsActive.Set(float64(len(r.byID)))
	return nil
}

// Unregister removes a connection from every index. Idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for userID, set := range r.byUser {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	for docID, set := range r.bySubDoc {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.bySubDoc, docID)
			}
		}
	}
	metrics.ConnectionsActive.Set(float64(len(r.byID)))
}

// BindUser associates a connection id with an authenticated user id, once
// AUTH succeeds.
func (r *Registry) BindUser(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
}

// Subscribe adds connID to docID's subscriber set.
func (r *Registry) Subscribe(connID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.bySubDoc[docID]
	if !ok {
		set = make(map[string]struct{})
		r.bySubDoc[docID] = set
	}
	set[connID] = struct{}{}
}

// Unsubscribe removes connID from docID's subscriber set.
func (r *Registry) Unsubscribe(connID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.bySubDoc[docID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.bySubDoc, docID)
	}
}

// SubscribersOf returns a copy-on-write snapshot of docID's current
// subscribers, safe to range over while the registry continues to mutate
// concurrently.
func (r *Registry) SubscribersOf(docID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySubDoc[docID]
	out := make([]Conn, 0, len(set))
	for connID := range set {
		if c, ok := r.byID[connID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsOfUser returns every connection currently bound to userID.
func (r *Registry) ConnectionsOfUser(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]Conn, 0, len(set))
	for connID := range set {
		if c, ok := r.byID[connID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the connection with the given id, if live.
func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Broadcast enqueues m on every current subscriber of docID except
// excludeConnID. Non-blocking with respect to slow consumers: a full send
// queue is the Connection's own problem to enforce via SlowConsumer
// closure, not the registry's.
func (r *Registry) Broadcast(docID string, m *protocol.Message, excludeConnID string) {
	for _, c := range r.SubscribersOf(docID) {
		if c.ID() == excludeConnID {
			continue
		}
		_ = c.Send(c.Format(), m)
		metrics.BroadcastsTotal.WithLabelValues(string(m.Kind)).Inc()
	}
}
