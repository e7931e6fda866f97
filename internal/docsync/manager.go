package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/clock"
	"github.com/matthewcorven/synckit-sub003/internal/docsync/store"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
)

// Manager owns the set of live per-document coordinators, creating one
// lazily on first reference and removing it once it reports itself idle.
type Manager struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator

	cfg         Config
	store       store.DocumentStore
	broadcaster Broadcaster
	publisher   Publisher
	clk         clock.Clock
}

// NewManager builds an empty manager. Coordinators are created on demand
// by Get.
func NewManager(cfg Config, st store.DocumentStore, b Broadcaster, pub Publisher, clk clock.Clock) *Manager {
	return &Manager{
		coordinators: make(map[string]*Coordinator),
		cfg:          cfg,
		store:        st,
		broadcaster:  b,
		publisher:    pub,
		clk:          clk,
	}
}

// Get returns the coordinator for docID, loading its state and starting
// its worker goroutine on first reference.
func (m *Manager) Get(ctx context.Context, docID string) (*Coordinator, error) {
	m.mu.Lock()
	if c, ok := m.coordinators[docID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := NewCoordinator(ctx, docID, m.cfg, m.store, m.broadcaster, m.publisher, m.clk, m.onIdle)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.coordinators[docID]; ok {
		m.mu.Unlock()
		c.Shutdown(0)
		return existing, nil
	}
	m.coordinators[docID] = c
	metrics.CoordinatorsLoaded.Set(float64(len(m.coordinators)))
	m.mu.Unlock()
	return c, nil
}

// SetPublisher wires the bus-facing publisher after construction, breaking
// the construction-order cycle between the manager and the fanout (which
// itself needs the manager to replay remote deltas). Must be called before
// any coordinator is created via Get; coordinators capture the publisher
// at creation time and do not observe later calls.
func (m *Manager) SetPublisher(pub Publisher) {
	m.mu.Lock()
	m.publisher = pub
	m.mu.Unlock()
}

// Peek returns the coordinator for docID without creating one.
func (m *Manager) Peek(docID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[docID]
	return c, ok
}

func (m *Manager) onIdle(docID string) {
	m.mu.Lock()
	delete(m.coordinators, docID)
	metrics.CoordinatorsLoaded.Set(float64(len(m.coordinators)))
	m.mu.Unlock()
}

// Len reports the number of currently loaded coordinators, for metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coordinators)
}

// Shutdown drains every live coordinator, waiting up to grace for each.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Shutdown(grace)
		}(c)
	}
	wg.Wait()
	logger.Sync().Info().Int("count", len(coords)).Msg("all coordinators drained")
}
