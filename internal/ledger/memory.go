package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stonearbor/stonearbor/internal/models"
)

const (
	defaultCapacity = 1000
	// evictFraction of the oldest entries is dropped once capacity is
	// exceeded, so eviction work is amortised instead of per-insert.
	evictFraction = 5
)

// MemoryStore keeps processed event IDs in a capacity-bounded map. Entries
// do not survive a process restart: an event redelivered across a restart
// will be reprocessed. Whether that is acceptable depends on the provider's
// redelivery window; deployments that need stronger guarantees should use
// the redis store.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	events   map[string]models.ProcessedEvent
	now      func() time.Time
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		events:   make(map[string]models.ProcessedEvent),
		now:      time.Now,
	}
}

func (m *MemoryStore) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.events[eventKey(eventID)]
	return seen, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[eventKey(eventID)] = models.ProcessedEvent{
		ID:          eventID,
		EventType:   eventType,
		ProcessedAt: m.now(),
	}
	if len(m.events) > m.capacity {
		m.evictOldest()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// evictOldest drops the oldest fifth of entries by processed timestamp.
// Sorting guarantees no surviving entry is older than an evicted one.
func (m *MemoryStore) evictOldest() {
	entries := make([]models.ProcessedEvent, 0, len(m.events))
	keys := make(map[string]string, len(m.events))
	for key, event := range m.events {
		entries = append(entries, event)
		keys[event.ID] = key
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ProcessedAt.Before(entries[j].ProcessedAt)
	})

	drop := len(entries) / evictFraction
	if drop < 1 {
		drop = 1
	}
	for _, event := range entries[:drop] {
		delete(m.events, keys[event.ID])
	}
}

func (m *MemoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
