// Package sink contains the in-memory entity state store and helpers to
// combine several entity sinks.
package sink

import (
	"sort"
	"sync"

	"github.com/tejusbharadwaj/blueconnect/internal/entity"
)

// Event kinds emitted by sinks
const (
	EventAdded   = "added"
	EventChanged = "changed"
	EventRemoved = "removed"
)

const subscriberBuffer = 100

// Event is a rendered entity change
type Event struct {
	Type  string             `json:"type"`
	State entity.Description `json:"state"`
}

// MemoryStore keeps the latest rendering of every entity and publishes
// changes to subscribers. Delivery is non-blocking; a subscriber whose
// buffer is full misses events.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]entity.Description

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      make(map[string]entity.Description),
		subscribers: make(map[chan Event]struct{}),
	}
}

func (m *MemoryStore) AddEntities(entities []entity.Entity) {
	for _, e := range entities {
		m.store(EventAdded, entity.Describe(e))
	}
}

func (m *MemoryStore) StateChanged(e entity.Entity) {
	m.store(EventChanged, entity.Describe(e))
}

func (m *MemoryStore) RemoveEntity(e entity.Entity) {
	d := entity.Describe(e)

	m.mu.Lock()
	delete(m.states, d.UniqueID)
	m.mu.Unlock()

	m.notify(Event{Type: EventRemoved, State: d})
}

func (m *MemoryStore) store(kind string, d entity.Description) {
	m.mu.Lock()
	m.states[d.UniqueID] = d
	m.mu.Unlock()

	m.notify(Event{Type: kind, State: d})
}

// Get returns the latest rendering of the entity with uniqueID
func (m *MemoryStore) Get(uniqueID string) (entity.Description, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.states[uniqueID]
	return d, ok
}

// GetAll returns every rendering ordered by unique id
func (m *MemoryStore) GetAll() []entity.Description {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]entity.Description, 0, len(m.states))
	for _, d := range m.states {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UniqueID < all[j].UniqueID })
	return all
}

// Subscribe returns a channel receiving every event. Call Unsubscribe when
// done.
func (m *MemoryStore) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (m *MemoryStore) Unsubscribe(ch <-chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for sub := range m.subscribers {
		if sub == ch {
			delete(m.subscribers, sub)
			close(sub)
			return
		}
	}
}

func (m *MemoryStore) notify(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Fanout forwards every call to each of its sinks in order
type Fanout []entity.Sink

func (f Fanout) AddEntities(entities []entity.Entity) {
	for _, s := range f {
		s.AddEntities(entities)
	}
}

func (f Fanout) StateChanged(e entity.Entity) {
	for _, s := range f {
		s.StateChanged(e)
	}
}

func (f Fanout) RemoveEntity(e entity.Entity) {
	for _, s := range f {
		s.RemoveEntity(e)
	}
}

var (
	_ entity.Sink = (*MemoryStore)(nil)
	_ entity.Sink = Fanout(nil)
)
