// Package cache holds the in-memory, observable collection snapshot that UI
// collaborators read.
//
// A Cache never performs I/O and knows nothing about the document store. It
// is written only by its owning repository; everything else reads it through
// the View interface.
//
// Snapshots are copy-on-write: every write builds a new slice, so a slice
// returned by Snapshot stays valid (and unchanged) after later writes.
// Callers must not modify it.
package cache

import (
	"sync"

	"github.com/larderhq/larder/internal/schema"
)

// State is what observers receive after every change.
type State[E schema.Entity] struct {
	// Snapshot is the collection at the time of the change.
	Snapshot []E
	// Selected is the selected entity, valid only when HasSelection is true.
	Selected     E
	HasSelection bool
}

// View is the read-only boundary exposed to UI collaborators.
type View[E schema.Entity] interface {
	Snapshot() []E
	Selected() (E, bool)
	Subscribe(observer func(State[E])) (unsubscribe func())
}

// Cache is a uid-unique collection plus an optional selection.
//
// Writes are expected to be serialized by the caller (one logical owner).
// Reads are safe from any goroutine. Observers are called synchronously,
// outside the internal lock, so an observer may read the cache freely but
// must not write to it.
type Cache[E schema.Entity] struct {
	mu          sync.RWMutex
	entities    []E
	index       map[string]int
	selectedUID string

	obsMu     sync.Mutex
	observers map[uint64]func(State[E])
	nextObs   uint64
}

// New creates an empty cache.
func New[E schema.Entity]() *Cache[E] {
	return &Cache[E]{
		index:     make(map[string]int),
		observers: make(map[uint64]func(State[E])),
	}
}

// Snapshot returns the current collection.
func (c *Cache[E]) Snapshot() []E {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entities
}

// Get returns the cached entity with the given uid.
func (c *Cache[E]) Get(uid string) (E, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(uid)
}

// Selected returns the selected entity if its uid is still present.
func (c *Cache[E]) Selected() (E, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(c.selectedUID)
}

// SelectedUID returns the last selected uid, even if it is no longer present.
func (c *Cache[E]) SelectedUID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selectedUID
}

// Replace swaps the whole snapshot. Later duplicates of a uid win.
func (c *Cache[E]) Replace(entities []E) {
	next := make([]E, 0, len(entities))
	index := make(map[string]int, len(entities))
	for _, e := range entities {
		if i, ok := index[e.UID()]; ok {
			next[i] = e
			continue
		}
		index[e.UID()] = len(next)
		next = append(next, e)
	}

	c.mu.Lock()
	c.entities = next
	c.index = index
	state := c.stateLocked()
	c.mu.Unlock()

	c.notify(state)
}

// Upsert inserts e, or replaces the entity with the same uid in place.
func (c *Cache[E]) Upsert(e E) {
	c.mu.Lock()
	next := make([]E, len(c.entities), len(c.entities)+1)
	copy(next, c.entities)
	if i, ok := c.index[e.UID()]; ok {
		next[i] = e
	} else {
		c.index[e.UID()] = len(next)
		next = append(next, e)
	}
	c.entities = next
	state := c.stateLocked()
	c.mu.Unlock()

	c.notify(state)
}

// Remove deletes the entity with the given uid. Removing an absent uid is a
// no-op and does not notify observers.
func (c *Cache[E]) Remove(uid string) {
	c.mu.Lock()
	i, ok := c.index[uid]
	if !ok {
		c.mu.Unlock()
		return
	}
	next := make([]E, 0, len(c.entities)-1)
	next = append(next, c.entities[:i]...)
	next = append(next, c.entities[i+1:]...)
	delete(c.index, uid)
	for j := i; j < len(next); j++ {
		c.index[next[j].UID()] = j
	}
	c.entities = next
	state := c.stateLocked()
	c.mu.Unlock()

	c.notify(state)
}

// Select sets the selection to uid. An empty uid clears it.
func (c *Cache[E]) Select(uid string) {
	c.mu.Lock()
	c.selectedUID = uid
	state := c.stateLocked()
	c.mu.Unlock()

	c.notify(state)
}

// Subscribe registers an observer for every snapshot or selection change.
func (c *Cache[E]) Subscribe(observer func(State[E])) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = observer
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

func (c *Cache[E]) lookup(uid string) (E, bool) {
	if uid != "" {
		if i, ok := c.index[uid]; ok {
			return c.entities[i], true
		}
	}
	var zero E
	return zero, false
}

func (c *Cache[E]) stateLocked() State[E] {
	sel, ok := c.lookup(c.selectedUID)
	return State[E]{Snapshot: c.entities, Selected: sel, HasSelection: ok}
}

func (c *Cache[E]) notify(state State[E]) {
	c.obsMu.Lock()
	observers := make([]func(State[E]), 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.obsMu.Unlock()

	for _, obs := range observers {
		obs(state)
	}
}

var _ View[schema.Recipe] = (*Cache[schema.Recipe])(nil)
