package status

import "sync"

// Cache is the in-memory map of entity ID to the latest computed StatusData.
// It is the single source the API, broadcaster and detector read from.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]StatusData
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]StatusData)}
}

// Get returns the cached data for an entity.
func (c *Cache) Get(id string) (StatusData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[id]
	return d, ok
}

// Set stores the evaluation result and returns the previous entry.
func (c *Cache) Set(d StatusData) (StatusData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, had := c.entries[d.ID]
	c.entries[d.ID] = d
	return prev, had
}

// StatusOf returns the cached status, or StatusUnknown when the entity has
// never been evaluated.
func (c *Cache) StatusOf(id string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.entries[id]; ok {
		return d.Status
	}
	return StatusUnknown
}

// All returns a copy of every cached entry.
func (c *Cache) All() map[string]StatusData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StatusData, len(c.entries))
	for id, d := range c.entries {
		out[id] = d
	}
	return out
}

// Retain drops entries whose ID the keep function rejects. Called after a
// configuration reload removes entities.
func (c *Cache) Retain(keep func(id string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		if !keep(id) {
			delete(c.entries, id)
		}
	}
}
