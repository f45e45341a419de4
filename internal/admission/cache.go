package admission

import "sync"

// RecentIDCache is a fixed-capacity ring of recently admitted ids. The oldest
// id is evicted when a new one arrives at capacity.
type RecentIDCache struct {
	mu    sync.Mutex
	ring  []string
	next  int
	full  bool
	index map[string]int // id -> occurrences in ring
}

// NewRecentIDCache creates a cache holding up to capacity ids
func NewRecentIDCache(capacity int) *RecentIDCache {
	if capacity < 1 {
		capacity = 1
	}
	return &RecentIDCache{
		ring:  make([]string, capacity),
		index: make(map[string]int, capacity),
	}
}

// Contains reports whether id is cached
func (c *RecentIDCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index[id] > 0
}

// Add appends id, evicting the oldest entry when full
func (c *RecentIDCache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.full {
		old := c.ring[c.next]
		if c.index[old]--; c.index[old] <= 0 {
			delete(c.index, old)
		}
	}
	c.ring[c.next] = id
	c.index[id]++
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
}

// Len returns the number of cached ids
func (c *RecentIDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return len(c.ring)
	}
	return c.next
}

// Capacity returns the maximum number of ids held
func (c *RecentIDCache) Capacity() int { return len(c.ring) }
