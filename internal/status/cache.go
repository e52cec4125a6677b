package status

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a cached record may be. Polling runs on
// a one-minute cadence, so 30s staleness is acceptable and saves one store
// read per room per cycle.
const DefaultCacheTTL = 30 * time.Second

// Cache is a read-through TTL cache of per-room status records.
//
// It stores and returns deep copies only; a caller mutating what it got
// back (or what it put in) never affects other readers.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	rec      *Record
	storedAt time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return NewCacheAt(ttl, time.Now)
}

// NewCacheAt injects the clock; tests step it to expire entries.
func NewCacheAt(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, now: now, entries: map[string]cacheEntry{}}
}

// Get returns a fresh copy, or (nil, false) on miss. A stale entry is
// evicted and reported as a miss.
func (c *Cache) Get(room string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[room]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, room)
		return nil, false
	}
	return e.rec.Clone(), true
}

func (c *Cache) Set(room string, rec *Record) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	c.entries[room] = cacheEntry{rec: rec.Clone(), storedAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache) Invalidate(room string) {
	c.mu.Lock()
	delete(c.entries, room)
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}

// Len reports the number of cached entries (stale ones included until
// their next read). Exposed for the /stats command.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
