package tenancy

import (
	"sync"
	"time"
)

type cacheEntry struct {
	orgID     string
	expiresAt time.Time
}

// TTLCache is a small read-through cache for hint -> org lookups. Entries
// expire after ttl; a zero ttl disables caching.
type TTLCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

// WithClock overrides the time source.
func (c *TTLCache) WithClock(now func() time.Time) *TTLCache {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *TTLCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.orgID, true
}

func (c *TTLCache) Set(key, orgID string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{orgID: orgID, expiresAt: c.now().Add(c.ttl)}
}

func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteOrg drops every entry that resolves to orgID.
func (c *TTLCache) DeleteOrg(orgID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.orgID == orgID {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
