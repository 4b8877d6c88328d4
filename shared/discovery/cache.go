package discovery

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	services []ServiceInstance
	expires  time.Time
}

// queryCache holds discovery results keyed by the serialized query. Every
// invalidation bumps the generation so results computed before it are dropped.
type queryCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	generation uint64
	hits       int64
	misses     int64
}

func newQueryCache() *queryCache {
	return &queryCache{entries: make(map[string]cacheEntry)}
}

func cacheKey(q Query) string {
	if len(q.Tags) > 1 {
		tags := append([]string(nil), q.Tags...)
		sort.Strings(tags)
		q.Tags = tags
	}
	data, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return string(data)
}

func (c *queryCache) get(key string, now time.Time) ([]ServiceInstance, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && now.Before(entry.expires) {
		c.hits++
		return entry.services, c.generation, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.misses++
	return nil, c.generation, false
}

func (c *queryCache) put(key string, services []ServiceInstance, expires time.Time, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == "" || generation != c.generation {
		return
	}
	c.entries[key] = cacheEntry{services: services, expires: expires}
}

func (c *queryCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.entries = make(map[string]cacheEntry)
}

func (c *queryCache) stats() (entries int, hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.hits, c.misses
}
