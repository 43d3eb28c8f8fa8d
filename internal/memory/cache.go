package memory

import (
	"fmt"
	"sync"
)

const defaultCacheSize = 64

// queryCache memoizes semantic search results per (run, query, k). Any
// write to the store invalidates the whole cache: staleness is worse for
// prose continuity than the cost of re-running a search.
type queryCache struct {
	mu      sync.Mutex
	max     int
	entries map[string][]ScoredDocument
	order   []string

	hits          int
	misses        int
	invalidations int
}

func newQueryCache(max int) *queryCache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &queryCache{
		max:     max,
		entries: make(map[string][]ScoredDocument),
	}
}

func cacheKey(runID, query string, k int) string {
	return fmt.Sprintf("%s\x1f%s\x1f%d", runID, query, k)
}

// Get returns a copy of the cached results so callers cannot mutate the
// cached slice.
func (c *queryCache) Get(runID, query string, k int) ([]ScoredDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, ok := c.entries[cacheKey(runID, query, k)]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	out := make([]ScoredDocument, len(docs))
	copy(out, docs)
	return out, true
}

func (c *queryCache) Put(runID, query string, k int, docs []ScoredDocument) {
	key := cacheKey(runID, query, k)
	stored := make([]ScoredDocument, len(docs))
	copy(stored, docs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = stored
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = stored
	c.order = append(c.order, key)
}

func (c *queryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return
	}
	c.entries = make(map[string][]ScoredDocument)
	c.order = nil
	c.invalidations++
}

// CacheStats counts cache traffic since the store opened.
type CacheStats struct {
	Hits          int
	Misses        int
	Invalidations int
	Entries       int
}

func (c *queryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Entries:       len(c.entries),
	}
}
