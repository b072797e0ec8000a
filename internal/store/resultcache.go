package store

import (
	"sync"
	"time"

	"github.com/pipewatch/pkg/models"
)

type cachedResult struct {
	result    *models.AnalysisResult
	expiresAt time.Time
}

// ResultCache keeps completed results queryable for a retention window.
// Expired entries are evicted lazily on access.
type ResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedResult

	now func() time.Time
}

// NewResultCache creates a cache whose entries live for ttl.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:     ttl,
		entries: make(map[string]cachedResult),
		now:     time.Now,
	}
}

// Put stores a result under a request id.
func (c *ResultCache) Put(requestID string, result *models.AnalysisResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = cachedResult{
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Get returns the cached result, or nil once the retention window has
// elapsed.
func (c *ResultCache) Get(requestID string) *models.AnalysisResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[requestID]
	if !ok {
		return nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, requestID)
		return nil
	}
	return entry.result
}

// Len reports live entry count, evicting expired entries on the way.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	return len(c.entries)
}
