package visionenrich

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"conductor/internal/domain/vision"
)

const defaultCacheSize = 512

// cacheEntry holds a computed view along with the timestamp it was stored.
type cacheEntry struct {
	rows     []vision.Alignment
	storedAt time.Time
}

// LRUCache is the in-process AlignmentCache. Entries expire after the TTL;
// stored slices are copied on both sides so readers never observe a
// partially-updated view.
type LRUCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewLRUCache builds a cache with the given size and TTL. Size falls back
// to a sensible default when non-positive.
func NewLRUCache(size int, ttl time.Duration) (*LRUCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	inner, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: inner, ttl: ttl, now: time.Now}, nil
}

// Get returns a fresh cached view.
func (c *LRUCache) Get(_ context.Context, taskID string) ([]vision.Alignment, bool) {
	entry, ok := c.cache.Get(taskID)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.storedAt) > c.ttl {
		c.cache.Remove(taskID)
		return nil, false
	}
	return append([]vision.Alignment(nil), entry.rows...), true
}

// Set stores a computed view.
func (c *LRUCache) Set(_ context.Context, taskID string, rows []vision.Alignment) {
	c.cache.Add(taskID, cacheEntry{
		rows:     append([]vision.Alignment(nil), rows...),
		storedAt: c.now(),
	})
}

// Invalidate drops a task's cached view.
func (c *LRUCache) Invalidate(_ context.Context, taskID string) {
	c.cache.Remove(taskID)
}
