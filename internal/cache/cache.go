package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/analysis"
)

// CacheItem represents a cached item with expiration
type CacheItem struct {
	Data      string
	ExpiresAt time.Time
}

// IsExpired checks if the cache item has expired
func (c *CacheItem) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Cache is a thread-safe TTL cache bounded by MaxItems
type Cache struct {
	mu       sync.RWMutex
	items    map[string]*CacheItem
	ttl      time.Duration
	maxItems int
	now      func() time.Time

	hits   int64
	misses int64
}

// NewCache creates a new cache with the specified TTL
func NewCache(ttl time.Duration, maxItems int) *Cache {
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &Cache{
		items:    make(map[string]*CacheItem),
		ttl:      ttl,
		maxItems: maxItems,
		now:      time.Now,
	}
}

// Run removes expired items every interval until ctx ends
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, item := range c.items {
		if item.IsExpired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Key hashes an arbitrary string into a cache key
func Key(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Get retrieves an item from the cache
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || item.IsExpired(c.now()) {
		atomic.AddInt64(&c.misses, 1)
		return "", false
	}
	atomic.AddInt64(&c.hits, 1)
	return item.Data, true
}

// Set stores an item in the cache
func (c *Cache) Set(key, data string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxItems {
		c.evictOldestLocked()
	}
	c.items[key] = &CacheItem{Data: data, ExpiresAt: now.Add(c.ttl)}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, item := range c.items {
		if oldestKey == "" || item.ExpiresAt.Before(oldest) {
			oldestKey, oldest = key, item.ExpiresAt
		}
	}
	delete(c.items, oldestKey)
}

// Delete removes an item from the cache
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Clear removes all items from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*CacheItem)
}

// Size returns the number of items in the cache
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Stats returns cache statistics
func (c *Cache) Stats() map[string]interface{} {
	now := c.now()
	c.mu.RLock()
	totalItems := len(c.items)
	expiredItems := 0
	for _, item := range c.items {
		if item.IsExpired(now) {
			expiredItems++
		}
	}
	c.mu.RUnlock()

	return map[string]interface{}{
		"total_items":   totalItems,
		"expired_items": expiredItems,
		"active_items":  totalItems - expiredItems,
		"max_items":     c.maxItems,
		"ttl_seconds":   c.ttl.Seconds(),
		"hits":          atomic.LoadInt64(&c.hits),
		"misses":        atomic.LoadInt64(&c.misses),
	}
}

// Fetcher serves page content from the cache and falls through to the
// wrapped fetcher on a miss. Failed fetches are not cached.
type Fetcher struct {
	inner analysis.ContentFetcher
	cache *Cache
}

// NewFetcher wraps inner with c
func NewFetcher(inner analysis.ContentFetcher, c *Cache) *Fetcher {
	return &Fetcher{inner: inner, cache: c}
}

// Fetch implements analysis.ContentFetcher
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	key := Key(rawURL)
	if html, ok := f.cache.Get(key); ok {
		slog.Debug("Content cache hit", "url", rawURL)
		return html, nil
	}

	html, err := f.inner.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	f.cache.Set(key, html)
	return html, nil
}
