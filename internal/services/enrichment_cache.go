package services

import (
	"sync"
	"time"

	"github.com/deviceguard/server/internal/models"
)

// IPCache is a thread-safe in-memory cache of enrichment lookups
type IPCache struct {
	mu    sync.RWMutex
	items map[string]*ipCacheItem
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

type ipCacheItem struct {
	// Enrichment is nil for addresses the lookup service knows nothing about
	Enrichment *models.IPEnrichment
	ExpiresAt  time.Time
}

// NewIPCache creates a new cache with the specified TTL
func NewIPCache(ttl time.Duration) *IPCache {
	cache := &IPCache{
		items: make(map[string]*ipCacheItem),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	// Start background cleanup goroutine
	go cache.cleanupExpired(5 * time.Minute)

	return cache
}

// Get retrieves a cached lookup if it exists and hasn't expired
func (c *IPCache) Get(ip string) (*models.IPEnrichment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[ip]
	if !exists || time.Now().After(item.ExpiresAt) {
		return nil, false
	}
	return item.Enrichment, true
}

// Set stores a lookup result with the cache TTL
func (c *IPCache) Set(ip string, e *models.IPEnrichment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[ip] = &ipCacheItem{
		Enrichment: e,
		ExpiresAt:  time.Now().Add(c.ttl),
	}
}

// Size returns the number of cached items
func (c *IPCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Close stops the cleanup goroutine
func (c *IPCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupExpired runs periodically to remove expired items
func (c *IPCache) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		now := time.Now()
		for ip, item := range c.items {
			if now.After(item.ExpiresAt) {
				delete(c.items, ip)
			}
		}
		c.mu.Unlock()
	}
}
