package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/transflow/transflow/pkg/types"
)

// LRUCache is the process-local tier: a thread-safe, capacity-bounded LRU
// with per-entry TTL. Values are copied on Put and Get so callers can never
// mutate a cached entry in place.
type LRUCache struct {
	mu          sync.Mutex
	capacity    int64
	maxEntries  int
	maxTTL      time.Duration
	currentSize int64
	items       map[types.CacheKey]*lruItem
	evictList   *list.List

	stats types.CacheStats
}

type lruItem struct {
	key       types.CacheKey
	data      []byte
	size      int64
	expiresAt time.Time
	element   *list.Element
}

// LRUConfig bounds the process-local tier.
type LRUConfig struct {
	MaxSize    int64
	MaxEntries int
	// MaxTTL caps the retention of any entry regardless of the TTL it was
	// stored with. Zero means no cap.
	MaxTTL time.Duration
}

// NewLRUCache creates a new LRU cache.
func NewLRUCache(cfg LRUConfig) *LRUCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 256 * 1024 * 1024
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &LRUCache{
		capacity:   cfg.MaxSize,
		maxEntries: cfg.MaxEntries,
		maxTTL:     cfg.MaxTTL,
		items:      make(map[types.CacheKey]*lruItem),
		evictList:  list.New(),
		stats: types.CacheStats{
			Capacity: cfg.MaxSize,
		},
	}
}

// Get retrieves a value, returning (nil, false) on miss or expiry.
func (c *LRUCache) Get(key types.CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}

	if c.expired(item, time.Now()) {
		c.removeItem(item)
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}

	c.evictList.MoveToFront(item.element)
	c.stats.Hits++
	c.updateHitRate()

	result := make([]byte, len(item.data))
	copy(result, item.data)
	return result, true
}

// Put stores a value with the given TTL. A non-positive TTL stores nothing;
// content-addressed entries are immutable, so a Put over an existing key
// only refreshes its expiry and recency.
func (c *LRUCache) Put(key types.CacheKey, data []byte, ttl time.Duration) {
	if len(data) == 0 || ttl <= 0 {
		return
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)

	if item, exists := c.items[key]; exists {
		item.expiresAt = expiresAt
		c.evictList.MoveToFront(item.element)
		return
	}

	item := &lruItem{
		key:       key,
		data:      make([]byte, len(data)),
		size:      int64(len(data)),
		expiresAt: expiresAt,
	}
	copy(item.data, data)
	item.element = c.evictList.PushFront(item)

	c.items[key] = item
	c.currentSize += item.size

	c.evictIfNeeded()
}

// Delete removes a key from the cache.
func (c *LRUCache) Delete(key types.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// Sweep removes every expired entry. The multi-level cache calls this on a
// background interval to bound memory between reads.
func (c *LRUCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*lruItem
	for _, item := range c.items {
		if c.expired(item, now) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		c.removeItem(item)
	}
	return len(expired)
}

// Len returns the number of live entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the current cache size in bytes.
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSize
	stats.Entries = len(c.items)
	return stats
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[types.CacheKey]*lruItem)
	c.evictList.Init()
	c.currentSize = 0
}

func (c *LRUCache) expired(item *lruItem, now time.Time) bool {
	return now.After(item.expiresAt)
}

func (c *LRUCache) removeItem(item *lruItem) {
	if item.element != nil {
		c.evictList.Remove(item.element)
	}
	delete(c.items, item.key)
	c.currentSize -= item.size
}

func (c *LRUCache) evictIfNeeded() {
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
	}
	for len(c.items) > c.maxEntries && c.evictList.Len() > 0 {
		c.evictOldest()
	}
}

// evictOldest removes the least recently used entry. Only capacity pressure
// counts as an eviction; explicit deletes and TTL expiry do not.
func (c *LRUCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(*lruItem))
	c.stats.Evictions++
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
