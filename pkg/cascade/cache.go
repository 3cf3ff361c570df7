package cascade

import (
	"container/list"
	"sync"
	"time"
)

// cacheKey is the (input-hash, context-hash) pair identifying one inference.
type cacheKey struct {
	input   uint64
	context uint64
}

type cacheItem struct {
	key    cacheKey
	result *Result
	expiry time.Time
	elem   *list.Element
}

// resultCache is a bounded LRU with per-entry TTL. Reads take the lock too
// since a hit promotes the entry.
type resultCache struct {
	mu       sync.Mutex
	items    map[cacheKey]*cacheItem
	order    *list.List // front = most recent
	capacity int
	ttl      time.Duration

	hits      int64
	misses    int64
	evictions int64
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		items:    make(map[cacheKey]*cacheItem),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

func (c *resultCache) get(key cacheKey) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(item.expiry) {
		c.removeLocked(item)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(item.elem)
	c.hits++
	return item.result, true
}

func (c *resultCache) put(key cacheKey, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		item.result = result
		item.expiry = time.Now().Add(c.ttl)
		c.order.MoveToFront(item.elem)
		return
	}

	for len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheItem))
		c.evictions++
	}

	item := &cacheItem{key: key, result: result, expiry: time.Now().Add(c.ttl)}
	item.elem = c.order.PushFront(item)
	c.items[key] = item
}

func (c *resultCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[cacheKey]*cacheItem)
	c.order.Init()
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *resultCache) removeLocked(item *cacheItem) {
	c.order.Remove(item.elem)
	delete(c.items, item.key)
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.items),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
