package page

import (
	"container/list"
	"sync"
)

// Cache is a single-mutex LRU cache of decoded page buffers, keyed
// directly by page id (spec §5: "the page cache... is protected by its
// own mutex"). Unlike a block cache keyed by opaque file offsets, page
// ids are already small dense integers, so sharding for distribution
// buys nothing here; one mutex keeps eviction bookkeeping simple.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	entries  map[uint64]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	pageID uint64
	buf    []byte
}

// NewCache creates a page cache with the given capacity in bytes. A
// non-positive capacity disables caching: Get always misses and Put is
// a no-op.
func NewCache(capacityBytes int64) *Cache {
	return &Cache{
		capacity: capacityBytes,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a cached page's buffer and whether it was found. The
// returned slice is owned by the cache and must not be mutated.
func (c *Cache) Get(pageID uint64) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[pageID]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).buf, true
}

// Put inserts or replaces a page's cached buffer, evicting the least
// recently used entries until the cache is back under capacity.
func (c *Cache) Put(pageID uint64, buf []byte) {
	if c.capacity <= 0 {
		return
	}
	size := int64(len(buf))
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.capacity {
		c.invalidateLocked(pageID)
		return
	}

	if elem, ok := c.entries[pageID]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size += size - int64(len(entry.buf))
		entry.buf = buf
		c.lru.MoveToFront(elem)
	} else {
		entry := &cacheEntry{pageID: pageID, buf: buf}
		elem := c.lru.PushFront(entry)
		c.entries[pageID] = elem
		c.size += size
	}

	for c.size > c.capacity && c.lru.Len() > 0 {
		c.evictOldest()
	}
}

// Invalidate drops pageID from the cache, if present. Callers must
// invalidate on every write so a stale buffer is never served after a
// page is overwritten or recycled onto the free-list.
func (c *Cache) Invalidate(pageID uint64) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(pageID)
}

func (c *Cache) invalidateLocked(pageID uint64) {
	elem, ok := c.entries[pageID]
	if !ok {
		return
	}
	c.lru.Remove(elem)
	delete(c.entries, pageID)
	c.size -= int64(len(elem.Value.(*cacheEntry).buf))
}

func (c *Cache) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := c.lru.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.pageID)
	c.size -= int64(len(entry.buf))
}

// Reset clears the entire cache. Neither Close nor crash replay calls
// it; replay's page writes replace the affected entries one by one.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.lru = list.New()
	c.size = 0
}
