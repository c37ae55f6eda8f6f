package cas

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize is used when a cache is created with a non-positive size.
const DefaultMaxSize = 1000

// Cache is a result cache with LRU eviction and age based expiry. It is safe
// for concurrent use; every method is a short critical section.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*list.Element
	evictList *list.List
	maxSize   int

	hits        uint64
	misses      uint64
	stale       uint64
	evictions   uint64
	expirations uint64
}

// NewCache creates an empty cache holding at most maxSize entries.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		entries:   make(map[string]*list.Element),
		evictList: list.New(),
		maxSize:   maxSize,
	}
}

// Get returns the stored result for id if it was computed from content. An
// entry computed from different content is dropped.
func (c *Cache) Get(id, content string) (Result, bool) {
	h := HashContent(content)
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		c.misses++
		return Result{}, false
	}
	entry := elem.Value.(*Entry)
	if entry.Hash != h {
		c.removeElement(elem)
		c.stale++
		c.misses++
		return Result{}, false
	}
	entry.AccessCount++
	entry.LastAccess = time.Now()
	c.evictList.MoveToFront(elem)
	c.hits++
	return entry.Result, true
}

// Put stores result for id, replacing whatever was there, and evicts least
// recently used entries until the cache is back within capacity.
func (c *Cache) Put(id, content string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(&Entry{
		ID:       id,
		Hash:     HashContent(content),
		Result:   result,
		CachedAt: time.Now(),
	})
}

// put inserts entry as most recently used. Caller holds the lock.
func (c *Cache) put(entry *Entry) {
	if entry.LastAccess.IsZero() {
		entry.LastAccess = entry.CachedAt
	}
	if elem, ok := c.entries[entry.ID]; ok {
		elem.Value = entry
		c.evictList.MoveToFront(elem)
		return
	}
	c.entries[entry.ID] = c.evictList.PushFront(entry)
	for c.evictList.Len() > c.maxSize {
		c.evictOldest()
	}
}

// evictOldest removes the least recently used entry.
func (c *Cache) evictOldest() {
	elem := c.evictList.Back()
	if elem != nil {
		c.removeElement(elem)
		c.evictions++
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	delete(c.entries, elem.Value.(*Entry).ID)
}

// Remove drops the entry for id, if any.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.evictList.Init()
}

// CleanupExpired drops entries cached more than maxAge ago and returns how
// many were removed.
func (c *Cache) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for elem := c.evictList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).CachedAt.Before(cutoff) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	c.expirations += uint64(removed)
	return removed
}

// SetMaxSize changes the capacity, evicting if the cache is now over it.
func (c *Cache) SetMaxSize(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = n
	for c.evictList.Len() > c.maxSize {
		c.evictOldest()
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Entries returns copies of all entries, most recently used first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, c.evictList.Len())
	for elem := c.evictList.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*Entry))
	}
	return out
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Size        int
	MaxSize     int
	Hits        uint64
	Misses      uint64
	Stale       uint64
	Evictions   uint64
	Expirations uint64
}

// HitRate is hits over lookups, or zero before the first lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns current cache statistics
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:        c.evictList.Len(),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Stale:       c.stale,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}
