package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultMaxCacheSize is the default aggregate capacity in bytes.
	DefaultMaxCacheSize = 1049000

	// DefaultMaxObjectSize is the default per-object limit in bytes.
	DefaultMaxObjectSize = 102400
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrObjectTooLarge indicates an object exceeds the per-object limit
	ErrObjectTooLarge = errors.New("object too large to cache")
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries       int    `json:"entries"`
	Size          int64  `json:"size"`
	Capacity      int64  `json:"capacity"`
	MaxObjectSize int64  `json:"max_object_size"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
}

// LRU is a byte-bounded least-recently-used response cache, safe for
// concurrent use. The front of the recency list is the most recently used
// entry; eviction removes from the back.
type LRU struct {
	mu            sync.Mutex
	maxSize       int64
	maxObjectSize int64
	used          int64
	ll            *list.List
	items         map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLRU creates a cache holding at most maxSize bytes, with no single
// object larger than maxObjectSize.
func NewLRU(maxSize, maxObjectSize int64) *LRU {
	if maxSize <= 0 || maxObjectSize <= 0 {
		panic(fmt.Sprintf("cache sizes must be positive (got %d, %d)", maxSize, maxObjectSize))
	}
	if maxObjectSize > maxSize {
		panic(fmt.Sprintf("max object size %d exceeds cache size %d", maxObjectSize, maxSize))
	}
	return &LRU{
		maxSize:       maxSize,
		maxObjectSize: maxObjectSize,
		ll:            list.New(),
		items:         make(map[string]*list.Element),
	}
}

// Get returns a copy of the response stored under key and marks it most
// recently used. Returns ErrCacheMiss if the key is not resident.
func (c *LRU) Get(key CacheKey) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key.String()]
	if !ok {
		c.misses++
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	c.ll.MoveToFront(elem)
	c.hits++
	CacheHits.Inc()

	entry := elem.Value.(*CacheEntry)
	out := make([]byte, len(entry.Data))
	copy(out, entry.Data)
	return out, nil
}

// Put stores a copy of data under key as the most recently used entry.
// An existing entry under the same key is replaced. Least recently used
// entries are evicted until the new entry fits. Objects larger than the
// per-object limit are refused with ErrObjectTooLarge.
func (c *LRU) Put(key CacheKey, data []byte) error {
	size := int64(len(data))
	if size > c.maxObjectSize {
		CacheRejected.Inc()
		return fmt.Errorf("%w: %d > %d bytes", ErrObjectTooLarge, size, c.maxObjectSize)
	}

	entry := &CacheEntry{
		Key:  key.String(),
		Data: make([]byte, len(data)),
	}
	copy(entry.Data, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entry.Key]; ok {
		c.removeElement(elem)
	}

	for c.maxSize-c.used < size && c.ll.Len() > 0 {
		c.removeElement(c.ll.Back())
		c.evictions++
		CacheEvictions.Inc()
	}

	c.items[entry.Key] = c.ll.PushFront(entry)
	c.used += size
	c.updateGauges()
	return nil
}

// Remove deletes the entry stored under key. It reports whether an entry
// was removed.
func (c *LRU) Remove(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key.String()]
	if !ok {
		return false
	}
	c.removeElement(elem)
	c.updateGauges()
	return true
}

// Purge removes all entries. Counters are kept.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.used = 0
	c.updateGauges()
}

// Len returns the number of resident entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Size returns the number of bytes held by resident entries.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Keys returns resident keys, most recently used first.
func (c *LRU) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.ll.Len())
	for e := c.ll.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*CacheEntry).Key)
	}
	return keys
}

// Stats returns current counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:       c.ll.Len(),
		Size:          c.used,
		Capacity:      c.maxSize,
		MaxObjectSize: c.maxObjectSize,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
	}
}

// MaxObjectSize returns the per-object limit.
func (c *LRU) MaxObjectSize() int64 {
	return c.maxObjectSize
}

// removeElement unlinks elem and reclaims its size. Caller holds mu.
func (c *LRU) removeElement(elem *list.Element) {
	entry := c.ll.Remove(elem).(*CacheEntry)
	delete(c.items, entry.Key)
	c.used -= entry.Size()
}

// updateGauges publishes size and entry count. Caller holds mu.
func (c *LRU) updateGauges() {
	CacheSize.Set(float64(c.used))
	CacheEntries.Set(float64(c.ll.Len()))
}
