package apikey

import (
	"container/heap"
	"sync"
	"time"
)

// CacheOptions configures the verified-key cache.
type CacheOptions struct {
	TTL     time.Duration // default 5 minutes
	MaxSize int           // default 1000
}

// DefaultCacheOptions returns the default cache options
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{TTL: 5 * time.Minute, MaxSize: 1000}
}

type cachedKey struct {
	slug       string
	keyID      string
	version    uint64 // directory snapshot version the entry was verified against
	validUntil time.Time
}

// fifoEntry orders cache entries by insertion for eviction.
type fifoEntry struct {
	lookup     string
	insertedAt int64
	index      int
}

type fifoHeap []*fifoEntry

func (h fifoHeap) Len() int           { return len(h) }
func (h fifoHeap) Less(i, j int) bool { return h[i].insertedAt < h[j].insertedAt }
func (h fifoHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fifoHeap) Push(x interface{}) {
	e := x.(*fifoEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fifoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	e.index = -1
	*h = old[:n-1]
	return e
}

// keyCache remembers successful bcrypt verifications, keyed by the SHA-256
// lookup key of the presented credential.
type keyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	entries map[string]cachedKey
	order   fifoHeap
	index   map[string]*fifoEntry
	counter int64

	hits, misses, evictions int
}

func newKeyCache(opts CacheOptions) *keyCache {
	def := DefaultCacheOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	return &keyCache{
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		entries: make(map[string]cachedKey, opts.MaxSize),
		index:   make(map[string]*fifoEntry, opts.MaxSize),
	}
}

// get returns the entry for lookup if it is fresh and was verified against
// the given directory version.
func (c *keyCache) get(lookup string, version uint64) (cachedKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[lookup]
	if !ok {
		c.misses++
		return cachedKey{}, false
	}
	if e.version != version || c.now().After(e.validUntil) {
		c.removeLocked(lookup)
		c.misses++
		c.evictions++
		return cachedKey{}, false
	}
	c.hits++
	return e, true
}

func (c *keyCache) put(lookup string, e cachedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.validUntil = c.now().Add(c.ttl)
	c.removeLocked(lookup)
	c.entries[lookup] = e
	fe := &fifoEntry{lookup: lookup, insertedAt: c.counter}
	c.counter++
	heap.Push(&c.order, fe)
	c.index[lookup] = fe

	for len(c.entries) > c.maxSize && c.order.Len() > 0 {
		oldest := heap.Pop(&c.order).(*fifoEntry)
		delete(c.index, oldest.lookup)
		delete(c.entries, oldest.lookup)
		c.evictions++
	}
}

func (c *keyCache) removeLocked(lookup string) {
	if fe, ok := c.index[lookup]; ok {
		heap.Remove(&c.order, fe.index)
		delete(c.index, lookup)
	}
	delete(c.entries, lookup)
}

func (c *keyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedKey, c.maxSize)
	c.index = make(map[string]*fifoEntry, c.maxSize)
	c.order = nil
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Evictions int `json:"evictions"`
	Size      int `json:"size"`
}

func (c *keyCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.entries)}
}
