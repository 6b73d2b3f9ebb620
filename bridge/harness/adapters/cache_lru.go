package adapters

import (
	"container/list"
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// LRUOption configures an LRUCache.
type LRUOption func(*LRUCache)

// WithMaxBytes bounds the summed size of cached payloads. Values larger than the
// budget are never stored. Zero or less disables the bound.
func WithMaxBytes(n int) LRUOption {
	return func(c *LRUCache) { c.maxBytes = n }
}

// LRUCache memoizes tool results with a per-entry TTL. Expired entries are dropped on
// access; at capacity the least recently used entry goes first.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	maxBytes int
	size     int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
	now      func() time.Time
}

type cacheEntry struct {
	key     string
	value   []byte
	expires time.Time // zero = no expiry
}

func NewLRUCache(capacity int, opts ...LRUOption) *LRUCache {
	c := &LRUCache{
		capacity: max(capacity, 1),
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached payload.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		c.remove(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return append([]byte(nil), entry.value...), true
}

// Set stores a copy of value. A non-positive ttlSeconds keeps the entry until evicted.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	if c.maxBytes > 0 && len(value) > c.maxBytes {
		return nil
	}

	entry := &cacheEntry{key: key, value: append([]byte(nil), value...)}
	if ttlSeconds > 0 {
		entry.expires = c.now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	c.entries[key] = c.order.PushFront(entry)
	c.size += len(entry.value)

	for c.order.Len() > c.capacity || (c.maxBytes > 0 && c.size > c.maxBytes) {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	return nil
}

// Len reports the number of entries, expired ones included.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Size reports the summed payload bytes.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRUCache) remove(el *list.Element) {
	entry := c.order.Remove(el).(*cacheEntry)
	delete(c.entries, entry.key)
	c.size -= len(entry.value)
}

var _ ports.Cache = (*LRUCache)(nil)
