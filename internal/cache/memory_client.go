package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryClient implements an in-memory cache bounded by entry count.
// Entries expire by TTL; when full, the least recently used entry is evicted.
type MemoryClient struct {
	mu      sync.Mutex
	data    map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryOption customizes a MemoryClient.
type MemoryOption func(*MemoryClient)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryClient) { c.now = now }
}

// WithJanitor starts a goroutine that purges expired entries every interval.
func WithJanitor(interval time.Duration) MemoryOption {
	return func(c *MemoryClient) {
		if interval > 0 {
			go c.janitor(interval)
		}
	}
}

// NewMemoryClient creates a new in-memory cache client.
func NewMemoryClient(maxSize int, opts ...MemoryOption) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 10000
	}

	c := &MemoryClient{
		data:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value from cache.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	entry := el.Value.(*cacheEntry)
	if c.expired(entry) {
		c.removeElement(el)
		return nil, ErrCacheMiss
	}

	c.order.MoveToFront(el)
	return entry.value, nil
}

// Set stores a value in cache with TTL. A zero TTL never expires.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if el, ok := c.data[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return nil
	}

	for len(c.data) >= c.maxSize {
		c.evictOne()
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, expiresAt: expiresAt})
	c.data[key] = el
	return nil
}

// Delete removes a value from cache.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.data[key]; ok {
		c.removeElement(el)
	}
	return nil
}

// Keys lists live keys with the given prefix.
func (c *MemoryClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0)
	for key, el := range c.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if c.expired(el.Value.(*cacheEntry)) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Ping always succeeds for the memory cache.
func (c *MemoryClient) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor, if any.
func (c *MemoryClient) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *MemoryClient) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Evictions returns how many entries were dropped to respect the capacity bound.
func (c *MemoryClient) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *MemoryClient) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, el := range c.data {
		if c.expired(el.Value.(*cacheEntry)) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

func (c *MemoryClient) expired(entry *cacheEntry) bool {
	return !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt)
}

// evictOne drops an expired entry if one exists, otherwise the least recently used.
func (c *MemoryClient) evictOne() {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if c.expired(el.Value.(*cacheEntry)) {
			c.removeElement(el)
			return
		}
	}
	if back := c.order.Back(); back != nil {
		c.removeElement(back)
		c.evictions++
	}
}

func (c *MemoryClient) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.data, entry.key)
	c.order.Remove(el)
}

// janitor periodically removes expired entries.
func (c *MemoryClient) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.PurgeExpired()
		}
	}
}
