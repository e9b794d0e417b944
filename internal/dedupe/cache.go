// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the result they produced.
// ABOUTME: Used for client message IDs on append and for event IDs relayed between nodes.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	key     string
	value   V
	stored  time.Time
	element *list.Element
}

// Cache is a TTL and size bounded map from keys to values. The oldest
// entry is evicted when the cache is full.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine sweeps expired entries every
// sweepInterval until Close is called.
func New[V any](ttl time.Duration, maxSize int, sweepInterval time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

func (c *Cache[V]) liveLocked(key string) (*cacheEntry[V], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.stored) >= c.ttl {
		c.removeLocked(e)
		return nil, false
	}
	return e, true
}

// Get returns the value stored for key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.liveLocked(key); ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// LoadOrStore returns the live value for key if present. Otherwise it
// stores value and returns it with loaded false.
func (c *Cache[V]) LoadOrStore(key string, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.liveLocked(key); ok {
		return e.value, true
	}
	c.storeLocked(key, value)
	return value, false
}

// Store records value for key, replacing any previous value.
func (c *Cache[V]) Store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value)
}

// Delete forgets key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) storeLocked(key string, value V) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.stored = c.now()
		c.order.MoveToBack(e.element)
		return
	}

	for len(c.entries) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(*cacheEntry[V]))
	}

	e := &cacheEntry[V]{key: key, value: value, stored: c.now()}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

func (c *Cache[V]) removeLocked(e *cacheEntry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Entries are ordered by store time, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*cacheEntry[V])
		if now.Sub(e.stored) < c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// Seen is a Cache that only tracks key presence.
type Seen struct {
	*Cache[struct{}]
}

// NewSeen creates a presence-only cache.
func NewSeen(ttl time.Duration, maxSize int) *Seen {
	return &Seen{Cache: New[struct{}](ttl, maxSize, 0)}
}

// CheckAndMark reports whether key was already seen and marks it if not.
func (s *Seen) CheckAndMark(key string) bool {
	_, loaded := s.LoadOrStore(key, struct{}{})
	return loaded
}
