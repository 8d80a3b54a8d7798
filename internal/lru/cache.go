// Package lru implements a bounded, thread-safe LRU cache whose entries
// expire a fixed time after they were written.
//
// Get, Put, PutIfAbsent, TTL and Len are O(1).
package lru

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type node[K comparable, V any] struct {
	key     K
	val     V
	expires time.Time
	prev    *node[K, V]
	next    *node[K, V]
}

// Cache is a generic LRU cache with per-entry expiry.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    clockwork.Clock
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)
}

// New creates a cache holding at most capacity entries, each living ttl
// after its last Put. A zero ttl never expires entries.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, ttl time.Duration, clock clockwork.Clock) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		items:    make(map[K]*node[K, V]),
		head:     head,
		tail:     tail,
	}
}

// Get returns the live value for key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.live(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(n)
	return n.val, true
}

// TTL returns how long key has left to live, or zero if it is absent or
// expired. Entries without expiry report zero too.
func (c *Cache[K, V]) TTL(key K) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.live(key)
	if !ok || n.expires.IsZero() {
		return 0
	}
	return n.expires.Sub(c.clock.Now())
}

// Put inserts or replaces key and restarts its lifetime. When full, the
// least recently used entry is evicted. Returns true if an entry was evicted.
func (c *Cache[K, V]) Put(key K, val V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(key, val)
}

// PutIfAbsent inserts key only when it has no live entry, as one atomic
// step. When key is present it is left untouched and its remaining TTL is
// returned with false.
func (c *Cache[K, V]) PutIfAbsent(key K, val V) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.live(key); ok {
		if n.expires.IsZero() {
			return 0, false
		}
		return n.expires.Sub(c.clock.Now()), false
	}
	c.put(key, val)
	return 0, true
}

func (c *Cache[K, V]) put(key K, val V) bool {
	var expires time.Time
	if c.ttl > 0 {
		expires = c.clock.Now().Add(c.ttl)
	}

	if n, ok := c.items[key]; ok {
		n.val = val
		n.expires = expires
		c.moveToFront(n)
		return false
	}

	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
		evicted = true
	}

	n := &node[K, V]{key: key, val: val, expires: expires}
	c.items[key] = n
	c.pushFront(n)
	return evicted
}

// Delete removes key. Returns true if it existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(n)
	delete(c.items, key)
	return true
}

// Len returns the number of stored entries, expired ones included until
// they are touched or evicted.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// live returns the node for key, dropping it if expired. Caller holds mu.
func (c *Cache[K, V]) live(key K) (*node[K, V], bool) {
	n, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !n.expires.IsZero() && !c.clock.Now().Before(n.expires) {
		c.remove(n)
		delete(c.items, key)
		return nil, false
	}
	return n, true
}

// --- linked list operations (caller must hold lock) ---

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
