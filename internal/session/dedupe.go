// ABOUTME: TTL-and-size-bounded seen-set for correlation IDs.
// ABOUTME: Drops duplicate acks and late chunks for completed turns.

package session

import (
	"container/list"
	"sync"
	"time"
)

// seenEntry stores the timestamp and list element for a tracked key.
type seenEntry struct {
	timestamp time.Time
	element   *list.Element
}

// seenCache tracks correlation IDs whose turns have already been resolved,
// so duplicate server deliveries (re-sent acks, replayed chunks after
// completion) can be dropped. Insertion order is kept in a doubly-linked
// list for O(1) eviction when the cache is at capacity. Expired entries
// are pruned lazily on insert; there is no background goroutine because
// the cache lives as long as the controller.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	return &seenCache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether the key has been marked and is not expired.
func (c *seenCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// SeenOrMark atomically checks the key and marks it if new. Returns true
// if the key was already seen (duplicate), false if it is new and now
// marked.
func (c *seenCache) SeenOrMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records that a key has been seen, refreshing its timestamp if it
// already exists.
func (c *seenCache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

func (c *seenCache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	c.pruneLocked(now)
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &seenEntry{timestamp: now, element: elem}
}

// pruneLocked drops expired entries from the front of the insertion order.
// Entries refreshed by Mark move to the back, so the front is always the
// stalest key.
func (c *seenCache) pruneLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry == nil || now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(front)
			delete(c.seen, key)
			continue
		}
		return
	}
}

func (c *seenCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
