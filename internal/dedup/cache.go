// Package dedup drops messages the radio delivers more than once within a
// connection session.
package dedup

import (
	"strconv"
	"sync"
	"time"
)

// DefaultCapacity bounds the number of fingerprints remembered per session.
const DefaultCapacity = 4096

// Fingerprint identifies one inbound message.
type Fingerprint struct {
	// Conversation is the contact prefix or channel index the message belongs to.
	Conversation    string
	SenderTimestamp time.Time

	// Discriminator separates messages sharing a conversation and second,
	// typically the content hash joined with the sender name.
	Discriminator string
}

// Key returns the canonical string form used for set membership.
func (f Fingerprint) Key() string {
	return f.Conversation + "|" + strconv.FormatInt(f.SenderTimestamp.Unix(), 10) + "|" + f.Discriminator
}

// Cache is a bounded set of fingerprints with FIFO eviction. It is safe for
// concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

// New returns a cache holding at most capacity fingerprints. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// IsDuplicate reports whether fp was already seen, recording it if not.
func (c *Cache) IsDuplicate(fp Fingerprint) bool {
	key := fp.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true
	}
	if len(c.order) < c.capacity {
		c.order = append(c.order, key)
	} else {
		delete(c.seen, c.order[c.head])
		c.order[c.head] = key
		c.head = (c.head + 1) % c.capacity
	}
	c.seen[key] = struct{}{}
	return false
}

// Clear forgets every fingerprint.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.seen)
	c.order = c.order[:0]
	c.head = 0
}

// Len returns the number of fingerprints currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
