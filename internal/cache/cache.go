// Package cache holds transcription results keyed by the SHA-256 of the
// uploaded audio. Eviction is strictly by first insertion.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Key is the content fingerprint of an audio payload.
type Key [sha256.Size]byte

// KeyOf hashes raw input bytes. Hash collisions are treated as hits.
func KeyOf(data []byte) Key {
	return Key(sha256.Sum256(data))
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Entry is an immutable cached transcription.
type Entry struct {
	Text                string
	Language            string
	LanguageProbability float64
	ComputeDuration     time.Duration
}

// Stats reports cache activity since construction.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type item struct {
	key   Key
	entry Entry
}

// Cache is a bounded FIFO map safe for concurrent use.
type Cache struct {
	capacity int

	mu        sync.Mutex
	items     map[Key]*list.Element
	order     *list.List
	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns a cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache: capacity must be at least 1, got %d", capacity)
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[Key]*list.Element, capacity+1),
		order:    list.New(),
	}, nil
}

// Lookup returns the entry stored under key. Reads do not affect eviction order.
func (c *Cache) Lookup(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	c.hits++
	return el.Value.(*item).entry, true
}

// Insert stores entry under key. Overwriting keeps the key's original
// position; otherwise the oldest entry is evicted once the cache is over capacity.
func (c *Cache) Insert(key Key, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*item).entry = entry
		return
	}
	c.items[key] = c.order.PushBack(&item{key: key, entry: entry})
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*item).key)
		c.evictions++
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured bound.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Keys returns the cached keys from oldest to newest.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*item).key)
	}
	return keys
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
