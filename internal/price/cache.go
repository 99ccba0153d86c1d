package price

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// Cache is a sharded last-price cache keyed by symbol.
type Cache struct {
	shards [numShards]*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	price     float64
	updatedAt time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *Cache) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

func normalize(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// Set stores a price; non-positive prices are ignored.
func (c *Cache) Set(symbol string, p float64) {
	if p <= 0 {
		return
	}
	symbol = normalize(symbol)
	s := c.shardFor(symbol)
	s.mu.Lock()
	s.items[symbol] = entry{price: p, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves a price for a symbol.
func (c *Cache) Get(symbol string) (float64, bool) {
	p, _, ok := c.GetWithAge(symbol)
	return p, ok
}

// GetWithAge retrieves price and its age.
func (c *Cache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	symbol = normalize(symbol)
	s := c.shardFor(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return e.price, c.now().Sub(e.updatedAt), true
}

// Len returns total items across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *Cache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns all cached prices.
func (c *Cache) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			out[sym] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}
