package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache holds the last observed price per instrument, split
// across shards to keep tick writers and settlement readers apart.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Entry
}

// Entry is a cached price and when it was stored.
type Entry struct {
	Price     decimal.Decimal
	Source    string
	UpdatedAt time.Time
}

// NewShardedPriceCache creates an empty cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]Entry)}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for an instrument.
func (c *ShardedPriceCache) Set(instrumentID string, price decimal.Decimal, source string) {
	shard := c.getShard(instrumentID)
	shard.mu.Lock()
	shard.items[instrumentID] = Entry{Price: price, Source: source, UpdatedAt: c.now()}
	shard.mu.Unlock()
}

// Get retrieves the cached entry for an instrument.
func (c *ShardedPriceCache) Get(instrumentID string) (Entry, bool) {
	shard := c.getShard(instrumentID)
	shard.mu.RLock()
	entry, ok := shard.items[instrumentID]
	shard.mu.RUnlock()
	return entry, ok
}

// GetWithAge retrieves the entry and how long ago it was stored.
func (c *ShardedPriceCache) GetWithAge(instrumentID string) (Entry, time.Duration, bool) {
	entry, ok := c.Get(instrumentID)
	if !ok {
		return Entry{}, 0, false
	}
	return entry, c.now().Sub(entry.UpdatedAt), true
}

// Delete removes an instrument.
func (c *ShardedPriceCache) Delete(instrumentID string) {
	shard := c.getShard(instrumentID)
	shard.mu.Lock()
	delete(shard.items, instrumentID)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many were dropped.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for id, entry := range shard.items {
			if entry.UpdatedAt.Before(cutoff) {
				delete(shard.items, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll returns a copy of every cached price.
func (c *ShardedPriceCache) GetAll() map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for id, entry := range shard.items {
			result[id] = entry.Price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.UpdatedAt.Before(oldest) {
				oldest = entry.UpdatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
