package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGetWithAge(t *testing.T) {
	c := NewShardedPriceCache()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("BTC/USD", decimal.NewFromInt(45000), "sim")

	now = now.Add(3 * time.Second)
	entry, age, ok := c.GetWithAge("BTC/USD")
	require.True(t, ok)
	assert.True(t, entry.Price.Equal(decimal.NewFromInt(45000)))
	assert.Equal(t, "sim", entry.Source)
	assert.Equal(t, 3*time.Second, age)

	_, _, ok = c.GetWithAge("ETH/USD")
	assert.False(t, ok)
}

func TestCacheCleanupAndStats(t *testing.T) {
	c := NewShardedPriceCache()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("OLD", decimal.NewFromInt(1), "sim")
	now = now.Add(time.Minute)
	c.Set("NEW", decimal.NewFromInt(2), "sim")

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, time.Minute, stats.OldestAge)

	assert.Equal(t, 1, c.Cleanup(30*time.Second))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("OLD")
	assert.False(t, ok)

	c.Delete("NEW")
	assert.Empty(t, c.GetAll())
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewShardedPriceCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("SYM%d", i)
			for j := 0; j < 100; j++ {
				c.Set(key, decimal.NewFromInt(int64(j)), "sim")
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, c.Len())
}
