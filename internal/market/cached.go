package market

import (
	"context"
	"fmt"
	"time"

	"papertrade/pkg/cache"
)

// CachedOracle answers from the price cache filled by a Ticker. Entries older
// than maxAge are returned flagged Stale.
type CachedOracle struct {
	cache  *cache.ShardedPriceCache
	maxAge time.Duration
}

// NewCachedOracle wraps a price cache. maxAge <= 0 never marks quotes stale.
func NewCachedOracle(c *cache.ShardedPriceCache, maxAge time.Duration) *CachedOracle {
	return &CachedOracle{cache: c, maxAge: maxAge}
}

func (o *CachedOracle) CurrentPrice(ctx context.Context, instrumentID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	entry, age, ok := o.cache.GetWithAge(instrumentID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s not cached", ErrPriceUnavailable, instrumentID)
	}
	return Quote{
		InstrumentID: instrumentID,
		Price:        entry.Price,
		Source:       "cache:" + entry.Source,
		Stale:        o.maxAge > 0 && age > o.maxAge,
		Time:         entry.UpdatedAt,
	}, nil
}
