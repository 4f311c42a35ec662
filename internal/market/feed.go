package market

import (
	"context"
	"time"

	"papertrade/internal/events"
	"papertrade/pkg/cache"
	"papertrade/pkg/logger"
)

// Ticker polls a price source on an interval, stores the result in the price
// cache and publishes a tick on the bus.
type Ticker struct {
	Source      PriceOracle
	Cache       *cache.ShardedPriceCache
	Bus         *events.Bus
	Instruments []string
	Interval    time.Duration
	Log         logger.Logger
}

// Start runs the ticker until ctx is done.
func (t *Ticker) Start(ctx context.Context) {
	if t.Source == nil || t.Cache == nil {
		if t.Log != nil {
			t.Log.Warnf("price ticker not configured; skipping start")
		}
		return
	}
	if t.Log == nil {
		t.Log = logger.NewNop()
	}
	if t.Interval <= 0 {
		t.Interval = time.Second
	}

	go func() {
		t.Tick(ctx)
		tk := time.NewTicker(t.Interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				t.Tick(ctx)
			}
		}
	}()
	t.Log.Infof("price ticker started: %d instruments every %s", len(t.Instruments), t.Interval)
}

// Tick refreshes every instrument once and returns how many were updated.
func (t *Ticker) Tick(ctx context.Context) int {
	updated := 0
	for _, id := range t.Instruments {
		q, err := t.Source.CurrentPrice(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return updated
			}
			if t.Log != nil {
				t.Log.Debugf("tick %s: %v", id, err)
			}
			continue
		}
		t.Cache.Set(id, q.Price, q.Source)
		updated++
		if t.Bus != nil {
			t.Bus.Publish(events.TopicPrices, events.Event{
				Kind: events.KindPriceTick,
				At:   q.Time,
				Data: events.PriceTick{InstrumentID: id, Price: q.Price, Source: q.Source},
			})
		}
	}
	return updated
}
