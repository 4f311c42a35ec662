package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/pkg/logger"
)

var (
	// ErrPriceUnavailable means no price could be resolved for an instrument.
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrUnknownInstrument = fmt.Errorf("%w: unknown instrument", ErrPriceUnavailable)
)

// Quote is a resolved price. Stale quotes are usable but old.
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Source       string          `json:"source"`
	Stale        bool            `json:"stale"`
	Time         time.Time       `json:"time"`
}

// PriceOracle returns a current price for an instrument.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, instrumentID string) (Quote, error)
}

// StaticOracle serves fixed prices. Useful for deterministic runs.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle with the given prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for id, p := range prices {
		o.prices[id] = p
	}
	return o
}

// Set replaces the price of an instrument.
func (o *StaticOracle) Set(instrumentID string, price decimal.Decimal) {
	o.mu.Lock()
	o.prices[instrumentID] = price
	o.mu.Unlock()
}

func (o *StaticOracle) CurrentPrice(ctx context.Context, instrumentID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	o.mu.RLock()
	p, ok := o.prices[instrumentID]
	o.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrumentID)
	}
	return Quote{InstrumentID: instrumentID, Price: p, Source: "static", Time: time.Now().UTC()}, nil
}

// FallbackOracle asks each oracle in turn and returns the first usable
// quote. With SkipStale a stale quote is only returned when nothing fresher
// is available further down the chain.
type FallbackOracle struct {
	oracles   []PriceOracle
	skipStale bool
	log       logger.Logger
}

// NewFallbackOracle chains oracles in priority order.
func NewFallbackOracle(log logger.Logger, skipStale bool, oracles ...PriceOracle) *FallbackOracle {
	if log == nil {
		log = logger.NewNop()
	}
	return &FallbackOracle{oracles: oracles, skipStale: skipStale, log: log}
}

func (f *FallbackOracle) CurrentPrice(ctx context.Context, instrumentID string) (Quote, error) {
	var (
		errs  []error
		stale *Quote
	)
	for i, o := range f.oracles {
		q, err := o.CurrentPrice(ctx, instrumentID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Quote{}, ctxErr
			}
			f.log.Debugf("price source %d failed for %s: %v", i, instrumentID, err)
			errs = append(errs, err)
			continue
		}
		if !q.Price.IsPositive() {
			errs = append(errs, fmt.Errorf("source %s returned non-positive price %s", q.Source, q.Price))
			continue
		}
		if q.Stale && f.skipStale {
			if stale == nil {
				stale = &q
			}
			continue
		}
		return q, nil
	}
	if stale != nil {
		f.log.Warnf("using stale %s price for %s from %s", stale.Price, instrumentID, stale.Source)
		return *stale, nil
	}
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, instrumentID, errors.Join(errs...))
}
