package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// simulatedPlaces is the precision of generated prices.
const simulatedPlaces = 6

var (
	half = decimal.NewFromFloat(0.5)
	// defaultJitter moves a price by at most +/-0.1% per observation.
	defaultJitter = decimal.NewFromFloat(0.002)
)

// SimulatedOracle produces a random walk starting at each instrument's base
// price. It always answers for catalog instruments.
type SimulatedOracle struct {
	catalog *Catalog
	jitter  decimal.Decimal

	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]decimal.Decimal
}

// NewSimulatedOracle creates a walk seeded with seed. The same seed yields the
// same sequence of prices.
func NewSimulatedOracle(catalog *Catalog, seed int64) *SimulatedOracle {
	return &SimulatedOracle{
		catalog: catalog,
		jitter:  defaultJitter,
		rng:     rand.New(rand.NewSource(seed)),
		last:    make(map[string]decimal.Decimal),
	}
}

func (o *SimulatedOracle) CurrentPrice(ctx context.Context, instrumentID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	inst, ok := o.catalog.Lookup(instrumentID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrumentID)
	}

	o.mu.Lock()
	prev, seen := o.last[instrumentID]
	if !seen {
		prev = inst.BasePrice
	}
	r := decimal.NewFromFloat(o.rng.Float64())
	// prev * (1 + jitter*(r-0.5))
	factor := decimal.NewFromInt(1).Add(o.jitter.Mul(r.Sub(half)))
	next := prev.Mul(factor).Round(simulatedPlaces)
	if !next.IsPositive() {
		next = prev
	}
	o.last[instrumentID] = next
	o.mu.Unlock()

	return Quote{InstrumentID: instrumentID, Price: next, Source: "simulated", Time: time.Now().UTC()}, nil
}
