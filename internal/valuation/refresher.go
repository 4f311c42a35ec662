// Package valuation marks open positions to market on a fixed cadence.
package valuation

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/persistence"
	"papertrade/internal/position"
	"papertrade/pkg/i18n"
	"papertrade/pkg/logger"
)

const defaultConcurrency = 8

// Refresher recomputes current price and unrealized pnl of every open
// position. Each mark carries the position version it was computed from, so
// a settlement that lands before the mark is written wins and the stale mark
// is dropped.
type Refresher struct {
	Store    ledger.Store
	Oracle   market.PriceOracle
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Log      logger.Logger
	Interval time.Duration
	// Writer buffers marks when set; otherwise marks go straight to Store.
	Writer *persistence.BatchWriter
	// Concurrency bounds parallel oracle calls per pass.
	Concurrency int

	now func() time.Time
}

// PassResult summarizes one refresh pass.
type PassResult struct {
	Positions int
	Marked    int
	Skipped   []string // instruments without a price this pass
}

// Run refreshes until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.defaults()
	r.Log.Infof(i18n.M().MarkStarted, r.Interval)

	tk := time.NewTicker(r.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.Log.Warnf("mark pass failed: %v", err)
			}
		}
	}
}

func (r *Refresher) defaults() {
	if r.Log == nil {
		r.Log = logger.NewNop()
	}
	if r.Metrics == nil {
		r.Metrics = monitor.NewSystemMetrics()
	}
	if r.Interval <= 0 {
		r.Interval = time.Second
	}
	if r.Concurrency <= 0 {
		r.Concurrency = defaultConcurrency
	}
	if r.now == nil {
		r.now = time.Now
	}
}

// RunOnce performs a single pass.
func (r *Refresher) RunOnce(ctx context.Context) (PassResult, error) {
	r.defaults()
	timer := monitor.NewTimer(r.Metrics.MarkLatency)
	defer timer.Stop()

	open, err := r.Store.ListOpenPositions(ctx)
	if err != nil {
		return PassResult{}, err
	}
	res := PassResult{Positions: len(open)}
	if len(open) == 0 {
		return res, nil
	}

	prices, skipped := r.fetchPrices(ctx, open)
	res.Skipped = skipped

	now := r.now().UTC()
	marks := make([]ledger.Mark, 0, len(open))
	byUser := make(map[string][]ledger.Position)
	for i := range open {
		p := &open[i]
		price, ok := prices[p.InstrumentID]
		if !ok {
			continue
		}
		position.Mark(p, price, now)
		marks = append(marks, ledger.Mark{
			PositionID:    p.ID,
			Version:       p.Version,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			At:            now,
		})
		byUser[p.UserID] = append(byUser[p.UserID], *p)
	}
	res.Marked = len(marks)

	if r.Writer != nil {
		r.Writer.Write(marks...)
	} else if err := r.Store.UpdateMarks(ctx, marks); err != nil {
		return res, err
	}

	if r.Bus != nil {
		for userID, positions := range byUser {
			r.Bus.Publish(events.UserTopic(userID), events.Event{
				Kind:   events.KindPositionsMarked,
				UserID: userID,
				At:     now,
				Data:   events.PositionsMarked{Positions: positions},
			})
		}
	}
	return res, nil
}

// fetchPrices asks the oracle once per distinct instrument.
func (r *Refresher) fetchPrices(ctx context.Context, open []ledger.Position) (map[string]decimal.Decimal, []string) {
	seen := make(map[string]struct{})
	var instruments []string
	for _, p := range open {
		if _, ok := seen[p.InstrumentID]; !ok {
			seen[p.InstrumentID] = struct{}{}
			instruments = append(instruments, p.InstrumentID)
		}
	}

	var (
		mu      sync.Mutex
		prices  = make(map[string]decimal.Decimal, len(instruments))
		skipped []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Concurrency)
	for _, id := range instruments {
		id := id
		g.Go(func() error {
			q, err := r.Oracle.CurrentPrice(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !q.Price.IsPositive() {
				skipped = append(skipped, id)
				r.Log.Debugf("no mark price for %s: %v", id, err)
				return nil
			}
			prices[id] = q.Price
			return nil
		})
	}
	_ = g.Wait()
	return prices, skipped
}
