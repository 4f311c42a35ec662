// Package position computes how a fill changes an open position. It performs
// no I/O; callers own persistence.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
)

// PricePrecision is the number of decimal places kept on an averaged entry
// price. Every other operation is exact.
const PricePrecision = 12

// Fill is a single executed quantity/price pair.
type Fill struct {
	Side     ledger.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Time     time.Time
}

// Result is the outcome of applying a fill.
type Result struct {
	// Position is nil when the fill closed the position.
	Position      *ledger.Position
	RealizedDelta decimal.Decimal
	Action        Action
}

// Action names what the fill did to the position.
type Action string

const (
	ActionOpened    Action = "opened"
	ActionIncreased Action = "increased"
	ActionReduced   Action = "reduced"
	ActionClosed    Action = "closed"
)

// Validate checks quantity and price are strictly positive.
func (f Fill) Validate() error {
	if !f.Side.Valid() {
		return fmt.Errorf("%w: side %q", ledger.ErrInvalidInput, f.Side)
	}
	if !f.Quantity.IsPositive() {
		return ledger.ErrInvalidQuantity
	}
	if !f.Price.IsPositive() {
		return ledger.ErrInvalidPrice
	}
	return nil
}

// Apply returns the position that results from applying fill to existing.
// existing is never modified. A position opened by Apply carries no ID,
// owner or instrument; the caller assigns them.
func Apply(existing *ledger.Position, fill Fill) (Result, error) {
	if err := fill.Validate(); err != nil {
		return Result{}, err
	}
	at := fill.Time
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	if fill.Side == ledger.SideBuy {
		if existing == nil {
			return Result{
				Position: &ledger.Position{
					Quantity:      fill.Quantity,
					EntryPrice:    fill.Price,
					CurrentPrice:  fill.Price,
					UnrealizedPnL: decimal.Zero,
					OpenTime:      at,
					UpdatedAt:     at,
				},
				RealizedDelta: decimal.Zero,
				Action:        ActionOpened,
			}, nil
		}

		next := existing.Clone()
		next.Quantity = existing.Quantity.Add(fill.Quantity)
		cost := existing.EntryPrice.Mul(existing.Quantity).Add(fill.Price.Mul(fill.Quantity))
		next.EntryPrice = cost.DivRound(next.Quantity, PricePrecision)
		Mark(next, fill.Price, at)
		return Result{Position: next, RealizedDelta: decimal.Zero, Action: ActionIncreased}, nil
	}

	if existing == nil {
		return Result{}, ledger.ErrNoPosition
	}
	if fill.Quantity.GreaterThan(existing.Quantity) {
		return Result{}, fmt.Errorf("%w: selling %s, holding %s",
			ledger.ErrInsufficientQuantity, fill.Quantity, existing.Quantity)
	}

	realized := fill.Price.Sub(existing.EntryPrice).Mul(fill.Quantity)
	if fill.Quantity.Equal(existing.Quantity) {
		return Result{Position: nil, RealizedDelta: realized, Action: ActionClosed}, nil
	}

	next := existing.Clone()
	next.Quantity = existing.Quantity.Sub(fill.Quantity)
	Mark(next, fill.Price, at)
	return Result{Position: next, RealizedDelta: realized, Action: ActionReduced}, nil
}

// Close realizes the whole position at price. It is Apply with a SELL of the
// full quantity.
func Close(existing *ledger.Position, price decimal.Decimal, at time.Time) (Result, error) {
	if existing == nil {
		return Result{}, ledger.ErrNoPosition
	}
	return Apply(existing, Fill{Side: ledger.SideSell, Quantity: existing.Quantity, Price: price, Time: at})
}

// Mark sets the position's current price and recomputes unrealized pnl.
func Mark(p *ledger.Position, price decimal.Decimal, at time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = Unrealized(p.EntryPrice, price, p.Quantity)
	p.UpdatedAt = at.UTC()
}

// Unrealized is (current - entry) * quantity.
func Unrealized(entry, current, quantity decimal.Decimal) decimal.Decimal {
	return current.Sub(entry).Mul(quantity)
}
