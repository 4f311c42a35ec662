package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a fill. Positions are long only.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// DefaultStartingBalance is credited to every new account.
var DefaultStartingBalance = decimal.NewFromInt(100000)

// Account holds a user's cash and realized results.
type Account struct {
	UserID           string          `db:"user_id" json:"user_id"`
	Balance          decimal.Decimal `db:"balance" json:"balance"`
	TotalRealizedPnL decimal.Decimal `db:"total_realized_pnl" json:"total_realized_pnl"`
	DailyRealizedPnL decimal.Decimal `db:"daily_realized_pnl" json:"daily_realized_pnl"`
	DailyPnLDate     string          `db:"daily_pnl_date" json:"daily_pnl_date"`
	TradeCount       int64           `db:"trade_count" json:"trade_count"`
	WinningTrades    int64           `db:"winning_trades" json:"winning_trades"`
	Version          int64           `db:"version" json:"version"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// NewAccount returns a fresh account funded with balance.
func NewAccount(userID string, balance decimal.Decimal, now time.Time) Account {
	now = now.UTC()
	return Account{
		UserID:           userID,
		Balance:          balance,
		TotalRealizedPnL: decimal.Zero,
		DailyRealizedPnL: decimal.Zero,
		DailyPnLDate:     DayKey(now),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// WinRate is the percentage of trades with positive pnl, 0 when there are none.
func (a Account) WinRate() decimal.Decimal {
	if a.TradeCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(a.WinningTrades).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(a.TradeCount), 4)
}

// Record folds a settled trade into the account. cashDelta is added to the
// balance (negative for purchases); pnl is the realized delta of the trade.
func (a Account) Record(cashDelta, pnl decimal.Decimal, at time.Time) Account {
	day := DayKey(at)
	if a.DailyPnLDate != day {
		a.DailyRealizedPnL = decimal.Zero
		a.DailyPnLDate = day
	}
	a.Balance = a.Balance.Add(cashDelta)
	a.TotalRealizedPnL = a.TotalRealizedPnL.Add(pnl)
	a.DailyRealizedPnL = a.DailyRealizedPnL.Add(pnl)
	a.TradeCount++
	if pnl.IsPositive() {
		a.WinningTrades++
	}
	a.UpdatedAt = at.UTC()
	return a
}

// DayKey is the UTC calendar day used to bucket daily pnl.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Position is an open long exposure of one user to one instrument.
type Position struct {
	ID             string              `db:"id" json:"id"`
	UserID         string              `db:"user_id" json:"user_id"`
	InstrumentID   string              `db:"instrument_id" json:"instrument_id"`
	InstrumentType string              `db:"instrument_type" json:"instrument_type"`
	Quantity       decimal.Decimal     `db:"quantity" json:"quantity"`
	EntryPrice     decimal.Decimal     `db:"entry_price" json:"entry_price"`
	CurrentPrice   decimal.Decimal     `db:"current_price" json:"current_price"`
	UnrealizedPnL  decimal.Decimal     `db:"unrealized_pnl" json:"unrealized_pnl"`
	StopLoss       decimal.NullDecimal `db:"stop_loss" json:"stop_loss"`
	OpenTime       time.Time           `db:"open_time" json:"open_time"`
	Version        int64               `db:"version" json:"version"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// MarketValue is CurrentPrice * Quantity.
func (p Position) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(p.Quantity)
}

// TradeRecord is an immutable entry in a user's trade history.
type TradeRecord struct {
	ID           string `db:"id" json:"id"`
	UserID       string `db:"user_id" json:"user_id"`
	InstrumentID string `db:"instrument_id" json:"instrument_id"`
	// InstrumentType is the catalog type at execution, empty when unknown.
	InstrumentType string          `db:"instrument_type" json:"instrument_type"`
	Side           Side            `db:"side" json:"side"`
	OrderType      string          `db:"order_type" json:"order_type"`
	Quantity       decimal.Decimal `db:"quantity" json:"quantity"`
	Price          decimal.Decimal `db:"price" json:"price"`
	PnL            decimal.Decimal `db:"pnl" json:"pnl"`
	Timestamp      time.Time       `db:"executed_at" json:"timestamp"`
}

// Mark is a mark-to-market observation for one open position. Version is
// the position version the mark was computed from; stores drop the mark once
// the position has moved past it.
type Mark struct {
	PositionID    string
	Version       int64
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	At            time.Time
}
