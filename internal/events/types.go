package events

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
)

// Topic names a stream of events.
type Topic string

// TopicPrices carries every simulated or fetched price tick.
const TopicPrices Topic = "prices"

// UserTopic is the stream of ledger changes for one user.
func UserTopic(userID string) Topic {
	return Topic("user:" + userID)
}

// Kind enumerates event payload types.
type Kind string

const (
	KindPositionChanged Kind = "position.changed"
	KindAccountChanged  Kind = "account.changed"
	KindPositionsMarked Kind = "positions.marked"
	KindPriceTick       Kind = "price.tick"
)

// Event is what subscribers receive.
type Event struct {
	Kind   Kind      `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data"`
}

// PositionChange is published after every settlement commit.
type PositionChange struct {
	Action       string             `json:"action"`
	InstrumentID string             `json:"instrument_id"`
	PositionID   string             `json:"position_id"`
	Position     *ledger.Position   `json:"position"`
	Account      AccountSnapshot    `json:"account"`
	Trade        ledger.TradeRecord `json:"trade"`
}

// AccountSnapshot is the account view shipped with change events and, on its
// own, as the payload of account.changed.
type AccountSnapshot struct {
	Balance          decimal.Decimal `json:"balance"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	WinRate          decimal.Decimal `json:"win_rate"`
	TradeCount       int64           `json:"trade_count"`
}

// SnapshotOf converts an account to its event view.
func SnapshotOf(a ledger.Account) AccountSnapshot {
	return AccountSnapshot{
		Balance:          a.Balance,
		TotalRealizedPnL: a.TotalRealizedPnL,
		DailyRealizedPnL: a.DailyRealizedPnL,
		WinRate:          a.WinRate(),
		TradeCount:       a.TradeCount,
	}
}

// PriceTick is a single observed price.
type PriceTick struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Source       string          `json:"source"`
}

// PositionsMarked reports a mark-to-market pass over a user's positions.
type PositionsMarked struct {
	Positions []ledger.Position `json:"positions"`
}
