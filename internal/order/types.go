package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
)

// Type is the order type. Only MARKET resolves its own execution price; the
// others execute immediately at the supplied price.
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStop      Type = "STOP"
	TypeStopLimit Type = "STOP_LIMIT"
)

// ParseType normalizes a user supplied order type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit:
		return t, nil
	}
	return "", fmt.Errorf("%w: order type %q", ledger.ErrInvalidInput, s)
}

// Status of an order. Orders either fill completely or are rejected.
type Status string

const (
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
)

// Request is an order intent as received from a client.
type Request struct {
	UserID       string
	InstrumentID string
	Type         Type
	Side         ledger.Side
	Quantity     decimal.Decimal
	// Price is required for every type except MARKET.
	Price decimal.NullDecimal
	// StopLoss is recorded on the position and never acted upon.
	StopLoss decimal.NullDecimal
}

// Validate checks the request before any price is resolved.
func (r Request) Validate() error {
	if r.UserID == "" {
		return ledger.ErrUserIDRequired
	}
	if strings.TrimSpace(r.InstrumentID) == "" {
		return fmt.Errorf("%w: instrument is required", ledger.ErrInvalidInput)
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side %q", ledger.ErrInvalidInput, r.Side)
	}
	if !r.Quantity.IsPositive() {
		return ledger.ErrInvalidQuantity
	}
	if r.Type != TypeMarket {
		if !r.Price.Valid {
			return fmt.Errorf("%w: price is required for %s orders", ledger.ErrInvalidInput, r.Type)
		}
		if !r.Price.Decimal.IsPositive() {
			return ledger.ErrInvalidPrice
		}
	}
	if r.StopLoss.Valid && !r.StopLoss.Decimal.IsPositive() {
		return fmt.Errorf("%w: stop loss must be positive", ledger.ErrInvalidInput)
	}
	return nil
}

// Order is the filled result returned to the caller. It is not persisted;
// the trade record is.
type Order struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	InstrumentID  string              `json:"instrument_id"`
	Type          Type                `json:"type"`
	Side          ledger.Side         `json:"side"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.NullDecimal `json:"price"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	Status        Status              `json:"status"`
	ExecutedPrice decimal.Decimal     `json:"executed_price"`
	PriceSource   string              `json:"price_source"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	PositionID    string              `json:"position_id,omitempty"`
	TradeID       string              `json:"trade_id"`
	CreatedAt     time.Time           `json:"created_at"`
	FilledAt      time.Time           `json:"filled_at"`
}

// Cost is ExecutedPrice * Quantity.
func (o *Order) Cost() decimal.Decimal {
	return o.ExecutedPrice.Mul(o.Quantity)
}
