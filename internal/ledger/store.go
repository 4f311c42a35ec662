package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Mutation is the unit of settlement. Apply must persist every part of it
// or none of it.
//
// Account carries the new account state; its Version is the version that
// was read. Previous is the position as read before the fill (nil when the
// user held none) and Next is the resulting position (nil when closed).
type Mutation struct {
	Account  Account
	Previous *Position
	Next     *Position
	Trade    TradeRecord
}

// Store is durable keyed storage for accounts, positions and trades.
type Store interface {
	// EnsureAccount returns the user's account, creating it with
	// startingBalance when it does not exist yet.
	EnsureAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (Account, error)
	// GetAccount returns ErrNotFound for unknown users.
	GetAccount(ctx context.Context, userID string) (Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)

	// GetPosition returns nil, nil when the user holds no position in the instrument.
	GetPosition(ctx context.Context, userID, instrumentID string) (*Position, error)
	// GetPositionByID returns ErrNotFound when no such position is open.
	GetPositionByID(ctx context.Context, id string) (*Position, error)
	ListPositions(ctx context.Context, userID string) ([]Position, error)
	ListOpenPositions(ctx context.Context) ([]Position, error)
	// UpdateMarks refreshes current price and unrealized pnl without touching
	// versions. Marks for positions that no longer exist, or that were settled
	// since the mark's Version was read, are ignored.
	UpdateMarks(ctx context.Context, marks []Mark) error

	// ListTrades returns newest first. limit <= 0 returns everything.
	ListTrades(ctx context.Context, userID string, limit int) ([]TradeRecord, error)

	// Apply commits a settlement atomically. It returns ErrPersistenceConflict
	// when the account or position changed since they were read. On success
	// the stored account version is Account.Version+1 and the stored position
	// version is Previous.Version+1, or 1 for a newly opened position.
	Apply(ctx context.Context, m Mutation) error

	Close() error
}
