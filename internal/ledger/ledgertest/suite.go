// Package ledgertest holds the behaviour every ledger.Store must share.
package ledgertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/ledger"
)

// Run exercises a Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("ensure account is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.EnsureAccount(ctx, "u1", d("100000"))
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(d("100000")))
		assert.EqualValues(t, 1, a.Version)

		again, err := s.EnsureAccount(ctx, "u1", d("5"))
		require.NoError(t, err)
		assert.True(t, again.Balance.Equal(d("100000")), "existing balance must be kept")

		got, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
	})

	t.Run("requires userID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureAccount(ctx, "", d("1"))
		assert.ErrorIs(t, err, ledger.ErrUserIDRequired)
		_, err = s.ListPositions(ctx, "")
		assert.ErrorIs(t, err, ledger.ErrUserIDRequired)
		_, err = s.ListTrades(ctx, "", 10)
		assert.ErrorIs(t, err, ledger.ErrUserIDRequired)
	})

	t.Run("unknown account and position", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetAccount(ctx, "ghost")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = s.GetPositionByID(ctx, "nope")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		p, err := s.GetPosition(ctx, "ghost", "AAPL")
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("open update close", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct, err := s.EnsureAccount(ctx, "u1", d("100000"))
		require.NoError(t, err)

		open := &ledger.Position{
			ID: "p1", UserID: "u1", InstrumentID: "AAPL", InstrumentType: "STOCKS",
			Quantity: d("10"), EntryPrice: d("100"), CurrentPrice: d("100"), UnrealizedPnL: decimal.Zero,
			OpenTime: time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account: acct.Record(d("-1000"), decimal.Zero, time.Now()),
			Next:    open,
			Trade:   trade("t1", "u1", "AAPL", ledger.SideBuy, "10", "100", "0"),
		}))

		stored, err := s.GetPosition(ctx, "u1", "AAPL")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.EqualValues(t, 1, stored.Version)
		assert.True(t, stored.Quantity.Equal(d("10")))
		assert.True(t, stored.EntryPrice.Equal(d("100")))

		acct, err = s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, acct.Version)
		assert.True(t, acct.Balance.Equal(d("99000")))

		reduced := stored.Clone()
		reduced.Quantity = d("6")
		reduced.CurrentPrice = d("120")
		reduced.UnrealizedPnL = d("120")
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account:  acct.Record(d("480"), d("80"), time.Now()),
			Previous: stored,
			Next:     reduced,
			Trade:    trade("t2", "u1", "AAPL", ledger.SideSell, "4", "120", "80"),
		}))

		stored, err = s.GetPositionByID(ctx, "p1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, stored.Version)
		assert.True(t, stored.Quantity.Equal(d("6")))

		acct, err = s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account:  acct.Record(d("720"), d("120"), time.Now()),
			Previous: stored,
			Trade:    trade("t3", "u1", "AAPL", ledger.SideSell, "6", "120", "120"),
		}))

		gone, err := s.GetPosition(ctx, "u1", "AAPL")
		require.NoError(t, err)
		assert.Nil(t, gone)

		acct, err = s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, acct.Balance.Equal(d("100200")))
		assert.True(t, acct.TotalRealizedPnL.Equal(d("200")))
		assert.EqualValues(t, 3, acct.TradeCount)
		assert.EqualValues(t, 2, acct.WinningTrades)

		trades, err := s.ListTrades(ctx, "u1", 0)
		require.NoError(t, err)
		require.Len(t, trades, 3)
		assert.Equal(t, "t3", trades[0].ID)
		assert.Equal(t, "t1", trades[2].ID)
		assert.True(t, trades[0].PnL.Equal(d("120")))
		assert.Equal(t, "STOCKS", trades[0].InstrumentType)

		limited, err := s.ListTrades(ctx, "u1", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("stale account version conflicts without side effects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct, err := s.EnsureAccount(ctx, "u1", d("1000"))
		require.NoError(t, err)

		first := ledger.Mutation{
			Account: acct.Record(d("-100"), decimal.Zero, time.Now()),
			Next:    position("p1", "u1", "AAPL", "1", "100"),
			Trade:   trade("t1", "u1", "AAPL", ledger.SideBuy, "1", "100", "0"),
		}
		require.NoError(t, s.Apply(ctx, first))

		stale := ledger.Mutation{
			Account: acct.Record(d("-200"), decimal.Zero, time.Now()),
			Next:    position("p2", "u1", "MSFT", "1", "200"),
			Trade:   trade("t2", "u1", "MSFT", ledger.SideBuy, "1", "200", "0"),
		}
		err = s.Apply(ctx, stale)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ledger.ErrPersistenceConflict))

		got, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(d("900")))
		p, err := s.GetPosition(ctx, "u1", "MSFT")
		require.NoError(t, err)
		assert.Nil(t, p)
		trades, err := s.ListTrades(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Len(t, trades, 1)
	})

	t.Run("duplicate open conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct, err := s.EnsureAccount(ctx, "u1", d("1000"))
		require.NoError(t, err)
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account: acct.Record(d("-100"), decimal.Zero, time.Now()),
			Next:    position("p1", "u1", "AAPL", "1", "100"),
			Trade:   trade("t1", "u1", "AAPL", ledger.SideBuy, "1", "100", "0"),
		}))

		acct, err = s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		err = s.Apply(ctx, ledger.Mutation{
			Account: acct.Record(d("-100"), decimal.Zero, time.Now()),
			Next:    position("p9", "u1", "AAPL", "1", "100"),
			Trade:   trade("t2", "u1", "AAPL", ledger.SideBuy, "1", "100", "0"),
		})
		assert.ErrorIs(t, err, ledger.ErrPersistenceConflict)

		after, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, acct.Version, after.Version)
		assert.True(t, after.Balance.Equal(d("900")))
	})

	t.Run("cancelled context leaves no state", func(t *testing.T) {
		s := newStore(t)
		acct, err := s.EnsureAccount(context.Background(), "u1", d("1000"))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = s.Apply(ctx, ledger.Mutation{
			Account: acct.Record(d("-100"), decimal.Zero, time.Now()),
			Next:    position("p1", "u1", "AAPL", "1", "100"),
			Trade:   trade("t1", "u1", "AAPL", ledger.SideBuy, "1", "100", "0"),
		})
		require.Error(t, err)

		got, err := s.GetAccount(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(d("1000")))
		positions, err := s.ListPositions(context.Background(), "u1")
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("marks refresh current price", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct, err := s.EnsureAccount(ctx, "u1", d("1000"))
		require.NoError(t, err)
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account: acct.Record(d("-100"), decimal.Zero, time.Now()),
			Next:    position("p1", "u1", "AAPL", "1", "100"),
			Trade:   trade("t1", "u1", "AAPL", ledger.SideBuy, "1", "100", "0"),
		}))

		require.NoError(t, s.UpdateMarks(ctx, []ledger.Mark{
			{PositionID: "p1", Version: 1, CurrentPrice: d("105.5"), UnrealizedPnL: d("5.5"), At: time.Now()},
			{PositionID: "missing", CurrentPrice: d("1"), UnrealizedPnL: d("1"), At: time.Now()},
		}))

		p, err := s.GetPositionByID(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, p.CurrentPrice.Equal(d("105.5")))
		assert.True(t, p.UnrealizedPnL.Equal(d("5.5")))
		assert.EqualValues(t, 1, p.Version, "marks must not bump the version")

		open, err := s.ListOpenPositions(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)

		ids, err := s.ListAccountIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, ids)
	})

	t.Run("marks computed before a settlement are dropped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		acct, err := s.EnsureAccount(ctx, "u1", d("10000"))
		require.NoError(t, err)
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account: acct.Record(d("-1000"), decimal.Zero, time.Now()),
			Next:    position("p1", "u1", "AAPL", "10", "100"),
			Trade:   trade("t1", "u1", "AAPL", ledger.SideBuy, "10", "100", "0"),
		}))

		snapshot, err := s.GetPositionByID(ctx, "p1")
		require.NoError(t, err)
		stale := ledger.Mark{
			PositionID: "p1", Version: snapshot.Version,
			CurrentPrice: d("105"), UnrealizedPnL: d("50"), At: time.Now(),
		}

		acct, err = s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		grown := snapshot.Clone()
		grown.Quantity = d("20")
		grown.EntryPrice = d("110")
		grown.CurrentPrice = d("120")
		grown.UnrealizedPnL = d("200")
		require.NoError(t, s.Apply(ctx, ledger.Mutation{
			Account:  acct.Record(d("-1200"), decimal.Zero, time.Now()),
			Previous: snapshot,
			Next:     grown,
			Trade:    trade("t2", "u1", "AAPL", ledger.SideBuy, "10", "120", "0"),
		}))

		require.NoError(t, s.UpdateMarks(ctx, []ledger.Mark{stale}))

		p, err := s.GetPositionByID(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, p.CurrentPrice.Equal(d("120")), "current=%s", p.CurrentPrice)
		assert.True(t, p.UnrealizedPnL.Equal(p.CurrentPrice.Sub(p.EntryPrice).Mul(p.Quantity)),
			"unrealized=%s", p.UnrealizedPnL)

		require.NoError(t, s.UpdateMarks(ctx, []ledger.Mark{{
			PositionID: "p1", Version: p.Version,
			CurrentPrice: d("105"), UnrealizedPnL: d("-100"), At: time.Now(),
		}}))
		p, err = s.GetPositionByID(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, p.UnrealizedPnL.Equal(d("-100")))
	})
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func position(id, user, instrument, qty, price string) *ledger.Position {
	return &ledger.Position{
		ID: id, UserID: user, InstrumentID: instrument, InstrumentType: "STOCKS",
		Quantity: d(qty), EntryPrice: d(price), CurrentPrice: d(price), UnrealizedPnL: decimal.Zero,
		OpenTime: time.Now().UTC().Truncate(time.Second),
	}
}

func trade(id, user, instrument string, side ledger.Side, qty, price, pnl string) ledger.TradeRecord {
	return ledger.TradeRecord{
		ID: id, UserID: user, InstrumentID: instrument, InstrumentType: "STOCKS", Side: side, OrderType: "MARKET",
		Quantity: d(qty), Price: d(price), PnL: d(pnl),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}
