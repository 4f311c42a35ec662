package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/ledger"
	"papertrade/internal/ledger/ledgertest"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestLedgerStoreConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestDB(t).Ledger()
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, err := New(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, ApplyMigrations(database))
	require.NoError(t, ApplyMigrations(database))

	ok, err := columnExists(context.Background(), database, "positions", "stop_loss")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = columnExists(context.Background(), database, "positions", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUsers(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	u, err := database.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	require.NoError(t, database.CreateUser(ctx, User{ID: "u1", Email: "A@Example.com", PasswordHash: "h"}))
	err = database.CreateUser(ctx, User{ID: "u2", Email: "a@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	u, err = database.GetUserByEmail(ctx, "a@EXAMPLE.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "a@example.com", u.Email)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
	_, err = Open(DriverSQLite, "")
	assert.Error(t, err)
}

func TestStopLossRoundTrip(t *testing.T) {
	store := newTestDB(t).Ledger()
	ctx := context.Background()

	acct, err := store.EnsureAccount(ctx, "u1", ledger.DefaultStartingBalance)
	require.NoError(t, err)
	p := &ledger.Position{
		ID: "p1", UserID: "u1", InstrumentID: "BTC", InstrumentType: "FUTURES",
		Quantity: d("0.5"), EntryPrice: d("43250.123456789012"), CurrentPrice: d("43250.123456789012"),
		UnrealizedPnL: d("0"),
	}
	p.StopLoss.Decimal, p.StopLoss.Valid = d("40000"), true
	require.NoError(t, store.Apply(ctx, ledger.Mutation{
		Account: acct.Record(d("-21625.061728394506"), d("0"), acct.CreatedAt),
		Next:    p,
		Trade: ledger.TradeRecord{ID: "t1", UserID: "u1", InstrumentID: "BTC", Side: ledger.SideBuy,
			OrderType: "MARKET", Quantity: d("0.5"), Price: d("43250.123456789012"), PnL: d("0")},
	}))

	got, err := store.GetPositionByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.EntryPrice.Equal(d("43250.123456789012")), "decimals survive storage exactly")
	require.True(t, got.StopLoss.Valid)
	assert.True(t, got.StopLoss.Decimal.Equal(d("40000")))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }
