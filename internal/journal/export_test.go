package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/order"
	"papertrade/internal/settlement"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestExportRoundTrip(t *testing.T) {
	store := ledger.NewMemoryStore()
	oracle := market.NewStaticOracle(map[string]decimal.Decimal{"EURUSD": d("1.08512")})
	svc := settlement.New(store, oracle, nil)
	ctx := context.Background()

	place := func(user string, side ledger.Side, qty string) {
		t.Helper()
		_, err := svc.PlaceOrder(ctx, order.Request{
			UserID: user, InstrumentID: "EURUSD", Type: order.TypeMarket, Side: side, Quantity: d(qty),
		})
		require.NoError(t, err)
	}
	place("u1", ledger.SideBuy, "1000")
	oracle.Set("EURUSD", d("1.09001"))
	place("u1", ledger.SideSell, "400")
	place("u2", ledger.SideBuy, "10")

	path := filepath.Join(t.TempDir(), "out", "trades.parquet")
	n, err := Export(ctx, store, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp), "rows are in execution order")
	}

	var sell ledger.TradeRecord
	for _, tr := range got {
		if tr.Side == ledger.SideSell {
			sell = tr
		}
	}
	assert.Equal(t, "u1", sell.UserID)
	assert.True(t, sell.PnL.Equal(d("1.956")), sell.PnL.String())
	assert.True(t, sell.Price.Equal(d("1.09001")))
}

func TestExportSingleUser(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := settlement.New(store, market.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d("10")}), nil,
		settlement.WithCatalog(market.DefaultCatalog()))
	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		_, err := svc.PlaceOrder(ctx, order.Request{
			UserID: user, InstrumentID: "AAPL", Type: order.TypeMarket, Side: ledger.SideBuy, Quantity: d("1"),
		})
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "u2.parquet")
	n, err := Export(ctx, store, path, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserID)
	assert.Equal(t, string(market.TypeStocks), got[0].InstrumentType)
	assert.WithinDuration(t, time.Now(), got[0].Timestamp, time.Minute)
}
