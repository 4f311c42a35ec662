package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/order"
	"papertrade/internal/reconciliation"
	"papertrade/internal/settlement"
)

func setEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(dir, "papertrade.db"))
	t.Setenv("PRICE_SOURCE", "sim")
	t.Setenv("STARTING_BALANCE", "10000")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LANGUAGE", "en")
	t.Setenv("INSTRUMENTS_FILE", "")
	return dir
}

func seedTrades(t *testing.T) {
	t.Helper()
	a, err := newApp()
	require.NoError(t, err)
	defer a.Close()

	oracle := market.NewStaticOracle(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100)})
	svc := a.settlement(oracle)
	ctx := context.Background()

	_, err = svc.PlaceOrder(ctx, order.Request{
		UserID: "u1", InstrumentID: "AAPL", Type: order.TypeMarket, Side: ledger.SideBuy,
		Quantity: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	oracle.Set("AAPL", decimal.NewFromInt(105))
	_, err = svc.PlaceOrder(ctx, order.Request{
		UserID: "u1", InstrumentID: "AAPL", Type: order.TypeMarket, Side: ledger.SideSell,
		Quantity: decimal.NewFromInt(4),
	})
	require.NoError(t, err)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsAgainstSQLite(t *testing.T) {
	dir := setEnv(t)
	seedTrades(t)

	t.Run("migrate", func(t *testing.T) {
		out, err := run(t, "migrate")
		require.NoError(t, err)
		assert.Contains(t, out, "schema up to date")
	})

	t.Run("trades", func(t *testing.T) {
		out, err := run(t, "trades", "--user", "u1", "-n", "5")
		require.NoError(t, err)
		assert.Contains(t, out, "INSTRUMENT")
		assert.Contains(t, out, "SELL")
		assert.Contains(t, out, "BUY")
	})

	t.Run("export", func(t *testing.T) {
		path := filepath.Join(dir, "trades.parquet")
		out, err := run(t, "export", "-o", path)
		require.NoError(t, err)
		assert.Contains(t, out, "wrote 2 trades")

		trades, err := journal.Read(path)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, ledger.SideBuy, trades[0].Side)
		assert.True(t, trades[1].PnL.Equal(decimal.NewFromInt(20)))
	})

	t.Run("reconcile", func(t *testing.T) {
		out, err := run(t, "reconcile")
		require.NoError(t, err)
		assert.Contains(t, out, "checked 1 accounts")
		assert.Contains(t, out, "ok")
	})
}

func TestNewAppMemoryDriver(t *testing.T) {
	setEnv(t)
	t.Setenv("DB_DRIVER", "memory")

	a, err := newApp()
	require.NoError(t, err)
	defer a.Close()

	_, isMemory := a.store.(*ledger.MemoryStore)
	assert.True(t, isMemory)
	require.NotNil(t, a.database, "credentials still need a database")

	prices, err := a.prices()
	require.NoError(t, err)
	q, err := prices.oracle.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.IsPositive())
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	setEnv(t)
	t.Setenv("DB_DRIVER", "oracle")
	_, err := newApp()
	assert.ErrorContains(t, err, "DB_DRIVER")
}

func TestPrintReconcileMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := printReconcile(&buf, &reconciliation.Report{
		Timestamp: time.Now(),
		Checked:   2,
		Mismatches: []settlement.ReconcileReport{{
			UserID:    "u9",
			LedgerPnL: decimal.NewFromInt(5),
			TradesPnL: decimal.NewFromInt(4),
		}},
	})
	assert.ErrorIs(t, err, errMismatch)
	assert.Contains(t, buf.String(), "u9")
}

func TestPrintReconcileBusyIsNotAFailure(t *testing.T) {
	var buf bytes.Buffer
	err := printReconcile(&buf, &reconciliation.Report{
		Timestamp: time.Now(),
		Checked:   1,
		Busy:      []string{"u3"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "busy: u3")
	assert.Contains(t, buf.String(), "ok")
}
