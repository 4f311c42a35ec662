package reconciliation

import (
	"context"
	"fmt"
	"sync"
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

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *captureSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message)
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReconcileCleanLedger(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := settlement.New(store, market.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d("100")}), nil)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		_, err := svc.PlaceOrder(ctx, order.Request{
			UserID: user, InstrumentID: "AAPL", Type: order.TypeMarket, Side: ledger.SideBuy, Quantity: d("3"),
		})
		require.NoError(t, err)
	}

	sink := &captureSink{}
	recon := NewService(svc, store, sink, time.Minute, nil)
	report, err := recon.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.False(t, report.HasDiffs())
	assert.Same(t, report, recon.Last())

	recon.handleReport(report)
	assert.Empty(t, sink.msgs)
}

// busyChecker reports the listed users as still settling.
type busyChecker struct {
	Checker
	busy map[string]bool
}

func (c busyChecker) Reconcile(ctx context.Context, userID string) (settlement.ReconcileReport, error) {
	if c.busy[userID] {
		return settlement.ReconcileReport{}, fmt.Errorf("moving: %w", ledger.ErrPersistenceConflict)
	}
	return c.Checker.Reconcile(ctx, userID)
}

func TestReconcileSkipsBusyAccounts(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := settlement.New(store, market.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d("100")}), nil)
	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		_, err := svc.PlaceOrder(ctx, order.Request{
			UserID: user, InstrumentID: "AAPL", Type: order.TypeMarket, Side: ledger.SideBuy, Quantity: d("1"),
		})
		require.NoError(t, err)
	}

	sink := &captureSink{}
	recon := NewService(busyChecker{Checker: svc, busy: map[string]bool{"u2": true}}, store, sink, time.Minute, nil)
	report, err := recon.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{"u2"}, report.Busy)
	assert.Empty(t, report.Errors)
	assert.False(t, report.HasDiffs())

	recon.handleReport(report)
	assert.Empty(t, sink.msgs)
}

func TestReconcileFlagsTamperedAccount(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := settlement.New(store, market.NewStaticOracle(nil), nil)
	ctx := context.Background()

	acct, err := store.EnsureAccount(ctx, "u1", ledger.DefaultStartingBalance)
	require.NoError(t, err)
	// A trade claiming +10 pnl while the account records +25.
	require.NoError(t, store.Apply(ctx, ledger.Mutation{
		Account: acct.Record(decimal.Zero, d("25"), time.Now()),
		Next: &ledger.Position{
			ID: "p1", UserID: "u1", InstrumentID: "AAPL",
			Quantity: d("1"), EntryPrice: d("1"), CurrentPrice: d("1"), UnrealizedPnL: decimal.Zero,
		},
		Trade: ledger.TradeRecord{
			ID: "t1", UserID: "u1", InstrumentID: "AAPL", Side: ledger.SideBuy, OrderType: "MARKET",
			Quantity: d("1"), Price: d("0"), PnL: d("10"), Timestamp: time.Now(),
		},
	}))

	sink := &captureSink{}
	recon := NewService(svc, store, sink, time.Minute, nil)
	report, err := recon.Reconcile(ctx)
	require.NoError(t, err)
	require.True(t, report.HasDiffs())
	assert.Equal(t, "u1", report.Mismatches[0].UserID)

	recon.handleReport(report)
	require.Len(t, sink.msgs, 1)
	assert.Contains(t, sink.msgs[0], "u1")
}

func TestRunDisabledWithZeroInterval(t *testing.T) {
	recon := NewService(nil, ledger.NewMemoryStore(), nil, 0, nil)
	assert.NoError(t, recon.Run(context.Background()))
}
