package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"papertrade/internal/ledger"
	"papertrade/internal/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	})
}

func TestAccountWinRate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := ledger.NewAccount("u1", ledger.DefaultStartingBalance, now)
	assert.True(t, a.WinRate().IsZero(), "no trades means 0, not NaN")

	a = a.Record(decimal.NewFromInt(-1000), decimal.Zero, now)
	a = a.Record(decimal.NewFromInt(1100), decimal.NewFromInt(100), now)
	a = a.Record(decimal.NewFromInt(-50), decimal.Zero, now)
	a = a.Record(decimal.NewFromInt(40), decimal.NewFromInt(-10), now)

	assert.EqualValues(t, 4, a.TradeCount)
	assert.EqualValues(t, 1, a.WinningTrades)
	assert.Equal(t, "25", a.WinRate().String())
	assert.Equal(t, "90", a.TotalRealizedPnL.String())
}

func TestAccountDailyPnLRollsOver(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	a := ledger.NewAccount("u1", ledger.DefaultStartingBalance, day1)
	a = a.Record(decimal.Zero, decimal.NewFromInt(30), day1)
	assert.Equal(t, "30", a.DailyRealizedPnL.String())

	a = a.Record(decimal.Zero, decimal.NewFromInt(5), day2)
	assert.Equal(t, "5", a.DailyRealizedPnL.String())
	assert.Equal(t, "2024-03-02", a.DailyPnLDate)
	assert.Equal(t, "35", a.TotalRealizedPnL.String())
}
