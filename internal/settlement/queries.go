package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
)

// AccountView is the account as shown to its owner, with open exposure
// valued at the last mark.
type AccountView struct {
	ledger.Account
	WinRate       decimal.Decimal `json:"win_rate"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarketValue   decimal.Decimal `json:"market_value"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"open_positions"`
}

// GetPositions lists the user's open positions in opening order.
func (s *Service) GetPositions(ctx context.Context, userID string) ([]ledger.Position, error) {
	if userID == "" {
		return nil, ledger.ErrUserIDRequired
	}
	return s.store.ListPositions(ctx, userID)
}

// GetTradeHistory returns the user's trades, newest first.
func (s *Service) GetTradeHistory(ctx context.Context, userID string, limit int) ([]ledger.TradeRecord, error) {
	if userID == "" {
		return nil, ledger.ErrUserIDRequired
	}
	return s.store.ListTrades(ctx, userID, limit)
}

// GetAccount returns the user's account, creating it on first access.
func (s *Service) GetAccount(ctx context.Context, userID string) (AccountView, error) {
	if userID == "" {
		return AccountView{}, ledger.ErrUserIDRequired
	}
	acct, err := s.store.EnsureAccount(ctx, userID, s.startingBalance)
	if err != nil {
		return AccountView{}, err
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}

	view := AccountView{
		Account:       acct,
		WinRate:       acct.WinRate(),
		UnrealizedPnL: decimal.Zero,
		MarketValue:   decimal.Zero,
		OpenPositions: len(positions),
	}
	for _, p := range positions {
		view.UnrealizedPnL = view.UnrealizedPnL.Add(p.UnrealizedPnL)
		view.MarketValue = view.MarketValue.Add(p.MarketValue())
	}
	view.Equity = acct.Balance.Add(view.MarketValue)
	return view, nil
}

// ReconcileReport compares an account against its trade history.
type ReconcileReport struct {
	UserID string `json:"user_id"`
	// LedgerPnL is the account's TotalRealizedPnL.
	LedgerPnL decimal.Decimal `json:"ledger_pnl"`
	// TradesPnL is the sum of pnl over every recorded trade.
	TradesPnL decimal.Decimal `json:"trades_pnl"`
	// ExpectedBalance is starting balance + sells - buys.
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	Balance         decimal.Decimal `json:"balance"`
	TradeCount      int64           `json:"trade_count"`
	RecordedTrades  int             `json:"recorded_trades"`
	Winning         int64           `json:"winning"`
	RecordedWins    int             `json:"recorded_wins"`
}

// OK reports whether the account agrees with its trades.
func (r ReconcileReport) OK() bool {
	return r.LedgerPnL.Equal(r.TradesPnL) &&
		r.Balance.Equal(r.ExpectedBalance) &&
		r.TradeCount == int64(r.RecordedTrades) &&
		r.Winning == int64(r.RecordedWins)
}

func (r ReconcileReport) String() string {
	return fmt.Sprintf("%s: pnl ledger=%s trades=%s, balance ledger=%s expected=%s, trades %d/%d, wins %d/%d",
		r.UserID, r.LedgerPnL, r.TradesPnL, r.Balance, r.ExpectedBalance,
		r.TradeCount, r.RecordedTrades, r.Winning, r.RecordedWins)
}

// Reconcile recomputes a user's totals from trade history under the
// assumption that the account was funded with the configured starting
// balance. Trades are read between two account reads; if a settlement
// commits in between the snapshot is retaken, up to maxAttempts times.
func (s *Service) Reconcile(ctx context.Context, userID string) (ReconcileReport, error) {
	acct, trades, err := s.reconcileSnapshot(ctx, userID)
	if err != nil {
		return ReconcileReport{}, err
	}

	r := ReconcileReport{
		UserID:          userID,
		LedgerPnL:       acct.TotalRealizedPnL,
		TradesPnL:       decimal.Zero,
		ExpectedBalance: s.startingBalance,
		Balance:         acct.Balance,
		TradeCount:      acct.TradeCount,
		RecordedTrades:  len(trades),
		Winning:         acct.WinningTrades,
	}
	for _, t := range trades {
		r.TradesPnL = r.TradesPnL.Add(t.PnL)
		if t.PnL.IsPositive() {
			r.RecordedWins++
		}
		value := t.Price.Mul(t.Quantity)
		if t.Side == ledger.SideBuy {
			r.ExpectedBalance = r.ExpectedBalance.Sub(value)
		} else {
			r.ExpectedBalance = r.ExpectedBalance.Add(value)
		}
	}
	return r, nil
}

// reconcileSnapshot returns an account and the trades that produced exactly
// that account version.
func (s *Service) reconcileSnapshot(ctx context.Context, userID string) (ledger.Account, []ledger.TradeRecord, error) {
	for attempt := 1; ; attempt++ {
		acct, err := s.store.GetAccount(ctx, userID)
		if err != nil {
			return ledger.Account{}, nil, err
		}
		trades, err := s.store.ListTrades(ctx, userID, 0)
		if err != nil {
			return ledger.Account{}, nil, err
		}
		after, err := s.store.GetAccount(ctx, userID)
		if err != nil {
			return ledger.Account{}, nil, err
		}
		if after.Version == acct.Version {
			return acct, trades, nil
		}
		if attempt >= s.maxAttempts {
			return ledger.Account{}, nil, fmt.Errorf("reconcile %s: account moved during read: %w",
				userID, ledger.ErrPersistenceConflict)
		}
	}
}

// StartingBalance is credited to accounts created by this service.
func (s *Service) StartingBalance() decimal.Decimal {
	return s.startingBalance
}
