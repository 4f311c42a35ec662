package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
)

const (
	_accountColumns = `user_id, balance, total_realized_pnl, daily_realized_pnl, daily_pnl_date,
		trade_count, winning_trades, version, created_at, updated_at`
	_positionColumns = `id, user_id, instrument_id, instrument_type, quantity, entry_price,
		current_price, unrealized_pnl, stop_loss, open_time, version, updated_at`
	_tradeColumns = `id, user_id, instrument_id, instrument_type, side, order_type, quantity, price, pnl, executed_at`

	_insertAccount = `INSERT INTO accounts (` + _accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`
	_selectAccount  = `SELECT ` + _accountColumns + ` FROM accounts WHERE user_id = ?`
	_listAccountIDs = `SELECT user_id FROM accounts ORDER BY user_id`
	_updateAccount  = `UPDATE accounts SET balance = ?, total_realized_pnl = ?, daily_realized_pnl = ?,
		daily_pnl_date = ?, trade_count = ?, winning_trades = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`

	_selectPositionByKey = `SELECT ` + _positionColumns + ` FROM positions WHERE user_id = ? AND instrument_id = ?`
	_selectPositionByID  = `SELECT ` + _positionColumns + ` FROM positions WHERE id = ?`
	_listPositions       = `SELECT ` + _positionColumns + ` FROM positions WHERE user_id = ? ORDER BY open_time, id`
	_listOpenPositions   = `SELECT ` + _positionColumns + ` FROM positions ORDER BY open_time, id`
	_countPositionByKey  = `SELECT COUNT(*) FROM positions WHERE user_id = ? AND instrument_id = ?`
	_insertPosition      = `INSERT INTO positions (` + _positionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_updatePosition = `UPDATE positions SET quantity = ?, entry_price = ?, current_price = ?,
		unrealized_pnl = ?, stop_loss = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	_deletePosition = `DELETE FROM positions WHERE id = ? AND version = ?`
	_markPosition   = `UPDATE positions SET current_price = ?, unrealized_pnl = ?, updated_at = ? WHERE id = ? AND version = ?`

	_insertTrade = `INSERT INTO trades (` + _tradeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_listTrades  = `SELECT ` + _tradeColumns + ` FROM trades WHERE user_id = ? ORDER BY executed_at DESC, id DESC`
)

// postgres unique_violation
const pqUniqueViolation = "23505"

type accountRow struct {
	UserID           string          `db:"user_id"`
	Balance          decimal.Decimal `db:"balance"`
	TotalRealizedPnL decimal.Decimal `db:"total_realized_pnl"`
	DailyRealizedPnL decimal.Decimal `db:"daily_realized_pnl"`
	DailyPnLDate     string          `db:"daily_pnl_date"`
	TradeCount       int64           `db:"trade_count"`
	WinningTrades    int64           `db:"winning_trades"`
	Version          int64           `db:"version"`
	CreatedAt        int64           `db:"created_at"`
	UpdatedAt        int64           `db:"updated_at"`
}

func (r accountRow) account() ledger.Account {
	return ledger.Account{
		UserID:           r.UserID,
		Balance:          r.Balance,
		TotalRealizedPnL: r.TotalRealizedPnL,
		DailyRealizedPnL: r.DailyRealizedPnL,
		DailyPnLDate:     r.DailyPnLDate,
		TradeCount:       r.TradeCount,
		WinningTrades:    r.WinningTrades,
		Version:          r.Version,
		CreatedAt:        fromNanos(r.CreatedAt),
		UpdatedAt:        fromNanos(r.UpdatedAt),
	}
}

type positionRow struct {
	ID             string              `db:"id"`
	UserID         string              `db:"user_id"`
	InstrumentID   string              `db:"instrument_id"`
	InstrumentType string              `db:"instrument_type"`
	Quantity       decimal.Decimal     `db:"quantity"`
	EntryPrice     decimal.Decimal     `db:"entry_price"`
	CurrentPrice   decimal.Decimal     `db:"current_price"`
	UnrealizedPnL  decimal.Decimal     `db:"unrealized_pnl"`
	StopLoss       decimal.NullDecimal `db:"stop_loss"`
	OpenTime       int64               `db:"open_time"`
	Version        int64               `db:"version"`
	UpdatedAt      int64               `db:"updated_at"`
}

func (r positionRow) position() ledger.Position {
	return ledger.Position{
		ID:             r.ID,
		UserID:         r.UserID,
		InstrumentID:   r.InstrumentID,
		InstrumentType: r.InstrumentType,
		Quantity:       r.Quantity,
		EntryPrice:     r.EntryPrice,
		CurrentPrice:   r.CurrentPrice,
		UnrealizedPnL:  r.UnrealizedPnL,
		StopLoss:       r.StopLoss,
		OpenTime:       fromNanos(r.OpenTime),
		Version:        r.Version,
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
}

type tradeRow struct {
	ID             string          `db:"id"`
	UserID         string          `db:"user_id"`
	InstrumentID   string          `db:"instrument_id"`
	InstrumentType string          `db:"instrument_type"`
	Side           string          `db:"side"`
	OrderType      string          `db:"order_type"`
	Quantity       decimal.Decimal `db:"quantity"`
	Price          decimal.Decimal `db:"price"`
	PnL            decimal.Decimal `db:"pnl"`
	ExecutedAt     int64           `db:"executed_at"`
}

func (r tradeRow) trade() ledger.TradeRecord {
	return ledger.TradeRecord{
		ID:             r.ID,
		UserID:         r.UserID,
		InstrumentID:   r.InstrumentID,
		InstrumentType: r.InstrumentType,
		Side:           ledger.Side(r.Side),
		OrderType:      r.OrderType,
		Quantity:       r.Quantity,
		Price:          r.Price,
		PnL:            r.PnL,
		Timestamp:      fromNanos(r.ExecutedAt),
	}
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// LedgerStore is the SQL implementation of ledger.Store.
type LedgerStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ ledger.Store = (*LedgerStore)(nil)

// Ledger returns a ledger store backed by this database.
func (d *Database) Ledger() *LedgerStore {
	return &LedgerStore{db: d.DB, now: time.Now}
}

func (s *LedgerStore) EnsureAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (ledger.Account, error) {
	if userID == "" {
		return ledger.Account{}, ledger.ErrUserIDRequired
	}
	a := ledger.NewAccount(userID, startingBalance, s.now())
	_, err := s.db.ExecContext(ctx, s.db.Rebind(_insertAccount),
		a.UserID, a.Balance, a.TotalRealizedPnL, a.DailyRealizedPnL, a.DailyPnLDate,
		a.TradeCount, a.WinningTrades, a.Version, nanos(a.CreatedAt), nanos(a.UpdatedAt))
	if err != nil {
		return ledger.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	if userID == "" {
		return ledger.Account{}, ledger.ErrUserIDRequired
	}
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(_selectAccount), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: account %s", ledger.ErrNotFound, userID)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("query account: %w", err)
	}
	return row.account(), nil
}

func (s *LedgerStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, _listAccountIDs); err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	return ids, nil
}

func (s *LedgerStore) GetPosition(ctx context.Context, userID, instrumentID string) (*ledger.Position, error) {
	if userID == "" {
		return nil, ledger.ErrUserIDRequired
	}
	var row positionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(_selectPositionByKey), userID, instrumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	p := row.position()
	return &p, nil
}

func (s *LedgerStore) GetPositionByID(ctx context.Context, id string) (*ledger.Position, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(_selectPositionByID), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	p := row.position()
	return &p, nil
}

func (s *LedgerStore) ListPositions(ctx context.Context, userID string) ([]ledger.Position, error) {
	if userID == "" {
		return nil, ledger.ErrUserIDRequired
	}
	return s.selectPositions(ctx, s.db.Rebind(_listPositions), userID)
}

func (s *LedgerStore) ListOpenPositions(ctx context.Context) ([]ledger.Position, error) {
	return s.selectPositions(ctx, _listOpenPositions)
}

func (s *LedgerStore) selectPositions(ctx context.Context, query string, args ...any) ([]ledger.Position, error) {
	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	positions := make([]ledger.Position, 0, len(rows))
	for _, r := range rows {
		positions = append(positions, r.position())
	}
	return positions, nil
}

func (s *LedgerStore) UpdateMarks(ctx context.Context, marks []ledger.Mark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin marks: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(_markPosition))
	if err != nil {
		return fmt.Errorf("prepare marks: %w", err)
	}
	defer stmt.Close()

	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, m.CurrentPrice, m.UnrealizedPnL, nanos(m.At), m.PositionID, m.Version); err != nil {
			return fmt.Errorf("mark %s: %w", m.PositionID, err)
		}
	}
	return tx.Commit()
}

func (s *LedgerStore) ListTrades(ctx context.Context, userID string, limit int) ([]ledger.TradeRecord, error) {
	if userID == "" {
		return nil, ledger.ErrUserIDRequired
	}
	query := _listTrades
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	trades := make([]ledger.TradeRecord, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, r.trade())
	}
	return trades, nil
}

// Apply writes the account, the position change and the trade in one
// transaction. Version predicates on the account and position rows detect
// writers that raced past the caller's read.
func (s *LedgerStore) Apply(ctx context.Context, m ledger.Mutation) error {
	if err := ledger.ValidateMutation(m); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	a := m.Account
	if err := expectOne(tx.ExecContext(ctx, tx.Rebind(_updateAccount),
		a.Balance, a.TotalRealizedPnL, a.DailyRealizedPnL, a.DailyPnLDate,
		a.TradeCount, a.WinningTrades, nanos(a.UpdatedAt), a.UserID, a.Version,
	)); err != nil {
		return fmt.Errorf("account %s: %w", a.UserID, err)
	}

	switch {
	case m.Previous == nil && m.Next != nil:
		if err := insertPosition(ctx, tx, m.Next); err != nil {
			return err
		}
	case m.Previous != nil && m.Next != nil:
		p := m.Next
		if err := expectOne(tx.ExecContext(ctx, tx.Rebind(_updatePosition),
			p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.StopLoss,
			nanos(p.UpdatedAt), p.ID, m.Previous.Version,
		)); err != nil {
			return fmt.Errorf("position %s: %w", p.ID, err)
		}
	case m.Previous != nil && m.Next == nil:
		if err := expectOne(tx.ExecContext(ctx, tx.Rebind(_deletePosition),
			m.Previous.ID, m.Previous.Version,
		)); err != nil {
			return fmt.Errorf("position %s: %w", m.Previous.ID, err)
		}
	}

	t := m.Trade
	if _, err := tx.ExecContext(ctx, tx.Rebind(_insertTrade),
		t.ID, t.UserID, t.InstrumentID, t.InstrumentType, string(t.Side), t.OrderType,
		t.Quantity, t.Price, t.PnL, nanos(t.Timestamp),
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	return nil
}

func insertPosition(ctx context.Context, tx *sqlx.Tx, p *ledger.Position) error {
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(_countPositionByKey), p.UserID, p.InstrumentID); err != nil {
		return fmt.Errorf("check position: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: position %s/%s already open", ledger.ErrPersistenceConflict, p.UserID, p.InstrumentID)
	}

	opened := p.UpdatedAt
	if opened.IsZero() {
		opened = p.OpenTime
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(_insertPosition),
		p.ID, p.UserID, p.InstrumentID, p.InstrumentType, p.Quantity, p.EntryPrice,
		p.CurrentPrice, p.UnrealizedPnL, p.StopLoss, nanos(p.OpenTime), 1, nanos(opened))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: position %s/%s already open", ledger.ErrPersistenceConflict, p.UserID, p.InstrumentID)
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// expectOne turns a zero-row versioned write into a conflict.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: row changed since read", ledger.ErrPersistenceConflict)
	}
	return nil
}

// Close is a no-op; the owning Database closes the handle.
func (s *LedgerStore) Close() error { return nil }
