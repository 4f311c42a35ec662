package db

import (
	"context"
	"fmt"
)

// Money and quantities are stored as decimal strings. Timestamps are unix
// nanoseconds so both dialects round-trip them exactly.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS accounts (
    user_id TEXT PRIMARY KEY,
    balance TEXT NOT NULL,
    total_realized_pnl TEXT NOT NULL DEFAULT '0',
    trade_count BIGINT NOT NULL DEFAULT 0,
    winning_trades BIGINT NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    instrument_type TEXT NOT NULL DEFAULT '',
    quantity TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    current_price TEXT NOT NULL,
    unrealized_pnl TEXT NOT NULL,
    open_time BIGINT NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    updated_at BIGINT NOT NULL,
    UNIQUE(user_id, instrument_id)
)`,
	`CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT NOT NULL,
    pnl TEXT NOT NULL,
    executed_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, executed_at)`,
}

// columns added after the first release.
var addedColumns = []struct {
	table, column, definition string
}{
	{"accounts", "daily_realized_pnl", "TEXT NOT NULL DEFAULT '0'"},
	{"accounts", "daily_pnl_date", "TEXT NOT NULL DEFAULT ''"},
	{"positions", "stop_loss", "TEXT"},
	{"trades", "instrument_type", "TEXT NOT NULL DEFAULT ''"},
}

// ApplyMigrations creates tables and adds missing columns. It is safe to run
// on every start.
func ApplyMigrations(d *Database) error {
	ctx := context.Background()
	if d.Driver == DriverSQLite {
		if _, err := d.DB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	for _, c := range addedColumns {
		if err := ensureColumn(ctx, d, c.table, c.column, c.definition); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(ctx context.Context, d *Database, table, column, definition string) error {
	exists, err := columnExists(ctx, d, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := d.DB.ExecContext(ctx, alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(ctx context.Context, d *Database, table, column string) (bool, error) {
	if d.Driver == DriverPostgres {
		var n int
		err := d.DB.GetContext(ctx, &n, `
			SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`,
			table, column)
		if err != nil {
			return false, fmt.Errorf("inspect %s.%s: %w", table, column, err)
		}
		return n > 0, nil
	}

	var cols []struct {
		CID        int     `db:"cid"`
		Name       string  `db:"name"`
		Type       string  `db:"type"`
		NotNull    int     `db:"notnull"`
		DefaultVal *string `db:"dflt_value"`
		PK         int     `db:"pk"`
	}
	if err := d.DB.SelectContext(ctx, &cols, "PRAGMA table_info("+table+")"); err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	for _, c := range cols {
		if c.Name == column {
			return true, nil
		}
	}
	return false, nil
}
