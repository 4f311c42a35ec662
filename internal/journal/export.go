// Package journal exports trade history to Parquet files for offline analysis.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"papertrade/internal/ledger"
)

// TradeSource lists accounts and their trades. ledger.Store satisfies it.
type TradeSource interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
	ListTrades(ctx context.Context, userID string, limit int) ([]ledger.TradeRecord, error)
}

// TradeRow is the Parquet schema for one trade. Decimals are written as
// strings so no precision is lost.
type TradeRow struct {
	ID             string `parquet:"id"`
	UserID         string `parquet:"user_id"`
	InstrumentID   string `parquet:"instrument_id"`
	InstrumentType string `parquet:"instrument_type"`
	Side           string `parquet:"side"`
	OrderType      string `parquet:"order_type"`
	Quantity       string `parquet:"quantity"`
	Price          string `parquet:"price"`
	PnL            string `parquet:"pnl"`
	ExecutedAt     int64  `parquet:"executed_at,timestamp(nanosecond)"` // Unix ns
}

func rowOf(t ledger.TradeRecord) TradeRow {
	return TradeRow{
		ID:             t.ID,
		UserID:         t.UserID,
		InstrumentID:   t.InstrumentID,
		InstrumentType: t.InstrumentType,
		Side:           string(t.Side),
		OrderType:      t.OrderType,
		Quantity:       t.Quantity.String(),
		Price:          t.Price.String(),
		PnL:            t.PnL.String(),
		ExecutedAt:     t.Timestamp.UnixNano(),
	}
}

// Trade converts the row back to a ledger record.
func (r TradeRow) Trade() (ledger.TradeRecord, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return ledger.TradeRecord{}, fmt.Errorf("trade %s quantity: %w", r.ID, err)
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return ledger.TradeRecord{}, fmt.Errorf("trade %s price: %w", r.ID, err)
	}
	pnl, err := decimal.NewFromString(r.PnL)
	if err != nil {
		return ledger.TradeRecord{}, fmt.Errorf("trade %s pnl: %w", r.ID, err)
	}
	return ledger.TradeRecord{
		ID:             r.ID,
		UserID:         r.UserID,
		InstrumentID:   r.InstrumentID,
		InstrumentType: r.InstrumentType,
		Side:           ledger.Side(r.Side),
		OrderType:      r.OrderType,
		Quantity:       qty,
		Price:          price,
		PnL:            pnl,
		Timestamp:      time.Unix(0, r.ExecutedAt).UTC(),
	}, nil
}

// Export writes the trades of the given users, or of every user when
// userIDs is empty, to path in execution order. It returns the row count.
func Export(ctx context.Context, src TradeSource, path string, userIDs ...string) (int, error) {
	if len(userIDs) == 0 {
		ids, err := src.ListAccountIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("list accounts: %w", err)
		}
		userIDs = ids
	}

	var rows []TradeRow
	for _, id := range userIDs {
		trades, err := src.ListTrades(ctx, id, 0)
		if err != nil {
			return 0, fmt.Errorf("list trades for %s: %w", id, err)
		}
		for _, t := range trades {
			rows = append(rows, rowOf(t))
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ExecutedAt != rows[j].ExecutedAt {
			return rows[i].ExecutedAt < rows[j].ExecutedAt
		}
		return rows[i].ID < rows[j].ID
	})

	if err := writeParquetFile(path, rows); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(rows), nil
}

// Read loads an exported file.
func Read(path string) ([]ledger.TradeRecord, error) {
	rows, err := parquet.ReadFile[TradeRow](path)
	if err != nil {
		return nil, err
	}
	trades := make([]ledger.TradeRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.Trade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}
