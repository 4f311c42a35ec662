package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB     *sqlx.DB
	Driver string
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	return Open(DriverSQLite, path)
}

// Open connects to a sqlite file (or ":memory:") or a postgres DSN.
func Open(driver, dsn string) (*Database, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is empty")
	}

	switch driver {
	case DriverSQLite:
		memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
		if !memory {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		db, err := sqlx.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite prefers single writer.
		if !memory {
			db.SetConnMaxLifetime(time.Hour)
		}
		return &Database{DB: db, Driver: driver}, nil

	case DriverPostgres:
		db, err := sqlx.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Database{DB: db, Driver: driver}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
