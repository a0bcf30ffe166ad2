// Package sqlite is the file-backed SQLite warehouse (modernc.org/sqlite, pure Go).
//
// Key differences from the server backends:
//   - SQLite has no timestamp type. Timestamps are stored as TEXT in the fixed-width
//     sqlstore.TimeLayout so that equality and ordering in SQL match time semantics.
//   - The database is a single file with one writer; the pool is limited to one
//     connection.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"listenetl/internal/storage"
	"listenetl/internal/storage/sqlstore"
)

func init() {
	storage.Register("sqlite", Open)
}

// maxParams stays below SQLITE_MAX_VARIABLE_NUMBER (32766).
const maxParams = 32000

// Dialect is the SQLite flavor of the shared SQL engine.
var Dialect = sqlstore.Dialect{
	Name:       "sqlite",
	ColumnType: columnType,
	BindTime:   func(t time.Time) any { return sqlstore.FormatTime(t) },
	MaxParams:  maxParams,
}

func columnType(t storage.LogicalType) string {
	switch t {
	case storage.TypeKey, storage.TypeText, storage.TypeTimestamp:
		return "TEXT"
	case storage.TypeBigInt:
		return "INTEGER"
	default:
		return ""
	}
}

// Open opens (or creates) the database file named by cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlite", withPragmas(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, Dialect), nil
}

// withPragmas adds a busy timeout and WAL journaling unless the DSN already sets
// its own query parameters.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
