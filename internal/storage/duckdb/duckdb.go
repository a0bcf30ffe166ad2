// Package duckdb is the default warehouse: an embedded, file-backed analytical
// database (github.com/duckdb/duckdb-go/v2).
//
// DuckDB serializes writers within one process. The pool is limited to a single
// connection so that every stage sees its own uncommitted writes and nothing else.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"listenetl/internal/storage"
	"listenetl/internal/storage/sqlstore"
)

func init() {
	storage.Register("duckdb", Open)
}

// Dialect is the DuckDB flavor of the shared SQL engine.
//
// TIMESTAMP stores microseconds; time.Time values are bound in UTC.
var Dialect = sqlstore.Dialect{
	Name:       "duckdb",
	ColumnType: columnType,
	MaxParams:  16000,
}

func columnType(t storage.LogicalType) string {
	switch t {
	case storage.TypeKey, storage.TypeText:
		return "VARCHAR"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return ""
	}
}

// Open opens (or creates) the database file named by cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("duckdb", connString(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("duckdb: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("duckdb: ping: %w", err)
	}
	return sqlstore.New(db, Dialect), nil
}

// connString adds read-write access and a thread count unless the DSN already
// carries its own settings.
func connString(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return fmt.Sprintf("%s?access_mode=read_write&threads=%d", dsn, runtime.NumCPU())
}
