// Package postgres is the PostgreSQL warehouse.
//
// Connections come from a pgx pool exposed through database/sql, so the shared SQL
// engine drives Postgres the same way as the embedded backends.
package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"listenetl/internal/storage"
	"listenetl/internal/storage/sqlstore"
)

func init() {
	storage.Register("postgres", Open)
}

// Dialect is the Postgres flavor of the shared SQL engine.
//
// Key-state rows are read FOR UPDATE so a second writer that slipped past the run
// lock blocks instead of allocating the same surrogate keys.
var Dialect = sqlstore.Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	ColumnType:  columnType,
	MaxParams:   65535,
	ForUpdate:   " FOR UPDATE",
}

func columnType(t storage.LogicalType) string {
	switch t {
	case storage.TypeKey, storage.TypeText:
		return "TEXT"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return ""
	}
}

// Open connects to the server named by cfg.DSN (a libpq URL or key/value string).
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	return sqlstore.New(db, Dialect, pool.Close), nil
}
