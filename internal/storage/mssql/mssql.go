// Package mssql is the Microsoft SQL Server warehouse.
//
// SQL Server differences handled by the dialect:
//   - No CREATE TABLE IF NOT EXISTS: DDL is guarded with OBJECT_ID / sys.indexes.
//   - Named placeholders @p1..@pN, at most 2100 per statement.
//   - Key columns use a binary collation so natural keys compare byte-for-byte, as
//     on the other backends (the server default is usually case-insensitive).
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"listenetl/internal/storage"
	"listenetl/internal/storage/sqlstore"
)

func init() {
	storage.Register("mssql", Open)
}

// maxParams stays within SQL Server's 2100 parameter limit.
const maxParams = 2000

// Dialect is the SQL Server flavor of the shared SQL engine.
var Dialect = sqlstore.Dialect{
	Name:        "mssql",
	Placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
	Quote:       mssqlIdent,
	ColumnType:  columnType,
	CreateTable: wrapCreateIfMissing,
	CreateIndex: createIndexIfMissing,
	MaxParams:   maxParams,
	LockHint:    " WITH (UPDLOCK, ROWLOCK)",
}

func columnType(t storage.LogicalType) string {
	switch t {
	case storage.TypeKey:
		return "NVARCHAR(255) COLLATE Latin1_General_100_BIN2"
	case storage.TypeText:
		return "NVARCHAR(MAX)"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeTimestamp:
		return "DATETIME2(6)"
	default:
		return ""
	}
}

// Open connects using the "sqlserver" driver and a sqlserver:// DSN.
func Open(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return sqlstore.New(db, Dialect), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, body string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		body,
	)
}

// createIndexIfMissing guards CREATE INDEX with a sys.indexes lookup.
func createIndexIfMissing(tableName, indexName, cols string) string {
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
		indexName,
		tableName,
		mssqlIdent(indexName),
		mssqlTableIdent(tableName),
		cols,
	)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.fact_listen" -> [dbo].[fact_listen]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
