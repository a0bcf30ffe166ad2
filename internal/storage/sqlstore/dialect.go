// Package sqlstore implements storage.Warehouse once over database/sql.
//
// Backends differ only in a Dialect: placeholder style, column types, DDL guards,
// time binding and statement size limits. All pipeline SQL is written with '?'
// placeholders and rebound per dialect.
package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"listenetl/internal/storage"
)

// Dialect captures the per-backend SQL differences.
type Dialect struct {
	// Name is used in error messages ("sqlite", "postgres", ...).
	Name string

	// Placeholder renders the n-th (1-based) bind parameter. Nil keeps '?'.
	Placeholder func(n int) string

	// Quote quotes an identifier. Nil uses ANSI double quotes.
	Quote func(ident string) string

	// ColumnType maps a logical type to a column type.
	ColumnType func(t storage.LogicalType) string

	// CreateTable wraps a column/constraint body into an idempotent CREATE TABLE.
	// Nil uses CREATE TABLE IF NOT EXISTS.
	CreateTable func(table, body string) string

	// CreateIndex renders an idempotent CREATE INDEX. cols is already quoted.
	// Nil uses CREATE INDEX IF NOT EXISTS.
	CreateIndex func(table, index, cols string) string

	// BindTime converts a timestamp into the driver value stored in the database.
	// Nil binds t.UTC().
	BindTime func(t time.Time) any

	// MaxParams bounds the bind parameters of one statement.
	MaxParams int

	// LockHint is appended after the table name when reading key state
	// (e.g. " WITH (UPDLOCK, ROWLOCK)").
	LockHint string

	// ForUpdate is appended to key-state reads (e.g. " FOR UPDATE").
	ForUpdate string
}

// Rebind rewrites '?' placeholders outside string literals into the dialect's style.
func (d Dialect) Rebind(query string) string {
	if d.Placeholder == nil {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteString(d.Placeholder(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (d Dialect) quote(ident string) string {
	if d.Quote != nil {
		return d.Quote(ident)
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d Dialect) quoteList(cols []string) string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, d.quote(c))
	}
	return strings.Join(out, ", ")
}

func (d Dialect) bindTime(t time.Time) any {
	if d.BindTime != nil {
		return d.BindTime(t)
	}
	return t.UTC()
}

// cast renders a typed bind parameter. Some engines cannot infer the type of a
// parameter that appears in a SELECT list.
func (d Dialect) cast(t storage.LogicalType) string {
	typ := d.ColumnType(t)
	if i := strings.Index(strings.ToUpper(typ), " COLLATE "); i >= 0 {
		typ = typ[:i]
	}
	return "CAST(? AS " + typ + ")"
}

func (d Dialect) maxParams() int {
	if d.MaxParams <= 0 {
		return 999
	}
	return d.MaxParams
}

// BuildCreateStatements renders the DDL for one table: the CREATE TABLE followed
// by one statement per index. Every statement is idempotent.
func BuildCreateStatements(d Dialect, t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("%s: table name is empty", d.Name)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("%s: table %s has no columns", d.Name, t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%s: table %s has a column without name", d.Name, t.Name)
		}
		typ := d.ColumnType(c.Type)
		if typ == "" {
			return nil, fmt.Errorf("%s: column %s.%s has unsupported type %q", d.Name, t.Name, c.Name, c.Type)
		}
		def := d.quote(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}

	if len(t.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", d.quoteList(t.PrimaryKey)))
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return nil, fmt.Errorf("%s: %s unsupported constraint kind: %s", d.Name, t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return nil, fmt.Errorf("%s: %s unique constraint has no columns", d.Name, t.Name)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", d.quoteList(con.Columns)))
	}

	body := strings.Join(parts, ",\n  ")
	var create string
	if d.CreateTable != nil {
		create = d.CreateTable(t.Name, body)
	} else {
		create = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", d.quote(t.Name), body)
	}

	stmts := []string{create}
	for _, idx := range t.Indexes {
		if idx.Name == "" || len(idx.Columns) == 0 {
			return nil, fmt.Errorf("%s: %s has an incomplete index", d.Name, t.Name)
		}
		cols := d.quoteList(idx.Columns)
		if d.CreateIndex != nil {
			stmts = append(stmts, d.CreateIndex(t.Name, idx.Name, cols))
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.quote(idx.Name), d.quote(t.Name), cols))
	}
	return stmts, nil
}

// TimeLayout is the fixed-width text form used by engines that store timestamps
// as text. Fixed width keeps text order equal to time order.
const TimeLayout = "2006-01-02 15:04:05.000000"

// FormatTime renders t in TimeLayout (UTC, microseconds).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var scanLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ScanTime converts a scanned timestamp column into a UTC time.
//
// Supported inputs: time.Time, and string or []byte in TimeLayout, RFC3339 or
// the common "YYYY-MM-DD HH:MM:SS" variants (zone-less values are UTC).
func ScanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("sqlstore: NULL timestamp")
	default:
		return time.Time{}, fmt.Errorf("sqlstore: unsupported timestamp type %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("sqlstore: empty time string")
	}
	for _, layout := range scanLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlstore: unsupported time format: %q", s)
}
