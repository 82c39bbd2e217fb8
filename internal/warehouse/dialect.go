package warehouse

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/jobmatch/eventgen/pkg/types"
)

// Dialect adapts the emulator to one SQL engine.
type Dialect interface {
	// Name is the database/sql driver name.
	Name() string

	// TableName returns the quoted physical name of ref. The project part
	// is not mapped: one database holds one project.
	TableName(ref types.TableRef) string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string

	// ColumnType maps a field type onto a column type.
	ColumnType(ft types.FieldType) string

	// FieldType maps an introspected column type back onto a field type.
	FieldType(sqlType string) (types.FieldType, bool)

	// ColumnsQuery returns a query yielding (name, type, notnull) for every
	// column of ref in declaration order.
	ColumnsQuery(ref types.TableRef) (string, []any)

	// CreateNamespace returns the statement creating the dataset, or "".
	CreateNamespace(ref types.TableRef) string

	// EncodeTimestamp converts a timestamp into a bind value.
	EncodeTimestamp(t time.Time) any

	// IsUnavailable reports whether err is a transient engine condition.
	IsUnavailable(err error) bool
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "sqlite3", "sqlite":
		return SQLiteDialect{}, nil
	case "postgres", "postgresql":
		return PostgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q (must be sqlite3 or postgres)", driverName)
	}
}

// sqliteTimeLayout is fixed width so that stored timestamps order
// lexicographically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteDialect stores each dataset.table as a "dataset__table" table and
// timestamps as fixed-width UTC text.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite3" }

func (SQLiteDialect) physical(ref types.TableRef) string {
	return ref.Dataset + "__" + ref.Table
}

func (d SQLiteDialect) TableName(ref types.TableRef) string {
	return quoteIdent(d.physical(ref))
}

func (SQLiteDialect) Placeholder(int) string { return "?" }

func (SQLiteDialect) ColumnType(ft types.FieldType) string {
	switch ft {
	case types.FieldInteger:
		return "INTEGER"
	case types.FieldTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (SQLiteDialect) FieldType(sqlType string) (types.FieldType, bool) {
	switch strings.ToUpper(sqlType) {
	case "TEXT":
		return types.FieldString, true
	case "INTEGER":
		return types.FieldInteger, true
	case "TIMESTAMP":
		return types.FieldTimestamp, true
	}
	return "", false
}

func (d SQLiteDialect) ColumnsQuery(ref types.TableRef) (string, []any) {
	return `SELECT name, type, "notnull" FROM pragma_table_info(?) ORDER BY cid`, []any{d.physical(ref)}
}

func (SQLiteDialect) CreateNamespace(types.TableRef) string { return "" }

func (SQLiteDialect) EncodeTimestamp(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (SQLiteDialect) IsUnavailable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, driver.ErrBadConn)
}

// PostgresDialect maps each dataset onto a schema.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) TableName(ref types.TableRef) string {
	return pq.QuoteIdentifier(ref.Dataset) + "." + pq.QuoteIdentifier(ref.Table)
}

func (PostgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (PostgresDialect) ColumnType(ft types.FieldType) string {
	switch ft {
	case types.FieldInteger:
		return "BIGINT"
	case types.FieldTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (PostgresDialect) FieldType(sqlType string) (types.FieldType, bool) {
	switch strings.ToLower(sqlType) {
	case "text", "character varying":
		return types.FieldString, true
	case "bigint", "integer", "smallint":
		return types.FieldInteger, true
	case "timestamptz", "timestamp with time zone", "timestamp without time zone":
		return types.FieldTimestamp, true
	}
	return "", false
}

func (PostgresDialect) ColumnsQuery(ref types.TableRef) (string, []any) {
	return `SELECT column_name, data_type, CASE WHEN is_nullable = 'NO' THEN 1 ELSE 0 END
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, []any{ref.Dataset, ref.Table}
}

func (PostgresDialect) CreateNamespace(ref types.TableRef) string {
	return "CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(ref.Dataset)
}

func (PostgresDialect) EncodeTimestamp(t time.Time) any { return t.UTC() }

func (PostgresDialect) IsUnavailable(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code.Class() {
		case "08", "53": // connection exception, insufficient resources
			return true
		}
		return pe.Code == "57P03" // cannot_connect_now
	}
	return errors.Is(err, driver.ErrBadConn)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
