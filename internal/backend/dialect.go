// Package backend is the boundary with the relational engine.
//
// [Engine] issues every statement the document layer needs: schema
// operations (has-table, create-table, list/add columns, create/drop index)
// and data operations keyed by _id. Engine-specific SQL and error
// classification live behind [Dialect]; [SQLite] is the bundled dialect.
package backend

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicateKey reports a unique or primary-key constraint failure.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrAlreadyExists reports a schema object (index, column) that exists.
	ErrAlreadyExists = errors.New("already exists")
)

// Dialect describes the engine-specific parts of the generated SQL.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// Quote returns ident as a quoted identifier.
	Quote(ident string) string

	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// MaxIdentifierLength is the longest identifier the engine accepts.
	MaxIdentifierLength() int

	// BlobType is the column type used for the encoded document.
	BlobType() string

	// TableExistsQuery returns a query yielding one row if table exists.
	TableExistsQuery(table string) (string, []any)

	// ColumnsQuery returns a query yielding one column name per row.
	ColumnsQuery(table string) (string, []any)

	// IndexListQuery returns a query yielding (name, unique) for every
	// explicitly created index of table, in creation order.
	IndexListQuery(table string) (string, []any)

	// IndexColumnsQuery returns a query yielding (column, desc) for every key
	// column of index, in key order.
	IndexColumnsQuery(index string) (string, []any)

	// IsUniqueViolation reports unique/primary-key constraint failures.
	IsUniqueViolation(err error) bool

	// IsAlreadyExists reports "index/column already exists" failures.
	IsAlreadyExists(err error) bool
}

// SQLite is the [Dialect] for mattn/go-sqlite3.
type SQLite struct{}

var _ Dialect = SQLite{}

func (SQLite) Name() string { return "sqlite3" }

func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (SQLite) Placeholder(int) string { return "?" }

// MaxIdentifierLength is effectively unbounded in SQLite. 63 keeps
// descriptors portable to PostgreSQL.
func (SQLite) MaxIdentifierLength() int { return 63 }

func (SQLite) BlobType() string { return "BLOB" }

func (SQLite) TableExistsQuery(table string) (string, []any) {
	return "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?", []any{table}
}

func (SQLite) ColumnsQuery(table string) (string, []any) {
	return "SELECT name FROM pragma_table_info(?)", []any{table}
}

func (SQLite) IndexListQuery(table string) (string, []any) {
	return `SELECT m.name, il."unique"
		FROM sqlite_master m JOIN pragma_index_list(?) il ON il.name = m.name
		WHERE m.type = 'index' AND m.tbl_name = ? AND m.sql IS NOT NULL
		ORDER BY m.rowid`, []any{table, table}
}

func (SQLite) IndexColumnsQuery(index string) (string, []any) {
	return `SELECT name, "desc" FROM pragma_index_xinfo(?) WHERE key = 1 ORDER BY seqno`, []any{index}
}

func (SQLite) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (SQLite) IsAlreadyExists(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	msg := sqliteErr.Error()

	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}
