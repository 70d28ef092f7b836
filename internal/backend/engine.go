package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// Engine runs schema and data statements against one database handle. It is
// safe for concurrent use.
type Engine struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps db. The caller keeps ownership of db.
func New(db *sql.DB, dialect Dialect) *Engine {
	return &Engine{db: db, dialect: dialect}
}

// Dialect returns the engine's dialect.
func (e *Engine) Dialect() Dialect { return e.dialect }

// HasTable reports whether table exists.
func (e *Engine) HasTable(ctx context.Context, table string) (bool, error) {
	query, args := e.dialect.TableExistsQuery(table)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("has table %s: %w", table, err)
	}

	defer func() { _ = rows.Close() }()

	found := rows.Next()

	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("has table %s: %w", table, err)
	}

	return found, nil
}

// CreateTable creates table if it is absent, with the _id primary key, the
// document blob and the given promoted columns.
func (e *Engine) CreateTable(ctx context.Context, table string, columns []string) error {
	var b strings.Builder

	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(e.dialect.Quote(table))
	b.WriteString(" (\n    ")
	b.WriteString(e.dialect.Quote(codec.IDField))
	b.WriteString(" TEXT PRIMARY KEY,\n    ")
	b.WriteString(e.dialect.Quote(codec.BlobColumn))
	b.WriteString(" ")
	b.WriteString(e.dialect.BlobType())
	b.WriteString(" NOT NULL")

	for _, col := range columns {
		b.WriteString(",\n    ")
		b.WriteString(e.dialect.Quote(col))
	}

	b.WriteString("\n)")

	if _, err := e.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	return nil
}

// Columns lists the column names of table in declaration order.
func (e *Engine) Columns(ctx context.Context, table string) ([]string, error) {
	query, args := e.dialect.ColumnsQuery(table)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	defer func() { _ = rows.Close() }()

	var out []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("columns of %s: %w", table, err)
		}

		out = append(out, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	return out, nil
}

// HasColumn reports whether table has column (case-insensitive).
func (e *Engine) HasColumn(ctx context.Context, table, column string) (bool, error) {
	cols, err := e.Columns(ctx, table)
	if err != nil {
		return false, err
	}

	for _, c := range cols {
		if strings.EqualFold(c, column) {
			return true, nil
		}
	}

	return false, nil
}

// AddColumn adds an untyped column. It returns [ErrAlreadyExists] when the
// column is already present.
func (e *Engine) AddColumn(ctx context.Context, table, column string) error {
	return e.addColumn(ctx, e.db, table, column)
}

func (e *Engine) addColumn(ctx context.Context, db execer, table, column string) error {
	stmt := "ALTER TABLE " + e.dialect.Quote(table) + " ADD COLUMN " + e.dialect.Quote(column)

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		if e.dialect.IsAlreadyExists(err) {
			return fmt.Errorf("add column %s.%s: %w", table, column, ErrAlreadyExists)
		}

		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}

	return nil
}

// IndexColumn is one key of an index.
type IndexColumn struct {
	Name string
	Desc bool
}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	Name    string
	Table   string
	Columns []IndexColumn
	Unique  bool
}

// IndexName derives "ix_<table>_<col1>_<col2>...". Names over the dialect's
// limit are truncated and suffixed with an fnv hash of the full name.
func (e *Engine) IndexName(table string, columns []IndexColumn) string {
	var b strings.Builder

	b.WriteString("ix_")
	b.WriteString(table)

	for _, c := range columns {
		b.WriteString("_")
		b.WriteString(c.Name)

		if c.Desc {
			b.WriteString("_desc")
		}
	}

	name := b.String()

	limit := e.dialect.MaxIdentifierLength()
	if len(name) <= limit {
		return name
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	suffix := fmt.Sprintf("_%08x", h.Sum32())

	return name[:limit-len(suffix)] + suffix
}

// CreateIndex creates spec. It returns [ErrAlreadyExists] when an index with
// that name exists.
func (e *Engine) CreateIndex(ctx context.Context, spec IndexSpec) error {
	if len(spec.Columns) == 0 {
		return errors.New("create index: no columns")
	}

	var b strings.Builder

	if spec.Unique {
		b.WriteString("CREATE UNIQUE INDEX ")
	} else {
		b.WriteString("CREATE INDEX ")
	}

	b.WriteString(e.dialect.Quote(spec.Name))
	b.WriteString(" ON ")
	b.WriteString(e.dialect.Quote(spec.Table))
	b.WriteString(" (")

	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(e.dialect.Quote(c.Name))

		if c.Desc {
			b.WriteString(" DESC")
		}
	}

	b.WriteString(")")

	if _, err := e.db.ExecContext(ctx, b.String()); err != nil {
		if e.dialect.IsAlreadyExists(err) {
			return fmt.Errorf("create index %s: %w", spec.Name, ErrAlreadyExists)
		}

		if e.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("create index %s: %w", spec.Name, ErrDuplicateKey)
		}

		return fmt.Errorf("create index %s: %w", spec.Name, err)
	}

	return nil
}

// DropIndex drops the named index if it exists.
func (e *Engine) DropIndex(ctx context.Context, name string) error {
	if _, err := e.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+e.dialect.Quote(name)); err != nil {
		return fmt.Errorf("drop index %s: %w", name, err)
	}

	return nil
}

// Indexes lists the explicitly created indexes of table in creation order.
func (e *Engine) Indexes(ctx context.Context, table string) ([]IndexSpec, error) {
	query, args := e.dialect.IndexListQuery(table)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("indexes of %s: %w", table, err)
	}

	var specs []IndexSpec

	for rows.Next() {
		spec := IndexSpec{Table: table}
		if err := rows.Scan(&spec.Name, &spec.Unique); err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("indexes of %s: scan: %w", table, err)
		}

		specs = append(specs, spec)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return nil, fmt.Errorf("indexes of %s: %w", table, err)
	}

	_ = rows.Close()

	for i := range specs {
		cols, err := e.indexColumns(ctx, specs[i].Name)
		if err != nil {
			return nil, err
		}

		specs[i].Columns = cols
	}

	return specs, nil
}

func (e *Engine) indexColumns(ctx context.Context, index string) ([]IndexColumn, error) {
	query, args := e.dialect.IndexColumnsQuery(index)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("columns of index %s: %w", index, err)
	}

	defer func() { _ = rows.Close() }()

	var out []IndexColumn

	for rows.Next() {
		var (
			name sql.NullString
			c    IndexColumn
		)

		if err := rows.Scan(&name, &c.Desc); err != nil {
			return nil, fmt.Errorf("columns of index %s: scan: %w", index, err)
		}

		c.Name = name.String
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columns of index %s: %w", index, err)
	}

	return out, nil
}
