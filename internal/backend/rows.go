package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// Row is the relational form of a document.
type Row struct {
	ID  string
	Doc []byte

	// Columns maps promoted column names to their raw stored values.
	Columns map[string]any
}

// Assignment sets one promoted column in an UPDATE.
type Assignment struct {
	Column string
	Value  any

	// Increment makes the statement add Value to the stored number
	// (COALESCE(col, 0) + Value) instead of overwriting it.
	Increment bool
}

// Cond is an equality condition.
type Cond struct {
	Column string
	Value  any
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Query is a parameterized SELECT.
type Query struct {
	Table string

	// Columns are the promoted columns to return besides _id and _doc.
	Columns []string

	Where   []Cond
	OrderBy []Order

	// Limit <= 0 means no limit.
	Limit  int
	Offset int
}

// Insert stores row. Constraint failures return [ErrDuplicateKey].
func (e *Engine) Insert(ctx context.Context, table string, row Row) error {
	cols := codec.SortedKeys(row.Columns)

	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(e.dialect.Quote(table))
	b.WriteString(" (")
	b.WriteString(e.dialect.Quote(codec.IDField))
	b.WriteString(", ")
	b.WriteString(e.dialect.Quote(codec.BlobColumn))

	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(e.dialect.Quote(c))
	}

	b.WriteString(") VALUES (")

	args := make([]any, 0, len(cols)+2)
	args = append(args, row.ID, row.Doc)

	for _, c := range cols {
		args = append(args, row.Columns[c])
	}

	for i := range args {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(e.dialect.Placeholder(i + 1))
	}

	b.WriteString(")")

	if _, err := e.db.ExecContext(ctx, b.String(), args...); err != nil {
		return e.writeErr("insert into "+table, err)
	}

	return nil
}

// Update rewrites the blob of the row with the given id and applies sets. It
// reports whether a row matched.
func (e *Engine) Update(ctx context.Context, table, id string, doc []byte, sets []Assignment) (bool, error) {
	n, err := e.update(ctx, e.db, table, id, doc, sets)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e *Engine) update(ctx context.Context, db execer, table, id string, doc []byte, sets []Assignment) (int64, error) {
	var b strings.Builder

	b.WriteString("UPDATE ")
	b.WriteString(e.dialect.Quote(table))
	b.WriteString(" SET ")

	args := make([]any, 0, len(sets)+2)
	n := 0

	next := func() string {
		n++

		return e.dialect.Placeholder(n)
	}

	if doc != nil {
		b.WriteString(e.dialect.Quote(codec.BlobColumn))
		b.WriteString(" = ")
		b.WriteString(next())

		args = append(args, doc)
	}

	for i, s := range sets {
		if i > 0 || doc != nil {
			b.WriteString(", ")
		}

		col := e.dialect.Quote(s.Column)

		b.WriteString(col)
		b.WriteString(" = ")

		if s.Increment {
			b.WriteString("COALESCE(")
			b.WriteString(col)
			b.WriteString(", 0) + ")
		}

		b.WriteString(next())

		args = append(args, s.Value)
	}

	if len(args) == 0 {
		return 0, errors.New("update: nothing to set")
	}

	b.WriteString(" WHERE ")
	b.WriteString(e.dialect.Quote(codec.IDField))
	b.WriteString(" = ")
	b.WriteString(next())

	args = append(args, id)

	res, err := db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, e.writeErr("update "+table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: rows affected: %w", table, err)
	}

	return affected, nil
}

// deleteChunk keeps DELETE ... IN (...) under SQLite's bind variable limit.
const deleteChunk = 500

// DeleteByIDs deletes the rows with the given ids and returns how many were
// removed.
func (e *Engine) DeleteByIDs(ctx context.Context, table string, ids []string) (int64, error) {
	var total int64

	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]

		var b strings.Builder

		b.WriteString("DELETE FROM ")
		b.WriteString(e.dialect.Quote(table))
		b.WriteString(" WHERE ")
		b.WriteString(e.dialect.Quote(codec.IDField))
		b.WriteString(" IN (")

		args := make([]any, len(chunk))

		for i, id := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}

			b.WriteString(e.dialect.Placeholder(i + 1))

			args[i] = id
		}

		b.WriteString(")")

		res, err := e.db.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("delete from %s: %w", table, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("delete from %s: rows affected: %w", table, err)
		}

		total += n
	}

	return total, nil
}

// Select runs q and returns every row. The result set is drained before
// returning.
func (e *Engine) Select(ctx context.Context, q Query) ([]Row, error) {
	var b strings.Builder

	b.WriteString("SELECT ")
	b.WriteString(e.dialect.Quote(codec.IDField))
	b.WriteString(", ")
	b.WriteString(e.dialect.Quote(codec.BlobColumn))

	for _, c := range q.Columns {
		b.WriteString(", ")
		b.WriteString(e.dialect.Quote(c))
	}

	b.WriteString(" FROM ")
	b.WriteString(e.dialect.Quote(q.Table))

	args := e.writeWhere(&b, q.Where)

	for i, o := range q.OrderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}

		b.WriteString(e.dialect.Quote(o.Column))

		if o.Desc {
			b.WriteString(" DESC")
		}
	}

	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	if q.Offset > 0 {
		if q.Limit <= 0 {
			b.WriteString(" LIMIT -1")
		}

		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}

	rows, err := e.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", q.Table, err)
	}

	defer func() { _ = rows.Close() }()

	var out []Row

	for rows.Next() {
		var (
			r    Row
			vals = make([]any, len(q.Columns))
			dest = make([]any, 0, len(q.Columns)+2)
		)

		dest = append(dest, &r.ID, &r.Doc)
		for i := range vals {
			dest = append(dest, &vals[i])
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("select from %s: scan: %w", q.Table, err)
		}

		r.Columns = make(map[string]any, len(q.Columns))
		for i, c := range q.Columns {
			r.Columns[c] = vals[i]
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select from %s: %w", q.Table, err)
	}

	return out, nil
}

// Count returns the number of rows matching where.
func (e *Engine) Count(ctx context.Context, table string, where []Cond) (int64, error) {
	var b strings.Builder

	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(e.dialect.Quote(table))

	args := e.writeWhere(&b, where)

	var n int64
	if err := e.db.QueryRowContext(ctx, b.String(), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}

	return n, nil
}

// Backfill sets column on every row to fill(id, blob), in one transaction.
func (e *Engine) Backfill(ctx context.Context, table, column string, fill func(id string, doc []byte) (any, error)) (int64, error) {
	return e.fillInTx(ctx, table, column, false, fill)
}

// AddBackfilledColumn adds column and backfills it in the same transaction,
// so a failed fill rolls the new column back with it. A column that already
// exists is only backfilled.
func (e *Engine) AddBackfilledColumn(ctx context.Context, table, column string, fill func(id string, doc []byte) (any, error)) (int64, error) {
	return e.fillInTx(ctx, table, column, true, fill)
}

func (e *Engine) fillInTx(ctx context.Context, table, column string, add bool, fill func(id string, doc []byte) (any, error)) (int64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("backfill %s.%s: begin: %w", table, column, err)
	}

	if add {
		err = e.addColumn(ctx, tx, table, column)
		if errors.Is(err, ErrAlreadyExists) {
			err = nil
		}
	}

	var n int64
	if err == nil {
		n, err = e.backfill(ctx, tx, table, column, fill)
	}

	if err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil {
			rbErr = fmt.Errorf("rollback: %w", rbErr)
		}

		return 0, errors.Join(err, rbErr)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("backfill %s.%s: commit: %w", table, column, err)
	}

	return n, nil
}

func (e *Engine) backfill(ctx context.Context, tx *sql.Tx, table, column string, fill func(id string, doc []byte) (any, error)) (int64, error) {
	query := "SELECT " + e.dialect.Quote(codec.IDField) + ", " + e.dialect.Quote(codec.BlobColumn) +
		" FROM " + e.dialect.Quote(table)

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backfill %s.%s: %w", table, column, err)
	}

	type pending struct {
		id    string
		value any
	}

	var todo []pending

	for rows.Next() {
		var (
			id  string
			doc []byte
		)

		if err := rows.Scan(&id, &doc); err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("backfill %s.%s: scan: %w", table, column, err)
		}

		v, err := fill(id, doc)
		if err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("backfill %s.%s: row %s: %w", table, column, id, err)
		}

		if v != nil {
			todo = append(todo, pending{id: id, value: v})
		}
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return 0, fmt.Errorf("backfill %s.%s: %w", table, column, err)
	}

	_ = rows.Close()

	for _, p := range todo {
		if _, err := e.update(ctx, tx, table, p.id, nil, []Assignment{{Column: column, Value: p.value}}); err != nil {
			return 0, fmt.Errorf("backfill %s.%s: %w", table, column, err)
		}
	}

	return int64(len(todo)), nil
}

func (e *Engine) writeWhere(b *strings.Builder, where []Cond) []any {
	args := make([]any, 0, len(where))

	for i, c := range where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}

		b.WriteString(e.dialect.Quote(c.Column))
		b.WriteString(" = ")
		b.WriteString(e.dialect.Placeholder(i + 1))

		args = append(args, c.Value)
	}

	return args
}

func (e *Engine) writeErr(op string, err error) error {
	if e.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrDuplicateKey, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
