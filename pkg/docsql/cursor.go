package docsql

import (
	"context"
	"fmt"

	"github.com/apostrophecms/sql/internal/planner"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// Cursor is a lazily evaluated find. Builder methods modify and return the
// same cursor; a cursor is not safe for concurrent use.
type Cursor struct {
	c    *Collection
	pred map[string]any
	err  error

	sort  []SortField
	skip  int
	limit int
	proj  map[string]any
}

// Sort appends sort fields. Each path needs an index; otherwise the query
// fails with [ErrUnsupportedSort].
func (cur *Cursor) Sort(fields ...SortField) *Cursor {
	cur.sort = append(cur.sort, fields...)

	return cur
}

// Skip drops the first n matching documents.
func (cur *Cursor) Skip(n int) *Cursor {
	cur.skip = n

	return cur
}

// Limit caps the number of documents returned. 0 means no limit.
func (cur *Cursor) Limit(n int) *Cursor {
	cur.limit = n

	return cur
}

// Project selects fields: {path: 1, ...} keeps only those paths (plus _id
// unless {_id: 0}), {path: 0, ...} drops them.
func (cur *Cursor) Project(projection map[string]any) *Cursor {
	if cur.err != nil {
		return cur
	}

	p, err := codec.NormalizeDocument(projection)
	if err != nil {
		cur.err = fmt.Errorf("%w: projection: %w", ErrInvalidProjection, err)

		return cur
	}

	cur.proj = p

	return cur
}

// ToArray runs the query: pushdown, residual filter, sort, skip, limit,
// projection.
func (cur *Cursor) ToArray(ctx context.Context) ([]Document, error) {
	if cur.err != nil {
		return nil, withContext(cur.err, cur.c.name, "")
	}

	if err := cur.c.ready(ctx); err != nil {
		return nil, withContext(err, cur.c.name, "")
	}

	docs, err := cur.c.db.planner.Find(ctx, cur.c.tbl, planner.Request{
		Predicate:  cur.pred,
		Sort:       cur.sort,
		Skip:       cur.skip,
		Limit:      cur.limit,
		Projection: cur.proj,
	})
	if err != nil {
		return nil, withContext(err, cur.c.name, "")
	}

	return docs, nil
}

// Count returns the number of matching documents, ignoring skip and limit.
func (cur *Cursor) Count(ctx context.Context) (int64, error) {
	if cur.err != nil {
		return 0, withContext(cur.err, cur.c.name, "")
	}

	if err := cur.c.ready(ctx); err != nil {
		return 0, withContext(err, cur.c.name, "")
	}

	n, err := cur.c.db.planner.Count(ctx, cur.c.tbl, cur.pred)
	if err != nil {
		return 0, withContext(err, cur.c.name, "")
	}

	return n, nil
}
