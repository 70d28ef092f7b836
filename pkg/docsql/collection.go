package docsql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/apostrophecms/sql/internal/backend"
	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/internal/planner"
	"github.com/apostrophecms/sql/internal/table"
	"github.com/apostrophecms/sql/internal/update"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// Collection is a named set of documents backed by one table.
//
// Updates are read-modify-write without optimistic concurrency: two
// concurrent updates of the same document may lose one writer's change to a
// property that has no column. $inc on a property whose column already exists
// is applied by the database and is not lost.
type Collection struct {
	name string
	db   *DB
	tbl  *table.Table
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// ready waits for the table. Every method that touches the database calls it
// first.
func (c *Collection) ready(ctx context.Context) error {
	if c.db.closed.Load() {
		return ErrClosed
	}

	return c.tbl.Await(ctx)
}

// Find returns a cursor over the documents matching predicate. Nothing runs
// until [Cursor.ToArray] or [Cursor.Count].
func (c *Collection) Find(predicate map[string]any) *Cursor {
	pred, err := codec.NormalizePredicate(predicate)
	if err != nil {
		err = fmt.Errorf("%w: predicate: %w", ErrInvalidDocument, err)
	}

	return &Cursor{c: c, pred: pred, err: err}
}

// FindOne returns the first document matching predicate, or [ErrNotFound].
func (c *Collection) FindOne(ctx context.Context, predicate map[string]any) (Document, error) {
	docs, err := c.Find(predicate).Limit(1).ToArray(ctx)
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return nil, withContext(ErrNotFound, c.name, idOf(predicate))
	}

	return docs[0], nil
}

// CountDocuments returns the number of documents matching predicate.
func (c *Collection) CountDocuments(ctx context.Context, predicate map[string]any) (int64, error) {
	return c.Find(predicate).Count(ctx)
}

// Distinct returns the distinct values at path among the documents matching
// predicate. Arrays contribute their elements.
func (c *Collection) Distinct(ctx context.Context, path string, predicate map[string]any) ([]any, error) {
	pred, err := codec.NormalizePredicate(predicate)
	if err != nil {
		return nil, withContext(fmt.Errorf("%w: predicate: %w", ErrInvalidDocument, err), c.name, "")
	}

	if err := c.ready(ctx); err != nil {
		return nil, withContext(err, c.name, "")
	}

	vals, err := c.db.planner.Distinct(ctx, c.tbl, path, pred)
	if err != nil {
		return nil, withContext(err, c.name, "")
	}

	return vals, nil
}

// InsertOne inserts doc. A missing _id is assigned a UUIDv7 string; any other
// _id must be a string.
func (c *Collection) InsertOne(ctx context.Context, doc Document) (*InsertOneResult, error) {
	if err := c.ready(ctx); err != nil {
		return nil, withContext(err, c.name, "")
	}

	id, err := c.insert(ctx, doc)
	if err != nil {
		return nil, withContext(err, c.name, id)
	}

	return &InsertOneResult{InsertedID: id}, nil
}

// InsertMany inserts docs in order and stops at the first failure. The result
// lists the ids inserted before it.
func (c *Collection) InsertMany(ctx context.Context, docs []Document) (*InsertManyResult, error) {
	res := &InsertManyResult{InsertedIDs: make([]string, 0, len(docs))}

	if err := c.ready(ctx); err != nil {
		return res, withContext(err, c.name, "")
	}

	for _, doc := range docs {
		id, err := c.insert(ctx, doc)
		if err != nil {
			return res, withContext(err, c.name, id)
		}

		res.InsertedIDs = append(res.InsertedIDs, id)
	}

	return res, nil
}

// UpdateOne applies update operators to the first document matching
// predicate.
func (c *Collection) UpdateOne(ctx context.Context, predicate, ops map[string]any, opts ...UpdateOptions) (*UpdateResult, error) {
	return c.update(ctx, predicate, ops, false, mergeUpdateOptions(opts))
}

// UpdateMany applies update operators to every document matching predicate.
func (c *Collection) UpdateMany(ctx context.Context, predicate, ops map[string]any, opts ...UpdateOptions) (*UpdateResult, error) {
	return c.update(ctx, predicate, ops, true, mergeUpdateOptions(opts))
}

// ReplaceOne replaces the first document matching predicate, keeping its
// _id. The replacement may not contain operators.
func (c *Collection) ReplaceOne(ctx context.Context, predicate map[string]any, replacement Document, opts ...UpdateOptions) (*UpdateResult, error) {
	res, id, err := c.replace(ctx, predicate, replacement, mergeUpdateOptions(opts))
	if err != nil {
		return nil, withContext(err, c.name, id)
	}

	return res, nil
}

// DeleteOne deletes the first document matching predicate.
func (c *Collection) DeleteOne(ctx context.Context, predicate map[string]any) (*DeleteResult, error) {
	return c.delete(ctx, predicate, false)
}

// DeleteMany deletes every document matching predicate.
func (c *Collection) DeleteMany(ctx context.Context, predicate map[string]any) (*DeleteResult, error) {
	return c.delete(ctx, predicate, true)
}

// RemoveOne is DeleteOne.
func (c *Collection) RemoveOne(ctx context.Context, predicate map[string]any) (*DeleteResult, error) {
	return c.DeleteOne(ctx, predicate)
}

// RemoveMany is DeleteMany.
func (c *Collection) RemoveMany(ctx context.Context, predicate map[string]any) (*DeleteResult, error) {
	return c.DeleteMany(ctx, predicate)
}

// CreateIndex creates an index over keys and returns its name. Creating an
// existing index is not an error. {_id} names the implicit index.
//
// Keys whose stored values are arrays fail with [ErrUnsupportedIndex]. In
// locked mode, a key with no recorded column fails with
// [ErrSchemaViolation].
func (c *Collection) CreateIndex(ctx context.Context, keys []IndexKey, opts ...IndexOptions) (string, error) {
	if c.db.closed.Load() {
		return "", withContext(ErrClosed, c.name, "")
	}

	unique := false
	for _, o := range opts {
		unique = unique || o.Unique
	}

	name, err := c.tbl.CreateIndex(ctx, keys, unique)
	if err != nil {
		c.noteViolation(err, "create index")

		return "", withContext(err, c.name, "")
	}

	return name, nil
}

// DropIndex drops a registered index by name.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if c.db.closed.Load() {
		return withContext(ErrClosed, c.name, "")
	}

	return withContext(c.tbl.DropIndex(ctx, name), c.name, "")
}

// Indexes lists the registered indexes, the implicit _id index first.
func (c *Collection) Indexes(ctx context.Context) ([]Index, error) {
	if err := c.ready(ctx); err != nil {
		return nil, withContext(err, c.name, "")
	}

	return c.tbl.Indexes(), nil
}

func (c *Collection) insert(ctx context.Context, doc Document) (string, error) {
	norm, id, err := prepare(doc)
	if err != nil {
		return id, err
	}

	err = c.tbl.Write(func(columns []metadata.Entry) error {
		row, err := c.row(norm, columns)
		if err != nil {
			return err
		}

		return c.db.engine.Insert(ctx, c.name, row)
	})
	if err != nil {
		return id, err
	}

	c.db.writes.Inc()

	return id, nil
}

// prepare normalizes doc and settles its _id.
func prepare(doc Document) (Document, string, error) {
	norm, err := codec.NormalizeDocument(doc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	raw, ok := norm[codec.IDField]
	if !ok || raw == nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, "", fmt.Errorf("generate _id: %w", err)
		}

		norm[codec.IDField] = id.String()

		return norm, id.String(), nil
	}

	id, ok := raw.(string)
	if !ok || id == "" {
		return nil, "", fmt.Errorf("%w: _id must be a non-empty string, got %T", ErrInvalidDocument, raw)
	}

	return norm, id, nil
}

// row builds the relational form of doc over columns.
func (c *Collection) row(doc Document, columns []metadata.Entry) (backend.Row, error) {
	id, _ := doc[codec.IDField].(string)

	blob, err := codec.Encode(doc)
	if err != nil {
		return backend.Row{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	cols, err := c.columnValues(columns, doc, nil)
	if err != nil {
		return backend.Row{}, err
	}

	row := backend.Row{ID: id, Doc: blob, Columns: make(map[string]any, len(cols))}
	for _, a := range cols {
		row.Columns[a.Column] = a.Value
	}

	return row, nil
}

// columnValues computes every promoted column of doc. Paths in increments
// become atomic increments by the given delta instead of stored values.
func (c *Collection) columnValues(columns []metadata.Entry, doc Document, increments map[string]any) ([]backend.Assignment, error) {
	out := make([]backend.Assignment, 0, len(columns))

	for _, e := range columns {
		if e.Has(metadata.PurposeIndex) && codec.TraversesArray(doc, e.Path) {
			return nil, fmt.Errorf("%w: %s.%s is indexed and cannot hold an array", ErrUnsupportedIndex, c.name, e.Path)
		}

		if delta, ok := increments[e.Path]; ok {
			out = append(out, backend.Assignment{Column: e.Column, Value: delta, Increment: true})

			continue
		}

		v, ok := codec.Get(doc, e.Path)

		raw, err := codec.ColumnValue(v, ok)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.name, e.Path, err)
		}

		out = append(out, backend.Assignment{Column: e.Column, Value: raw})
	}

	return out, nil
}

func (c *Collection) update(ctx context.Context, predicate, ops map[string]any, many bool, opt UpdateOptions) (*UpdateResult, error) {
	res, id, err := c.doUpdate(ctx, predicate, ops, many, opt)
	if err != nil {
		return nil, withContext(err, c.name, id)
	}

	return res, nil
}

func (c *Collection) doUpdate(ctx context.Context, predicate, ops map[string]any, many bool, opt UpdateOptions) (*UpdateResult, string, error) {
	pred, err := codec.NormalizePredicate(predicate)
	if err != nil {
		return nil, "", fmt.Errorf("%w: predicate: %w", ErrInvalidDocument, err)
	}

	normOps, err := codec.NormalizeDocument(ops)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}

	if err := update.Validate(normOps); err != nil {
		return nil, "", err
	}

	if err := c.ready(ctx); err != nil {
		return nil, "", err
	}

	req := planner.Request{Predicate: pred}
	if !many {
		req.Limit = 1
	}

	docs, err := c.db.planner.Find(ctx, c.tbl, req)
	if err != nil {
		return nil, "", err
	}

	if len(docs) == 0 && !opt.Upsert {
		return &UpdateResult{}, "", nil
	}

	increments := c.atomicIncrements(normOps)

	if err := c.provision(ctx, update.Touched(normOps)); err != nil {
		return nil, "", err
	}

	now := c.db.now()

	if len(docs) == 0 {
		applied, err := update.Apply(update.Seed(pred), normOps, now)
		if err != nil {
			return nil, "", err
		}

		id, err := c.insert(ctx, applied.Doc)
		if err != nil {
			return nil, id, err
		}

		return &UpdateResult{UpsertedID: id}, id, nil
	}

	res := &UpdateResult{MatchedCount: int64(len(docs))}

	for _, doc := range docs {
		id, _ := doc[codec.IDField].(string)

		applied, err := update.Apply(doc, normOps, now)
		if err != nil {
			return nil, id, err
		}

		changed, err := c.write(ctx, doc, applied.Doc, increments)
		if err != nil {
			return nil, id, err
		}

		if changed {
			res.ModifiedCount++
		}
	}

	return res, "", nil
}

// atomicIncrements returns the $inc paths that already have a column and are
// not also written by another operator. Those are incremented by the
// database rather than overwritten with the value read.
func (c *Collection) atomicIncrements(ops map[string]any) map[string]any {
	inc, _ := ops[update.Inc].(map[string]any)
	if len(inc) == 0 {
		return nil
	}

	other := map[string]struct{}{}

	for _, op := range []string{update.Set, update.Unset, update.CurrentDate, update.Pull, update.AddToSet} {
		fields, _ := ops[op].(map[string]any)
		for p := range fields {
			other[p] = struct{}{}
		}
	}

	out := map[string]any{}

	for path, delta := range inc {
		if _, ok := other[path]; ok {
			continue
		}

		if overlaps(path, other) {
			continue
		}

		if _, ok := c.tbl.Column(path); ok {
			out[path] = delta
		}
	}

	return out
}

// overlaps reports whether path is an ancestor or descendant of any path in
// set.
func overlaps(path string, set map[string]struct{}) bool {
	for p := range set {
		if strings.HasPrefix(p, path+".") || strings.HasPrefix(path, p+".") {
			return true
		}
	}

	return false
}

// provision makes sure every written path has an operator column before the
// write. In locked mode an unknown path fails here, before anything is
// written.
func (c *Collection) provision(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	_, err := c.tbl.ProvisionColumns(ctx, paths, metadata.PurposeOperator)
	if err != nil {
		c.noteViolation(err, "update")

		return err
	}

	return nil
}

func (c *Collection) noteViolation(err error, op string) {
	if errors.Is(err, ErrSchemaViolation) {
		c.db.violations.Inc()
		c.db.log.Warn("docsql: schema violation", "collection", c.name, "op", op, "error", err)
	}
}

// write stores after in place of before. It reports false without writing
// when the document did not change.
func (c *Collection) write(ctx context.Context, before, after Document, increments map[string]any) (bool, error) {
	id, _ := before[codec.IDField].(string)

	oldKey, err := codec.Key(before)
	if err != nil {
		return false, err
	}

	newKey, err := codec.Key(after)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	if oldKey == newKey {
		return false, nil
	}

	blob, err := codec.Encode(after)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var ok bool

	err = c.tbl.Write(func(columns []metadata.Entry) error {
		sets, err := c.columnValues(columns, after, increments)
		if err != nil {
			return err
		}

		ok, err = c.db.engine.Update(ctx, c.name, id, blob, sets)

		return err
	})
	if err != nil {
		return false, err
	}

	if ok {
		c.db.writes.Inc()
	}

	return ok, nil
}

func (c *Collection) replace(ctx context.Context, predicate map[string]any, replacement Document, opt UpdateOptions) (*UpdateResult, string, error) {
	pred, err := codec.NormalizePredicate(predicate)
	if err != nil {
		return nil, "", fmt.Errorf("%w: predicate: %w", ErrInvalidDocument, err)
	}

	for k := range replacement {
		if strings.HasPrefix(k, "$") {
			return nil, "", fmt.Errorf("%w: replacement contains operator %s", ErrInvalidUpdate, k)
		}
	}

	doc, err := codec.NormalizeDocument(replacement)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	if err := c.ready(ctx); err != nil {
		return nil, "", err
	}

	docs, err := c.db.planner.Find(ctx, c.tbl, planner.Request{Predicate: pred, Limit: 1})
	if err != nil {
		return nil, "", err
	}

	if len(docs) == 0 {
		if !opt.Upsert {
			return &UpdateResult{}, "", nil
		}

		if _, ok := doc[codec.IDField]; !ok {
			if id, ok := pred[codec.IDField].(string); ok {
				doc[codec.IDField] = id
			}
		}

		id, err := c.insert(ctx, doc)
		if err != nil {
			return nil, id, err
		}

		return &UpdateResult{UpsertedID: id}, id, nil
	}

	old := docs[0]
	id, _ := old[codec.IDField].(string)

	if v, ok := doc[codec.IDField]; ok && !codec.Equal(v, id) {
		return nil, id, fmt.Errorf("%w: _id is immutable", ErrInvalidUpdate)
	}

	doc[codec.IDField] = id

	changed, err := c.write(ctx, old, doc, nil)
	if err != nil {
		return nil, id, err
	}

	res := &UpdateResult{MatchedCount: 1}
	if changed {
		res.ModifiedCount = 1
	}

	return res, id, nil
}

func (c *Collection) delete(ctx context.Context, predicate map[string]any, many bool) (*DeleteResult, error) {
	cur := c.Find(predicate).Project(map[string]any{codec.IDField: true})
	if !many {
		cur = cur.Limit(1)
	}

	docs, err := cur.ToArray(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))

	for _, d := range docs {
		if id, ok := d[codec.IDField].(string); ok {
			ids = append(ids, id)
		}
	}

	n, err := c.db.engine.DeleteByIDs(ctx, c.name, ids)
	if err != nil {
		return nil, withContext(err, c.name, "")
	}

	if n > 0 {
		c.db.writes.Add(int(n))
	}

	return &DeleteResult{DeletedCount: n}, nil
}

// idOf returns predicate's _id when it is a plain string, for error context.
func idOf(predicate map[string]any) string {
	id, _ := predicate[codec.IDField].(string)

	return id
}
