// Package planner turns a document predicate into a relational query.
//
// Equality conditions that line up with a registered index are pushed down
// to the engine; the full predicate is then re-applied to every decoded
// document, so pushdown narrows the scan but never decides the result.
package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/VictoriaMetrics/metrics"

	"github.com/apostrophecms/sql/internal/backend"
	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/internal/table"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
	"github.com/apostrophecms/sql/pkg/docsql/matcher"
)

// ErrUnsupportedSort reports a sort on a path that has no backing column.
var ErrUnsupportedSort = errors.New("unsupported sort")

// Source is the part of a collection's table the planner reads.
type Source interface {
	Name() string
	Indexes() []table.Index
	Column(path string) (string, bool)
	Columns() []metadata.Entry
}

var _ Source = (*table.Table)(nil)

// SortField orders results by one path.
type SortField struct {
	Path string
	Desc bool
}

// Request describes one find.
type Request struct {
	Predicate map[string]any
	Sort      []SortField

	// Skip and Limit apply after filtering. Limit <= 0 means no limit.
	Skip  int
	Limit int

	Projection map[string]any
}

// Plan is the relational half of a request.
type Plan struct {
	Table string

	// Pushed lists the predicate paths evaluated by the engine, in the
	// order their conditions appear in Where.
	Pushed []string
	Where  []backend.Cond
	Order  []backend.Order

	// Columns are every promoted column to read, with their paths.
	Columns []metadata.Entry

	// Exact is set when the engine conditions alone decide the predicate.
	Exact bool
}

// Config configures a [Planner].
type Config struct {
	Engine *backend.Engine

	// Compiler builds the residual filter. Defaults to [matcher.Default].
	Compiler matcher.Compiler

	Metrics *metrics.Set
	Logger  *slog.Logger
}

// Planner plans and runs reads.
type Planner struct {
	engine   *backend.Engine
	compiler matcher.Compiler
	log      *slog.Logger

	queries *metrics.Counter
	pushed  *metrics.Counter
	scanned *metrics.Counter
}

// New returns a planner.
func New(cfg Config) *Planner {
	p := &Planner{
		engine:   cfg.Engine,
		compiler: cfg.Compiler,
		log:      cfg.Logger,
	}

	if p.compiler == nil {
		p.compiler = matcher.Default
	}

	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	set := cfg.Metrics
	if set == nil {
		set = metrics.NewSet()
	}

	p.queries = set.GetOrCreateCounter("docsql_queries_total")
	p.pushed = set.GetOrCreateCounter("docsql_pushdown_conditions_total")
	p.scanned = set.GetOrCreateCounter("docsql_rows_scanned_total")

	return p
}

// Plan builds the relational query for req without running it.
//
// Indexes are walked in registration order, the implicit _id index first.
// Each index contributes the contiguous prefix of its keys whose predicate
// value is a pushable scalar and whose column exists.
func (p *Planner) Plan(src Source, req Request) (*Plan, error) {
	plan := &Plan{Table: src.Name(), Columns: src.Columns()}

	for _, idx := range src.Indexes() {
		for _, k := range idx.Keys {
			v, ok := codec.PredicateValue(req.Predicate, k.Field)
			if !ok || !codec.IsPushdownScalar(v) {
				break
			}

			col, ok := src.Column(k.Field)
			if !ok {
				break
			}

			if slices.Contains(plan.Pushed, k.Field) {
				continue
			}

			raw, err := codec.ColumnValue(v, true)
			if err != nil {
				return nil, fmt.Errorf("plan %s: %s: %w", plan.Table, k.Field, err)
			}

			plan.Pushed = append(plan.Pushed, k.Field)
			plan.Where = append(plan.Where, backend.Cond{Column: col, Value: raw})
		}
	}

	for _, s := range req.Sort {
		col, ok := src.Column(s.Path)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s has no index", ErrUnsupportedSort, plan.Table, s.Path)
		}

		plan.Order = append(plan.Order, backend.Order{Column: col, Desc: s.Desc})
	}

	plan.Exact = exact(req.Predicate, plan.Pushed)

	return plan, nil
}

// exact reports whether every predicate key is a top-level scalar equality
// that was pushed down.
func exact(pred map[string]any, pushed []string) bool {
	for k, v := range pred {
		if strings.HasPrefix(k, "$") || !slices.Contains(pushed, k) || !codec.IsPushdownScalar(v) {
			return false
		}
	}

	return true
}

// Find runs req and returns the matching documents, projected.
func (p *Planner) Find(ctx context.Context, src Source, req Request) ([]codec.Document, error) {
	if err := ValidateProjection(req.Projection); err != nil {
		return nil, err
	}

	docs, err := p.find(ctx, src, req)
	if err != nil {
		return nil, err
	}

	if len(req.Projection) == 0 {
		return docs, nil
	}

	for i, d := range docs {
		docs[i] = Project(d, req.Projection)
	}

	return docs, nil
}

func (p *Planner) find(ctx context.Context, src Source, req Request) ([]codec.Document, error) {
	plan, err := p.Plan(src, req)
	if err != nil {
		return nil, err
	}

	m, err := p.compiler.Compile(req.Predicate)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", plan.Table, err)
	}

	docs, err := p.scan(ctx, plan, m)
	if err != nil {
		return nil, err
	}

	if len(req.Sort) > 0 {
		sortDocuments(docs, req.Sort)
	}

	return page(docs, req.Skip, req.Limit), nil
}

// scan executes plan without skip or limit, since the residual filter may
// drop rows the engine returned.
func (p *Planner) scan(ctx context.Context, plan *Plan, m matcher.Matcher) ([]codec.Document, error) {
	p.queries.Inc()
	p.pushed.Add(len(plan.Where))

	cols := make([]string, len(plan.Columns))
	for i, e := range plan.Columns {
		cols[i] = e.Column
	}

	rows, err := p.engine.Select(ctx, backend.Query{
		Table:   plan.Table,
		Columns: cols,
		Where:   plan.Where,
		OrderBy: plan.Order,
	})
	if err != nil {
		return nil, err
	}

	p.scanned.Add(len(rows))

	out := make([]codec.Document, 0, len(rows))

	for _, r := range rows {
		doc, err := DecodeRow(r, plan.Columns)
		if err != nil {
			return nil, fmt.Errorf("find in %s: %w", plan.Table, err)
		}

		if m.Match(doc) {
			out = append(out, doc)
		}
	}

	p.log.Debug("planner: scan",
		"table", plan.Table, "pushed", plan.Pushed, "rows", len(rows), "matched", len(out))

	return out, nil
}

// DecodeRow decodes a row's blob and deep-sets its promoted column values
// over it.
func DecodeRow(r backend.Row, columns []metadata.Entry) (codec.Document, error) {
	doc, err := codec.Decode(r.Doc)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", r.ID, err)
	}

	vals := make(map[string]any, len(columns))

	for _, e := range columns {
		if raw, ok := r.Columns[e.Column]; ok {
			vals[e.Path] = raw
		}
	}

	if err := codec.Reconstruct(doc, vals); err != nil {
		return nil, fmt.Errorf("document %s: %w", r.ID, err)
	}

	doc[codec.IDField] = r.ID

	return doc, nil
}

// Count returns the number of documents matching predicate. A predicate the
// engine can decide alone is counted with COUNT(*).
func (p *Planner) Count(ctx context.Context, src Source, predicate map[string]any) (int64, error) {
	plan, err := p.Plan(src, Request{Predicate: predicate})
	if err != nil {
		return 0, err
	}

	if plan.Exact {
		p.queries.Inc()
		p.pushed.Add(len(plan.Where))

		return p.engine.Count(ctx, plan.Table, plan.Where)
	}

	docs, err := p.find(ctx, src, Request{Predicate: predicate})
	if err != nil {
		return 0, err
	}

	return int64(len(docs)), nil
}

// Distinct returns the distinct values at path among matching documents.
// Array values contribute their elements. Values keep first-seen order.
func (p *Planner) Distinct(ctx context.Context, src Source, path string, predicate map[string]any) ([]any, error) {
	docs, err := p.find(ctx, src, Request{Predicate: predicate})
	if err != nil {
		return nil, err
	}

	var (
		out  = []any{}
		seen = map[string]struct{}{}
	)

	add := func(v any) error {
		key, err := codec.Key(v)
		if err != nil {
			return err
		}

		if _, ok := seen[key]; ok {
			return nil
		}

		seen[key] = struct{}{}
		out = append(out, v)

		return nil
	}

	for _, d := range docs {
		v, ok := codec.Get(d, path)
		if !ok {
			continue
		}

		items, isArr := v.([]any)
		if !isArr {
			items = []any{v}
		}

		for _, item := range items {
			if err := add(item); err != nil {
				return nil, fmt.Errorf("distinct %s.%s: %w", src.Name(), path, err)
			}
		}
	}

	return out, nil
}

func sortDocuments(docs []codec.Document, fields []SortField) {
	slices.SortStableFunc(docs, func(a, b codec.Document) int {
		for _, f := range fields {
			av, _ := codec.Get(a, f.Path)
			bv, _ := codec.Get(b, f.Path)

			c := codec.Compare(av, bv)
			if f.Desc {
				c = -c
			}

			if c != 0 {
				return c
			}
		}

		return 0
	})
}

func page(docs []codec.Document, skip, limit int) []codec.Document {
	if skip > 0 {
		if skip >= len(docs) {
			return docs[:0]
		}

		docs = docs[skip:]
	}

	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}

	return docs
}
