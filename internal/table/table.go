// Package table owns the relational table behind each collection: its
// asynchronous creation, promoted column provisioning and secondary indexes.
//
// Every operation that touches the engine must call [Table.Await] first.
// Creation starts on the first reference to a collection and settles the
// table's [Gate]; a failed creation is returned to every waiter until the
// process restarts.
package table

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/apostrophecms/sql/internal/backend"
	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

var (
	// ErrTableCreation wraps the failure that settled a table as Failed.
	ErrTableCreation = errors.New("table creation failed")

	// ErrUnsupportedIndex reports an index over array-valued properties.
	ErrUnsupportedIndex = errors.New("unsupported index")

	// ErrIndexNotFound reports dropping an index that is not registered.
	ErrIndexNotFound = errors.New("index not found")
)

// Config configures a [Manager].
type Config struct {
	Engine   *backend.Engine
	Metadata *metadata.Store

	// Metrics receives docsql_columns_provisioned_total. Optional.
	Metrics *metrics.Set

	Logger *slog.Logger
}

// Manager hands out one [Table] per collection name.
type Manager struct {
	engine *backend.Engine
	meta   *metadata.Store
	log    *slog.Logger

	tables *xsync.MapOf[string, *Table]
	flight singleflight.Group
	wg     sync.WaitGroup

	provisioned *metrics.Counter
}

// NewManager returns a manager with no tables.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		engine: cfg.Engine,
		meta:   cfg.Metadata,
		log:    cfg.Logger,
		tables: xsync.NewMapOf[string, *Table](),
	}

	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	set := cfg.Metrics
	if set == nil {
		set = metrics.NewSet()
	}

	m.provisioned = set.GetOrCreateCounter("docsql_columns_provisioned_total")

	return m
}

// Table returns the table for name, starting its creation in the background
// on first reference. It never blocks.
func (m *Manager) Table(name string) *Table {
	t, loaded := m.tables.LoadOrCompute(name, func() *Table {
		return &Table{
			name:    name,
			m:       m,
			gate:    NewGate(),
			columns: map[string]struct{}{},
		}
	})

	if !loaded {
		m.wg.Add(1)

		go func() {
			defer m.wg.Done()

			t.create(context.Background())
		}()
	}

	return t
}

// Loaded lists the names of tables referenced so far.
func (m *Manager) Loaded() []string {
	var out []string

	m.tables.Range(func(name string, _ *Table) bool {
		out = append(out, name)

		return true
	})

	slices.Sort(out)

	return out
}

// Wait blocks until every background creation has settled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Key is one field of an index.
type Key struct {
	Field      string
	Descending bool
}

// Index is a registered index descriptor.
type Index struct {
	Name   string
	Keys   []Key
	Unique bool
}

// IDIndexName names the implicit unique index on _id.
const IDIndexName = "_id_"

func idIndex() Index {
	return Index{Name: IDIndexName, Keys: []Key{{Field: codec.IDField}}, Unique: true}
}

// Table is one collection's relational table.
type Table struct {
	name string
	m    *Manager
	gate *Gate

	mu      sync.RWMutex
	columns map[string]struct{} // physical promoted columns, lower-cased
	indexes []Index

	// writes is held shared by row writers and exclusively while a column
	// is added and backfilled.
	writes sync.RWMutex
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Await blocks until creation settles. A failed creation yields an error
// wrapping [ErrTableCreation].
func (t *Table) Await(ctx context.Context) error {
	return t.gate.Wait(ctx)
}

// State reports the lifecycle state.
func (t *Table) State() State {
	s, _ := t.gate.State()

	return s
}

// create runs once per table: create-if-absent with every column the
// metadata already records, then add whichever of those columns an older
// table lacks, then load existing indexes.
func (t *Table) create(ctx context.Context) {
	err := t.doCreate(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrTableCreation, t.name, err)
		t.m.log.Error("table: creation failed", "table", t.name, "error", err)
	} else {
		t.m.log.Debug("table: ready", "table", t.name, "columns", len(t.columns), "indexes", len(t.indexes))
	}

	t.gate.Settle(err)
}

func (t *Table) doCreate(ctx context.Context) error {
	entries := t.m.meta.Columns(t.name)

	cols := make([]string, 0, len(entries))
	for _, e := range entries {
		cols = append(cols, e.Column)
	}

	if err := t.m.engine.CreateTable(ctx, t.name, cols); err != nil {
		return err
	}

	existing, err := t.m.engine.Columns(ctx, t.name)
	if err != nil {
		return err
	}

	have := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c)] = struct{}{}
	}

	for _, col := range cols {
		if _, ok := have[strings.ToLower(col)]; ok {
			continue
		}

		err := t.m.engine.AddColumn(ctx, t.name, col)
		if err != nil && !errors.Is(err, backend.ErrAlreadyExists) {
			return err
		}

		have[strings.ToLower(col)] = struct{}{}
	}

	delete(have, strings.ToLower(codec.IDField))
	delete(have, strings.ToLower(codec.BlobColumn))

	specs, err := t.m.engine.Indexes(ctx, t.name)
	if err != nil {
		return err
	}

	indexes := []Index{idIndex()}

	for _, spec := range specs {
		if idx, ok := t.indexFromSpec(entries, spec); ok {
			indexes = append(indexes, idx)
		}
	}

	t.mu.Lock()
	t.columns = have
	t.indexes = indexes
	t.mu.Unlock()

	return nil
}

// indexFromSpec maps an existing engine index back to property paths. Indexes
// over columns the metadata does not know are skipped.
func (t *Table) indexFromSpec(entries []metadata.Entry, spec backend.IndexSpec) (Index, bool) {
	idx := Index{Name: spec.Name, Unique: spec.Unique}

	for _, c := range spec.Columns {
		path := ""

		if strings.EqualFold(c.Name, codec.IDField) {
			path = codec.IDField
		}

		for _, e := range entries {
			if strings.EqualFold(e.Column, c.Name) {
				path = e.Path

				break
			}
		}

		if path == "" {
			return Index{}, false
		}

		idx.Keys = append(idx.Keys, Key{Field: path, Descending: c.Desc})
	}

	return idx, len(idx.Keys) > 0
}

// HasColumn reports whether column physically exists. _id always does.
func (t *Table) HasColumn(column string) bool {
	if strings.EqualFold(column, codec.IDField) {
		return true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.columns[strings.ToLower(column)]

	return ok
}

// Columns returns the metadata entries whose column exists on the table, in
// ascending path order.
func (t *Table) Columns() []metadata.Entry {
	entries := t.m.meta.Columns(t.name)

	out := entries[:0]

	for _, e := range entries {
		if t.HasColumn(e.Column) {
			out = append(out, e)
		}
	}

	return out
}

// Write calls fn with the current [Table.Columns] and keeps that column set
// fixed until fn returns. Row writes must compute their column values and
// reach the engine inside fn, or a concurrent backfill may miss them.
func (t *Table) Write(fn func(columns []metadata.Entry) error) error {
	t.writes.RLock()
	defer t.writes.RUnlock()

	return fn(t.Columns())
}

// Column returns the existing column backing path, if any.
func (t *Table) Column(path string) (string, bool) {
	if path == codec.IDField {
		return codec.IDField, true
	}

	e, ok := t.m.meta.Lookup(t.name, path)
	if !ok || !t.HasColumn(e.Column) {
		return "", false
	}

	return e.Column, true
}

// Indexes returns the registered indexes, the implicit _id index first.
func (t *Table) Indexes() []Index {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Index, len(t.indexes))
	for i, idx := range t.indexes {
		out[i] = Index{Name: idx.Name, Keys: slices.Clone(idx.Keys), Unique: idx.Unique}
	}

	if len(out) == 0 {
		out = append(out, idIndex())
	}

	return out
}

// IndexedPath reports whether path is a key of some registered index with an
// existing column.
func (t *Table) IndexedPath(path string) bool {
	for _, idx := range t.Indexes() {
		for _, k := range idx.Keys {
			if k.Field == path {
				_, ok := t.Column(path)

				return ok
			}
		}
	}

	return false
}

func (t *Table) markColumn(column string) {
	t.mu.Lock()
	t.columns[strings.ToLower(column)] = struct{}{}
	t.mu.Unlock()
}
