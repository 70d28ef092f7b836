package docsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/apostrophecms/sql/internal/backend"
	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/internal/planner"
	"github.com/apostrophecms/sql/internal/table"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// DB is a set of collections stored in one relational database.
//
// Safe for concurrent use. Each collection's table is created in the
// background on first reference; calls on that collection wait for it.
type DB struct {
	sql    *sql.DB
	ownsDB bool

	engine  *backend.Engine
	meta    *metadata.Store
	tables  *table.Manager
	planner *planner.Planner
	log     *slog.Logger
	now     func() time.Time

	metrics     *metrics.Set
	writes      *metrics.Counter
	violations  *metrics.Counter
	collections *xsync.MapOf[string, *Collection]

	closed atomic.Bool
}

// Open connects to the database and loads the metadata directory.
//
// Returns an error when MetadataDir is empty, the database cannot be opened,
// or a descriptor in MetadataDir is malformed.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.MetadataDir == "" {
		return nil, errors.New("docsql: metadata dir is empty")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	set := cfg.Metrics
	if set == nil {
		set = metrics.NewSet()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	meta, err := metadata.Open(metadata.Config{
		Dir:                 cfg.MetadataDir,
		Mode:                cfg.Mode,
		MaxIdentifierLength: cfg.MaxIdentifierLength,
		LockTimeout:         cfg.LockTimeout,
		Logger:              log,
	})
	if err != nil {
		return nil, fmt.Errorf("docsql: %w", err)
	}

	db, owns := cfg.DB, false
	if db == nil {
		if cfg.Path == "" {
			return nil, errors.New("docsql: neither DB nor Path is set")
		}

		db, err = backend.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("docsql: %w", err)
		}

		owns = true
	}

	engine := backend.New(db, backend.SQLite{})

	d := &DB{
		sql:    db,
		ownsDB: owns,
		engine: engine,
		meta:   meta,
		tables: table.NewManager(table.Config{
			Engine:   engine,
			Metadata: meta,
			Metrics:  set,
			Logger:   log,
		}),
		planner: planner.New(planner.Config{
			Engine:   engine,
			Compiler: cfg.Compiler,
			Metrics:  set,
			Logger:   log,
		}),
		log:         log,
		now:         now,
		metrics:     set,
		writes:      set.GetOrCreateCounter("docsql_writes_total"),
		violations:  set.GetOrCreateCounter("docsql_schema_violations_total"),
		collections: xsync.NewMapOf[string, *Collection](),
	}

	log.Debug("docsql: open", "mode", meta.Mode().String(), "metadata_dir", meta.Dir(), "collections", len(meta.Collections()))

	return d, nil
}

// Collection returns the named collection and starts creating its table if
// this is the first reference. It does not block.
//
// Names must be SQL identifiers: a letter or underscore followed by letters,
// digits or underscores.
func (d *DB) Collection(name string) (*Collection, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	if !codec.IsIdentifier(name) || codec.IsReservedColumn(name) || len(name) > d.meta.MaxIdentifierLength() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	c, _ := d.collections.LoadOrCompute(name, func() *Collection {
		return &Collection{name: name, db: d, tbl: d.tables.Table(name)}
	})

	return c, nil
}

// Mode reports the deployment mode.
func (d *DB) Mode() Mode {
	return d.meta.Mode()
}

// ListCollections returns the collections with a metadata descriptor or
// referenced by this process, sorted.
func (d *DB) ListCollections() []string {
	names := append(d.meta.Collections(), d.tables.Loaded()...)
	slices.Sort(names)

	return slices.Compact(names)
}

// WriteMetrics writes the docsql_* counters in Prometheus text format.
func (d *DB) WriteMetrics(w io.Writer) {
	d.metrics.WritePrometheus(w)
}

// Close waits for pending table creations and closes the database if Open
// opened it. Calls after the first return nil.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.tables.Wait()

	if d.ownsDB {
		if err := d.sql.Close(); err != nil {
			return fmt.Errorf("docsql: close: %w", err)
		}
	}

	return nil
}
