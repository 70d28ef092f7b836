// Package metadata records which document paths have a backing column.
//
// Each collection has one descriptor file, <dir>/<collection>.json, mapping
// property paths to column names and the purposes the column was provisioned
// for. The files are meant to be committed next to application code: a
// process in [Locked] mode only reads them and refuses to mint new columns.
//
// A path maps to at most one column for the lifetime of a descriptor and
// column names are never reused for another path.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tailscale/hujson"

	"github.com/apostrophecms/sql/internal/fs"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// ErrSchemaViolation is returned in [Locked] mode when an operation needs a
// column that the metadata does not record.
var ErrSchemaViolation = errors.New("schema violation")

// ErrInvalidDescriptor reports a descriptor file that cannot be used.
var ErrInvalidDescriptor = errors.New("invalid metadata descriptor")

// Mode is the deployment mode.
type Mode int

const (
	// Development mints and persists columns on demand.
	Development Mode = iota
	// Locked treats the loaded descriptors as the complete schema.
	Locked
)

func (m Mode) String() string {
	if m == Locked {
		return "locked"
	}

	return "development"
}

// ParseMode accepts "development", "dev", "locked" and "production".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "development", "dev":
		return Development, nil
	case "locked", "production", "prod":
		return Locked, nil
	default:
		return Development, fmt.Errorf("unknown mode %q (want development or locked)", s)
	}
}

// Purpose says why a column exists.
type Purpose string

const (
	// PurposeIndex marks columns that back an index.
	PurposeIndex Purpose = "index"
	// PurposeOperator marks columns that back atomic update operators.
	PurposeOperator Purpose = "operator"
)

// Entry is one path → column mapping.
type Entry struct {
	Path     string
	Column   string
	Purposes []Purpose
}

// Has reports whether the entry was provisioned for p.
func (e Entry) Has(p Purpose) bool {
	return slices.Contains(e.Purposes, p)
}

// DefaultMaxIdentifierLength matches PostgreSQL's limit, the strictest of the
// common engines.
const DefaultMaxIdentifierLength = 63

const (
	descriptorExt  = ".json"
	lockFileName   = ".lock"
	dirPerm        = 0o755
	filePerm       = 0o644
	defaultLockTTL = 10 * time.Second
)

// Config configures a [Store].
type Config struct {
	// Dir holds the descriptor files. Required.
	Dir string

	// Mode is fixed for the lifetime of the store.
	Mode Mode

	// MaxIdentifierLength bounds column names. Longer mangled names get a
	// synthetic alias. Zero means [DefaultMaxIdentifierLength].
	MaxIdentifierLength int

	// FS defaults to [fs.NewReal].
	FS fs.FS

	// LockTimeout bounds how long a development-mode mutation waits for the
	// directory lock held by another process. Zero means 10s.
	LockTimeout time.Duration

	Logger *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	dir         string
	mode        Mode
	maxIdent    int
	lockTimeout time.Duration
	fs          fs.FS
	locker      *fs.Locker
	log         *slog.Logger

	// mu serializes mutations within the process; the flock on
	// <dir>/.lock serializes them across processes.
	mu sync.Mutex

	// descs holds immutable snapshots; mutations swap in a new one.
	descs *xsync.MapOf[string, *descriptor]
}

type descriptor struct {
	Collection string                 `json:"collection"`
	Version    int64                  `json:"version"`
	NextAlias  int                    `json:"next_alias"` //nolint:tagliatelle // snake_case for descriptor files
	Columns    map[string]*columnSpec `json:"columns"`
}

type columnSpec struct {
	Column   string    `json:"column"`
	Purposes []Purpose `json:"purposes"`
}

// Open loads every descriptor under cfg.Dir. A missing directory is not an
// error; in development mode it is created on the first mutation.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("metadata: dir is required")
	}

	s := &Store{
		dir:         cfg.Dir,
		mode:        cfg.Mode,
		maxIdent:    cfg.MaxIdentifierLength,
		lockTimeout: cfg.LockTimeout,
		fs:          cfg.FS,
		log:         cfg.Logger,
		descs:       xsync.NewMapOf[string, *descriptor](),
	}

	if s.maxIdent <= 0 {
		s.maxIdent = DefaultMaxIdentifierLength
	}

	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTTL
	}

	if s.fs == nil {
		s.fs = fs.NewReal()
	}

	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s.locker = fs.NewLocker(s.fs)

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

// Mode returns the deployment mode.
func (s *Store) Mode() Mode { return s.mode }

// Dir returns the descriptor directory.
func (s *Store) Dir() string { return s.dir }

// MaxIdentifierLength returns the column name length limit.
func (s *Store) MaxIdentifierLength() int { return s.maxIdent }

func (s *Store) load() error {
	entries, err := s.fs.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("metadata: reading %s: %w", s.dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, descriptorExt) || strings.HasPrefix(name, ".") {
			continue
		}

		collection := strings.TrimSuffix(name, descriptorExt)

		d, err := s.readDescriptor(collection)
		if err != nil {
			return err
		}

		if d != nil {
			s.descs.Store(collection, d)
		}
	}

	return nil
}

// readDescriptor returns nil, nil when the file does not exist.
func (s *Store) readDescriptor(collection string) (*descriptor, error) {
	path := s.descriptorPath(collection)

	data, err := s.fs.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("metadata: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: invalid JSONC: %w", ErrInvalidDescriptor, path, err)
	}

	var d descriptor
	if err := json.Unmarshal(standardized, &d); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, path, err)
	}

	if d.Collection == "" {
		d.Collection = collection
	}

	if d.Collection != collection {
		return nil, fmt.Errorf("%w: %s: collection %q does not match file name", ErrInvalidDescriptor, path, d.Collection)
	}

	if d.Columns == nil {
		d.Columns = map[string]*columnSpec{}
	}

	seen := make(map[string]string, len(d.Columns))

	for p, spec := range d.Columns {
		if spec == nil || !codec.IsIdentifier(spec.Column) {
			return nil, fmt.Errorf("%w: %s: path %q has invalid column", ErrInvalidDescriptor, path, p)
		}

		key := strings.ToLower(spec.Column)
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s: column %q used by %q and %q", ErrInvalidDescriptor, path, spec.Column, other, p)
		}

		seen[key] = p
	}

	return &d, nil
}

func (s *Store) descriptorPath(collection string) string {
	return filepath.Join(s.dir, collection+descriptorExt)
}

// Lookup returns the entry for path, if any.
func (s *Store) Lookup(collection, path string) (Entry, bool) {
	if path == codec.IDField {
		return Entry{Path: path, Column: codec.IDField, Purposes: []Purpose{PurposeIndex}}, true
	}

	d, ok := s.descs.Load(collection)
	if !ok {
		return Entry{}, false
	}

	spec, ok := d.Columns[path]
	if !ok {
		return Entry{}, false
	}

	return Entry{Path: path, Column: spec.Column, Purposes: slices.Clone(spec.Purposes)}, true
}

// Columns returns every entry of collection in ascending path order.
func (s *Store) Columns(collection string) []Entry {
	d, ok := s.descs.Load(collection)
	if !ok {
		return nil
	}

	out := make([]Entry, 0, len(d.Columns))

	for _, p := range codec.SortedKeys(d.Columns) {
		spec := d.Columns[p]
		out = append(out, Entry{Path: p, Column: spec.Column, Purposes: slices.Clone(spec.Purposes)})
	}

	return out
}

// Collections lists collections that have a descriptor.
func (s *Store) Collections() []string {
	var out []string

	s.descs.Range(func(name string, _ *descriptor) bool {
		out = append(out, name)

		return true
	})

	sort.Strings(out)

	return out
}

// Version returns the descriptor version of collection, zero if it has none.
func (s *Store) Version(collection string) int64 {
	if d, ok := s.descs.Load(collection); ok {
		return d.Version
	}

	return 0
}

// ResolveColumn returns the column backing path, provisioning a metadata
// entry tagged with purpose when needed.
//
// In [Development] mode a missing entry is minted and persisted. In [Locked]
// mode a missing entry fails with [ErrSchemaViolation]; a known column that
// merely lacks the purpose tag gets it in memory only.
//
// Concurrent calls for the same path converge on the same column.
func (s *Store) ResolveColumn(ctx context.Context, collection, path string, purpose Purpose) (string, error) {
	if path == "" {
		return "", errors.New("metadata: empty path")
	}

	if path == codec.IDField {
		return codec.IDField, nil
	}

	if e, ok := s.Lookup(collection, path); ok && e.Has(purpose) {
		return e.Column, nil
	}

	if s.mode == Locked {
		return s.resolveLocked(collection, path, purpose)
	}

	var column string

	err := s.mutate(ctx, collection, func(d *descriptor) bool {
		if spec, ok := d.Columns[path]; ok {
			column = spec.Column
			if slices.Contains(spec.Purposes, purpose) {
				return false
			}

			spec.Purposes = append(spec.Purposes, purpose)
			sortPurposes(spec.Purposes)

			return true
		}

		column = s.mint(d, path)
		d.Columns[path] = &columnSpec{Column: column, Purposes: []Purpose{purpose}}

		s.log.Info("metadata: column minted",
			"collection", collection, "path", path, "column", column, "purpose", string(purpose))

		return true
	})
	if err != nil {
		return "", err
	}

	return column, nil
}

func (s *Store) resolveLocked(collection, path string, purpose Purpose) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.descs.Load(collection)
	if ok {
		if spec, found := d.Columns[path]; found {
			if !slices.Contains(spec.Purposes, purpose) {
				next := d.clone()
				next.Columns[path].Purposes = append(next.Columns[path].Purposes, purpose)
				sortPurposes(next.Columns[path].Purposes)
				s.descs.Store(collection, next)
			}

			return spec.Column, nil
		}
	}

	s.log.Warn("metadata: locked mode rejected new column",
		"collection", collection, "path", path, "purpose", string(purpose))

	return "", fmt.Errorf("%w: %s.%s has no %s column in locked mode", ErrSchemaViolation, collection, path, purpose)
}

// mutate applies fn to a fresh copy of the descriptor under both the
// in-process and the directory lock. The on-disk descriptor is re-read first
// so that columns minted by other processes are seen before minting.
func (s *Store) mutate(ctx context.Context, collection string, fn func(d *descriptor) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("metadata: creating %s: %w", s.dir, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	lk, err := s.locker.LockContext(lockCtx, filepath.Join(s.dir, lockFileName))
	if err != nil {
		return fmt.Errorf("metadata: locking %s: %w", s.dir, err)
	}

	defer func() { _ = lk.Close() }()

	onDisk, err := s.readDescriptor(collection)
	if err != nil {
		return err
	}

	var next *descriptor

	switch {
	case onDisk != nil:
		next = onDisk
	default:
		if cur, ok := s.descs.Load(collection); ok {
			next = cur.clone()
		} else {
			next = &descriptor{Collection: collection, Columns: map[string]*columnSpec{}}
		}
	}

	if !fn(next) {
		s.descs.Store(collection, next)

		return nil
	}

	next.Version++

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: encoding %s: %w", collection, err)
	}

	data = append(data, '\n')

	path := s.descriptorPath(collection)
	if err := s.fs.WriteFileAtomic(path, data, filePerm); err != nil {
		return fmt.Errorf("metadata: writing %s: %w", path, err)
	}

	s.descs.Store(collection, next)

	s.log.Debug("metadata: descriptor persisted", "collection", collection, "version", next.Version, "path", path)

	return nil
}

// mint picks a column name for path that no other path of d uses.
func (s *Store) mint(d *descriptor, path string) string {
	name := codec.MangleColumn(path)
	if codec.IsIdentifier(name) && !codec.IsReservedColumn(name) && len(name) <= s.maxIdent && !d.uses(name) {
		return name
	}

	for {
		d.NextAlias++

		alias := fmt.Sprintf("c%d", d.NextAlias)
		if !d.uses(alias) {
			return alias
		}
	}
}

func (d *descriptor) uses(column string) bool {
	for _, spec := range d.Columns {
		if strings.EqualFold(spec.Column, column) {
			return true
		}
	}

	return false
}

func (d *descriptor) clone() *descriptor {
	out := &descriptor{
		Collection: d.Collection,
		Version:    d.Version,
		NextAlias:  d.NextAlias,
		Columns:    make(map[string]*columnSpec, len(d.Columns)),
	}

	for p, spec := range d.Columns {
		out.Columns[p] = &columnSpec{Column: spec.Column, Purposes: slices.Clone(spec.Purposes)}
	}

	return out
}

func sortPurposes(ps []Purpose) {
	slices.Sort(ps)
}
