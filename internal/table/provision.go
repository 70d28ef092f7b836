package table

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/apostrophecms/sql/internal/backend"
	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// ProvisionColumns makes sure every path has a column tagged with purpose and
// that the column exists on the table. It returns path → column.
//
// A new column is added and backfilled from every row's blob in one
// transaction while row writes through [Table.Write] are held off. It only
// becomes visible to [Table.Columns] once the backfill commits, so equality
// pushdown never misses a document. Work for one (table, path, purpose) is
// single-flighted across goroutines.
func (t *Table) ProvisionColumns(ctx context.Context, paths []string, purpose metadata.Purpose) (map[string]string, error) {
	if err := t.Await(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(paths))

	for _, p := range paths {
		col, err := t.provision(ctx, p, purpose)
		if err != nil {
			return nil, err
		}

		out[p] = col
	}

	return out, nil
}

func (t *Table) provision(ctx context.Context, path string, purpose metadata.Purpose) (string, error) {
	if path == codec.IDField {
		return codec.IDField, nil
	}

	if e, ok := t.m.meta.Lookup(t.name, path); ok && e.Has(purpose) && t.HasColumn(e.Column) {
		return e.Column, nil
	}

	key := t.name + "\x00" + path + "\x00" + string(purpose)

	v, err, _ := t.m.flight.Do(key, func() (any, error) {
		t.writes.Lock()
		defer t.writes.Unlock()

		if purpose == metadata.PurposeIndex {
			if err := t.rejectArrays(ctx, []string{path}); err != nil {
				return "", err
			}
		}

		col, err := t.m.meta.ResolveColumn(ctx, t.name, path, purpose)
		if err != nil {
			return "", err
		}

		if t.HasColumn(col) {
			return col, nil
		}

		n, err := t.m.engine.AddBackfilledColumn(ctx, t.name, col, func(_ string, blob []byte) (any, error) {
			doc, err := codec.Decode(blob)
			if err != nil {
				return nil, err
			}

			v, ok := codec.Get(doc, path)

			return codec.ColumnValue(v, ok)
		})
		if err != nil {
			return "", err
		}

		t.markColumn(col)

		t.m.provisioned.Inc()
		t.m.log.Info("table: column provisioned",
			"table", t.name, "path", path, "column", col, "purpose", string(purpose), "backfilled", n)

		return col, nil
	})
	if err != nil {
		return "", fmt.Errorf("provision %s.%s: %w", t.name, path, err)
	}

	col, _ := v.(string)

	return col, nil
}

// CreateIndex registers an index over keys and creates it on the table.
//
// {_id: 1} is the implicit index and only returns its name. Keys whose
// existing values include an array are rejected with [ErrUnsupportedIndex].
// An index the engine reports as already existing is not an error.
func (t *Table) CreateIndex(ctx context.Context, keys []Key, unique bool) (string, error) {
	if err := t.Await(ctx); err != nil {
		return "", err
	}

	if len(keys) == 0 {
		return "", fmt.Errorf("create index on %s: no keys", t.name)
	}

	paths := make([]string, 0, len(keys))

	for _, k := range keys {
		if k.Field == "" {
			return "", fmt.Errorf("create index on %s: empty field", t.name)
		}

		if slices.Contains(paths, k.Field) {
			return "", fmt.Errorf("create index on %s: duplicate field %q", t.name, k.Field)
		}

		paths = append(paths, k.Field)
	}

	if len(keys) == 1 && keys[0].Field == codec.IDField {
		return IDIndexName, nil
	}

	cols, err := t.ProvisionColumns(ctx, paths, metadata.PurposeIndex)
	if err != nil {
		return "", err
	}

	spec := backend.IndexSpec{Table: t.name, Unique: unique}
	for _, k := range keys {
		spec.Columns = append(spec.Columns, backend.IndexColumn{Name: cols[k.Field], Desc: k.Descending})
	}

	spec.Name = t.m.engine.IndexName(t.name, spec.Columns)

	err = t.m.engine.CreateIndex(ctx, spec)

	switch {
	case errors.Is(err, backend.ErrAlreadyExists):
		t.m.log.Debug("table: index already exists", "table", t.name, "index", spec.Name)
	case err != nil:
		return "", err
	default:
		t.m.log.Info("table: index created", "table", t.name, "index", spec.Name, "unique", unique)
	}

	t.register(Index{Name: spec.Name, Keys: slices.Clone(keys), Unique: unique})

	return spec.Name, nil
}

// DropIndex drops a registered index.
func (t *Table) DropIndex(ctx context.Context, name string) error {
	if err := t.Await(ctx); err != nil {
		return err
	}

	if name == IDIndexName {
		return fmt.Errorf("drop index on %s: cannot drop %s", t.name, IDIndexName)
	}

	t.mu.RLock()
	found := slices.ContainsFunc(t.indexes, func(idx Index) bool { return idx.Name == name })
	t.mu.RUnlock()

	if !found {
		return fmt.Errorf("%w: %s on %s", ErrIndexNotFound, name, t.name)
	}

	if err := t.m.engine.DropIndex(ctx, name); err != nil {
		return err
	}

	t.mu.Lock()
	t.indexes = slices.DeleteFunc(t.indexes, func(idx Index) bool { return idx.Name == name })
	t.mu.Unlock()

	t.m.log.Info("table: index dropped", "table", t.name, "index", name)

	return nil
}

func (t *Table) register(idx Index) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.indexes {
		if slices.Equal(existing.Keys, idx.Keys) {
			return
		}
	}

	t.indexes = append(t.indexes, idx)
}

func (t *Table) rejectArrays(ctx context.Context, paths []string) error {
	rows, err := t.m.engine.Select(ctx, backend.Query{Table: t.name})
	if err != nil {
		return err
	}

	for _, r := range rows {
		doc, err := codec.Decode(r.Doc)
		if err != nil {
			return fmt.Errorf("create index on %s: row %s: %w", t.name, r.ID, err)
		}

		for _, p := range paths {
			if codec.TraversesArray(doc, p) {
				return fmt.Errorf("%w: %s.%s holds an array (document %s)", ErrUnsupportedIndex, t.name, p, r.ID)
			}
		}
	}

	return nil
}
