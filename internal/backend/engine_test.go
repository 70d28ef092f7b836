package backend_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/apostrophecms/sql/internal/backend"
)

func newEngine(t *testing.T) *backend.Engine {
	t.Helper()

	db, err := backend.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return backend.New(db, backend.SQLite{})
}

func Test_CreateTable_Adds_Columns_When_Table_Absent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	ok, err := e.HasTable(ctx, "pets")
	if err != nil || ok {
		t.Fatalf("HasTable before = %v, %v; want false", ok, err)
	}

	if err := e.CreateTable(ctx, "pets", []string{"fur"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Idempotent.
	if err := e.CreateTable(ctx, "pets", []string{"fur"}); err != nil {
		t.Fatalf("create again: %v", err)
	}

	if err := e.AddColumn(ctx, "pets", "owner__name"); err != nil {
		t.Fatalf("add column: %v", err)
	}

	err = e.AddColumn(ctx, "pets", "fur")
	if !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("add existing column err = %v, want %v", err, backend.ErrAlreadyExists)
	}

	cols, err := e.Columns(ctx, "pets")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}

	if diff := cmp.Diff([]string{"_id", "_doc", "fur", "owner__name"}, cols); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}

	has, err := e.HasColumn(ctx, "pets", "FUR")
	if err != nil || !has {
		t.Fatalf("HasColumn(FUR) = %v, %v; want true", has, err)
	}
}

func Test_Insert_Returns_ErrDuplicateKey_When_Unique_Violated(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "pets", []string{"name"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	idx := backend.IndexSpec{
		Name:    e.IndexName("pets", []backend.IndexColumn{{Name: "name"}}),
		Table:   "pets",
		Columns: []backend.IndexColumn{{Name: "name"}},
		Unique:  true,
	}

	if err := e.CreateIndex(ctx, idx); err != nil {
		t.Fatalf("create index: %v", err)
	}

	err := e.CreateIndex(ctx, idx)
	if !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("create index again err = %v, want %v", err, backend.ErrAlreadyExists)
	}

	row := backend.Row{ID: "a", Doc: []byte{0x80}, Columns: map[string]any{"name": "pypy"}}
	if err := e.Insert(ctx, "pets", row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = e.Insert(ctx, "pets", row)
	if !errors.Is(err, backend.ErrDuplicateKey) {
		t.Fatalf("duplicate id err = %v, want %v", err, backend.ErrDuplicateKey)
	}

	err = e.Insert(ctx, "pets", backend.Row{ID: "b", Doc: []byte{0x80}, Columns: map[string]any{"name": "pypy"}})
	if !errors.Is(err, backend.ErrDuplicateKey) {
		t.Fatalf("duplicate name err = %v, want %v", err, backend.ErrDuplicateKey)
	}

	n, err := e.Count(ctx, "pets", nil)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}
}

func Test_Select_Filters_And_Orders_When_Conditions_Given(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "pets", []string{"fur", "age"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, r := range []backend.Row{
		{ID: "1", Doc: []byte{1}, Columns: map[string]any{"fur": "black", "age": int64(3)}},
		{ID: "2", Doc: []byte{2}, Columns: map[string]any{"fur": "white", "age": int64(1)}},
		{ID: "3", Doc: []byte{3}, Columns: map[string]any{"fur": "black", "age": int64(2)}},
		{ID: "4", Doc: []byte{4}, Columns: map[string]any{"fur": nil, "age": 2.5}},
	} {
		if err := e.Insert(ctx, "pets", r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	rows, err := e.Select(ctx, backend.Query{
		Table:   "pets",
		Columns: []string{"age"},
		Where:   []backend.Cond{{Column: "fur", Value: "black"}},
		OrderBy: []backend.Order{{Column: "age"}},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	want := []backend.Row{
		{ID: "3", Doc: []byte{3}, Columns: map[string]any{"age": int64(2)}},
		{ID: "1", Doc: []byte{1}, Columns: map[string]any{"age": int64(3)}},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	rows, err = e.Select(ctx, backend.Query{
		Table:   "pets",
		OrderBy: []backend.Order{{Column: "age", Desc: true}},
		Offset:  1,
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("select page: %v", err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	if diff := cmp.Diff([]string{"4", "3"}, ids); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}
}

func Test_Update_Increments_Column_When_Assignment_Is_Increment(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "counters", []string{"n", "label"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Insert(ctx, "counters", backend.Row{ID: "c", Doc: []byte{0}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for range 3 {
		ok, err := e.Update(ctx, "counters", "c", []byte{9}, []backend.Assignment{
			{Column: "n", Value: int64(2), Increment: true},
			{Column: "label", Value: "x"},
		})
		if err != nil || !ok {
			t.Fatalf("update = %v, %v", ok, err)
		}
	}

	rows, err := e.Select(ctx, backend.Query{Table: "counters", Columns: []string{"n", "label"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	want := []backend.Row{{ID: "c", Doc: []byte{9}, Columns: map[string]any{"n": int64(6), "label": "x"}}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	ok, err := e.Update(ctx, "counters", "missing", []byte{1}, nil)
	if err != nil || ok {
		t.Fatalf("update missing = %v, %v; want false", ok, err)
	}
}

func Test_Backfill_Sets_Column_When_Rows_Exist(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "pets", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, id := range []string{"a", "b", "skip"} {
		if err := e.Insert(ctx, "pets", backend.Row{ID: id, Doc: []byte(id)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := e.AddColumn(ctx, "pets", "copy"); err != nil {
		t.Fatalf("add column: %v", err)
	}

	n, err := e.Backfill(ctx, "pets", "copy", func(id string, doc []byte) (any, error) {
		if id == "skip" {
			return nil, nil
		}

		return strings.ToUpper(string(doc)), nil
	})
	if err != nil || n != 2 {
		t.Fatalf("backfill = %d, %v; want 2", n, err)
	}

	count, err := e.Count(ctx, "pets", []backend.Cond{{Column: "copy", Value: "B"}})
	if err != nil || count != 1 {
		t.Fatalf("count copy=B = %d, %v; want 1", count, err)
	}

	_, err = e.Backfill(ctx, "pets", "copy", func(string, []byte) (any, error) {
		return nil, errors.New("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failing backfill err = %v, want boom", err)
	}
}

func Test_AddBackfilledColumn_Rolls_Back_Column_When_Fill_Fails(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "pets", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, id := range []string{"a", "b"} {
		if err := e.Insert(ctx, "pets", backend.Row{ID: id, Doc: []byte(id)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	_, err := e.AddBackfilledColumn(ctx, "pets", "copy", func(id string, _ []byte) (any, error) {
		if id == "b" {
			return nil, errors.New("boom")
		}

		return id, nil
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failing fill err = %v, want boom", err)
	}

	ok, err := e.HasColumn(ctx, "pets", "copy")
	if err != nil || ok {
		t.Fatalf("column after failed fill = %v, %v; want absent", ok, err)
	}

	n, err := e.AddBackfilledColumn(ctx, "pets", "copy", func(id string, _ []byte) (any, error) {
		return strings.ToUpper(id), nil
	})
	if err != nil || n != 2 {
		t.Fatalf("retry = %d, %v; want 2", n, err)
	}

	n, err = e.AddBackfilledColumn(ctx, "pets", "copy", func(id string, _ []byte) (any, error) {
		return id, nil
	})
	if err != nil || n != 2 {
		t.Fatalf("refill existing column = %d, %v; want 2", n, err)
	}

	count, err := e.Count(ctx, "pets", []backend.Cond{{Column: "copy", Value: "a"}})
	if err != nil || count != 1 {
		t.Fatalf("count copy=a = %d, %v; want 1", count, err)
	}
}

func Test_DeleteByIDs_Returns_Count_When_Rows_Removed(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "pets", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := e.Insert(ctx, "pets", backend.Row{ID: id, Doc: []byte{0}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := e.DeleteByIDs(ctx, "pets", []string{"a", "c", "zzz"})
	if err != nil || n != 2 {
		t.Fatalf("delete = %d, %v; want 2", n, err)
	}

	n, err = e.DeleteByIDs(ctx, "pets", nil)
	if err != nil || n != 0 {
		t.Fatalf("delete none = %d, %v; want 0", n, err)
	}
}

func Test_IndexName_Shortens_With_Hash_When_Too_Long(t *testing.T) {
	t.Parallel()

	e := backend.New(nil, backend.SQLite{})

	short := e.IndexName("pets", []backend.IndexColumn{{Name: "fur"}, {Name: "age", Desc: true}})
	if short != "ix_pets_fur_age_desc" {
		t.Fatalf("short name = %q", short)
	}

	cols := []backend.IndexColumn{{Name: strings.Repeat("a", 40)}, {Name: strings.Repeat("b", 40)}}

	long := e.IndexName("pets", cols)
	if len(long) != 63 {
		t.Fatalf("len(long) = %d, want 63", len(long))
	}

	if long == e.IndexName("pets", cols[:1]) || long != e.IndexName("pets", cols) {
		t.Fatal("long names must be deterministic and distinct")
	}
}

func Test_Indexes_Lists_Created_Indexes_When_Present(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := t.Context()

	if err := e.CreateTable(ctx, "pets", []string{"fur", "age"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	specs := []backend.IndexSpec{
		{Name: "ix_pets_fur", Table: "pets", Columns: []backend.IndexColumn{{Name: "fur"}}},
		{Name: "ix_pets_age_desc_fur", Table: "pets", Columns: []backend.IndexColumn{{Name: "age", Desc: true}, {Name: "fur"}}, Unique: true},
	}

	for _, s := range specs {
		if err := e.CreateIndex(ctx, s); err != nil {
			t.Fatalf("create index %s: %v", s.Name, err)
		}
	}

	got, err := e.Indexes(ctx, "pets")
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}

	if diff := cmp.Diff(specs, got); diff != "" {
		t.Fatalf("indexes mismatch (-want +got):\n%s", diff)
	}

	if err := e.DropIndex(ctx, "ix_pets_fur"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	got, err = e.Indexes(ctx, "pets")
	if err != nil || len(got) != 1 {
		t.Fatalf("indexes after drop = %v, %v; want 1", got, err)
	}
}
