package metadata_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/apostrophecms/sql/internal/metadata"
)

func open(t *testing.T, dir string, mode metadata.Mode) *metadata.Store {
	t.Helper()

	s, err := metadata.Open(metadata.Config{Dir: dir, Mode: mode})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	return s
}

func Test_ResolveColumn_Mints_Mangled_Name_When_Development(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := open(t, dir, metadata.Development)

	col, err := s.ResolveColumn(t.Context(), "pets", "owner.name", metadata.PurposeIndex)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if col != "owner__name" {
		t.Fatalf("column = %q, want owner__name", col)
	}

	again, err := s.ResolveColumn(t.Context(), "pets", "owner.name", metadata.PurposeOperator)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}

	if again != col {
		t.Fatalf("second resolve = %q, want %q", again, col)
	}

	e, ok := s.Lookup("pets", "owner.name")
	if !ok {
		t.Fatal("entry missing after resolve")
	}

	want := []metadata.Purpose{metadata.PurposeIndex, metadata.PurposeOperator}
	if diff := cmp.Diff(want, e.Purposes); diff != "" {
		t.Fatalf("purposes mismatch (-want +got):\n%s", diff)
	}

	if s.Version("pets") != 2 {
		t.Fatalf("version = %d, want 2", s.Version("pets"))
	}

	reopened := open(t, dir, metadata.Locked)
	if diff := cmp.Diff(s.Columns("pets"), reopened.Columns("pets")); diff != "" {
		t.Fatalf("reloaded columns mismatch (-want +got):\n%s", diff)
	}
}

func Test_ResolveColumn_Mints_Alias_When_Mangled_Name_Unusable(t *testing.T) {
	t.Parallel()

	s, err := metadata.Open(metadata.Config{Dir: t.TempDir(), MaxIdentifierLength: 12})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{path: "a.b", want: "a__b"},
		{path: "a__b", want: "c1"},
		{path: "very.long.property.path", want: "c2"},
		{path: "has-dash", want: "c3"},
		{path: "_doc", want: "c4"},
		{path: "c5", want: "c5"},
		{path: "9lives", want: "c6"},
	}

	for _, tt := range tests {
		got, err := s.ResolveColumn(t.Context(), "pets", tt.path, metadata.PurposeIndex)
		if err != nil {
			t.Fatalf("resolve %q: %v", tt.path, err)
		}

		if got != tt.want {
			t.Fatalf("resolve %q = %q, want %q", tt.path, got, tt.want)
		}
	}

	if got, _ := s.ResolveColumn(t.Context(), "pets", "_id", metadata.PurposeIndex); got != "_id" {
		t.Fatalf("resolve _id = %q, want _id", got)
	}
}

func Test_ResolveColumn_Returns_ErrSchemaViolation_When_Locked_And_Unknown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dev := open(t, dir, metadata.Development)

	if _, err := dev.ResolveColumn(t.Context(), "pets", "fur", metadata.PurposeIndex); err != nil {
		t.Fatalf("dev resolve: %v", err)
	}

	before, err := os.ReadFile(filepath.Join(dir, "pets.json"))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}

	locked := open(t, dir, metadata.Locked)

	_, err = locked.ResolveColumn(t.Context(), "pets", "age", metadata.PurposeOperator)
	if !errors.Is(err, metadata.ErrSchemaViolation) {
		t.Fatalf("err = %v, want %v", err, metadata.ErrSchemaViolation)
	}

	col, err := locked.ResolveColumn(t.Context(), "pets", "fur", metadata.PurposeOperator)
	if err != nil || col != "fur" {
		t.Fatalf("resolve known = %q, %v; want fur", col, err)
	}

	if e, _ := locked.Lookup("pets", "fur"); !e.Has(metadata.PurposeOperator) {
		t.Fatal("purpose not recorded in memory")
	}

	after, err := os.ReadFile(filepath.Join(dir, "pets.json"))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}

	if string(before) != string(after) {
		t.Fatal("locked store modified the descriptor file")
	}
}

func Test_ResolveColumn_Converges_When_Called_Concurrently(t *testing.T) {
	t.Parallel()

	s := open(t, t.TempDir(), metadata.Development)

	const n = 16

	cols := make([]string, n)

	var wg sync.WaitGroup

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			col, err := s.ResolveColumn(t.Context(), "pets", "age", metadata.PurposeOperator)
			if err != nil {
				t.Errorf("resolve: %v", err)
			}

			cols[i] = col
		}()
	}

	wg.Wait()

	for i, c := range cols {
		if c != "age" {
			t.Fatalf("cols[%d] = %q, want age", i, c)
		}
	}

	if v := s.Version("pets"); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
}

func Test_ResolveColumn_Sees_Other_Process_Columns_When_Minting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := open(t, dir, metadata.Development)
	b := open(t, dir, metadata.Development)

	if _, err := a.ResolveColumn(t.Context(), "pets", "x.y", metadata.PurposeIndex); err != nil {
		t.Fatalf("a resolve: %v", err)
	}

	// b has never seen x.y, and x__y is taken, so the literal path must alias.
	col, err := b.ResolveColumn(t.Context(), "pets", "x__y", metadata.PurposeIndex)
	if err != nil {
		t.Fatalf("b resolve: %v", err)
	}

	if col != "c1" {
		t.Fatalf("b column = %q, want c1", col)
	}

	if e, ok := b.Lookup("pets", "x.y"); !ok || e.Column != "x__y" {
		t.Fatalf("b lookup x.y = %+v, %v", e, ok)
	}
}

func Test_Open_Loads_JSONC_Descriptor_When_Commented(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := `{
  // hand-maintained
  "collection": "pets",
  "version": 3,
  "next_alias": 1,
  "columns": {
    "fur": {"column": "fur", "purposes": ["index"]},
    "owner.very.long": {"column": "c1", "purposes": ["operator"],},
  },
}`

	if err := os.WriteFile(filepath.Join(dir, "pets.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := open(t, dir, metadata.Locked)

	want := []metadata.Entry{
		{Path: "fur", Column: "fur", Purposes: []metadata.Purpose{metadata.PurposeIndex}},
		{Path: "owner.very.long", Column: "c1", Purposes: []metadata.Purpose{metadata.PurposeOperator}},
	}
	if diff := cmp.Diff(want, s.Columns("pets")); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"pets"}, s.Collections()); diff != "" {
		t.Fatalf("collections mismatch (-want +got):\n%s", diff)
	}
}

func Test_Open_Returns_ErrInvalidDescriptor_When_Columns_Collide(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc := map[string]any{
		"collection": "pets",
		"columns": map[string]any{
			"a": map[string]any{"column": "same"},
			"b": map[string]any{"column": "SAME"},
		},
	}

	data, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "pets.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = metadata.Open(metadata.Config{Dir: dir})
	if !errors.Is(err, metadata.ErrInvalidDescriptor) {
		t.Fatalf("err = %v, want %v", err, metadata.ErrInvalidDescriptor)
	}

	if !strings.Contains(err.Error(), "pets.json") {
		t.Fatalf("err = %q, want file name in message", err)
	}
}

func Test_ParseMode_Accepts_Aliases(t *testing.T) {
	t.Parallel()

	tests := map[string]metadata.Mode{
		"":            metadata.Development,
		"development": metadata.Development,
		"DEV":         metadata.Development,
		"locked":      metadata.Locked,
		"production":  metadata.Locked,
	}

	for in, want := range tests {
		got, err := metadata.ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	if _, err := metadata.ParseMode("staging"); err == nil {
		t.Fatal("ParseMode(staging) succeeded, want error")
	}
}
