package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_Real_Exists_Returns_False_When_File_Missing(t *testing.T) {
	t.Parallel()

	fsys := NewReal()

	exists, err := fsys.Exists(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Fatal("exists=true, want false")
	}
}

func Test_Real_WriteFileAtomic_Replaces_Content_When_File_Exists(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	path := filepath.Join(t.TempDir(), "pets.json")

	if err := fsys.WriteFileAtomic(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}

	if err := fsys.WriteFileAtomic(path, []byte("new"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "new" {
		t.Fatalf("content=%q, want %q", got, "new")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm=%o, want 600", perm)
	}

	entries, err := fsys.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("entries=%d, want 1 (no temp files left behind)", len(entries))
	}
}
