// Package fs is the small filesystem surface used by the column metadata
// store: whole-file reads, atomic writes, directory listing and advisory
// cross-process locks.
//
// The [FS] interface exists so tests can swap in a failing implementation.
// Production code uses [Real].
package fs

import (
	"io"
	"os"
)

// File is an open file descriptor. It is satisfied by [os.File].
type File interface {
	io.ReadWriteCloser

	// Fd returns the file descriptor, used with flock(2).
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)
}

// FS defines the filesystem operations the metadata store needs.
type FS interface {
	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data via temp file + rename, so readers observe
	// either the old or the new content, never a torn write.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// ReadDir reads a directory and returns its entries sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error
}

var _ File = (*os.File)(nil)
