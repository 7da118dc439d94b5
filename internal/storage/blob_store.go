package storage

import (
	"io"
	"os"
	"time"
)

// BlobStore is the byte-range filesystem the object store runs on. Paths
// are relative to the store root and use forward slashes.
type BlobStore interface {
	// WriteFile replaces a small file atomically.
	WriteFile(path string, data []byte) error

	// ReadFile returns a small file's contents.
	ReadFile(path string) ([]byte, error)

	// WriteJSON and ReadJSON persist small records.
	WriteJSON(path string, v interface{}) error
	ReadJSON(path string, v interface{}) error

	// Create opens a sink at offset 0, truncating any existing file.
	Create(path string) (Sink, error)

	// OpenAppend opens a sink positioned at the current end of file.
	OpenAppend(path string) (Sink, error)

	// OpenWrite opens an existing file for random-access writes.
	OpenWrite(path string) (Sink, error)

	// OpenRange opens a file for random-access reads.
	OpenRange(path string) (RangeReader, error)

	// Truncate resizes a file, growing it with zero bytes if needed.
	Truncate(path string, size int64) error

	// Delete removes a file. Missing files are not an error.
	Delete(path string) error

	// RemoveAll removes a directory tree.
	RemoveAll(path string) error

	// Exists checks if a file exists.
	Exists(path string) (bool, error)

	// Stat returns file information.
	Stat(path string) (FileInfo, error)

	// EnsureDir creates a directory if it doesn't exist.
	EnsureDir(path string) error

	// ListDir returns directory contents.
	ListDir(path string) ([]FileInfo, error)

	// Move renames a file or directory.
	Move(oldPath, newPath string) error

	// SetModTime updates file modification time.
	SetModTime(path string, modTime time.Time) error
}

// Sink is an open writable file.
type Sink interface {
	io.Writer
	io.WriterAt
	io.Closer

	// Size reports the current file length.
	Size() (int64, error)

	// Sync flushes to disk.
	Sync() error
}

// RangeReader is an open file read by byte ranges.
type RangeReader interface {
	io.ReaderAt
	io.Closer

	// Size at open time.
	Size() int64

	// Path relative to the store root, used in corruption reports.
	Path() string
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path    string
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}
