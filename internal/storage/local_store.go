package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/TheMichaelB/objsync/internal/events"
	"github.com/TheMichaelB/objsync/internal/models"
)

// LocalStore implements BlobStore on the local file system.
type LocalStore struct {
	baseDir string
	logger  *events.Logger

	// Security settings
	allowSymlinks bool
	maxPathLength int
	maxRecordSize int64
}

// NewLocalStore creates a local file store.
func NewLocalStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	// Resolve absolute path
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	// Create base directory
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStore{
		baseDir:       absPath,
		logger:        logger.WithField("component", "local_store"),
		allowSymlinks: false,
		maxPathLength: 1024,
		maxRecordSize: 16 * 1024 * 1024,
	}, nil
}

// BaseDir returns the absolute store root.
func (s *LocalStore) BaseDir() string {
	return s.baseDir
}

// SetMaxRecordSize limits WriteFile/ReadFile payloads.
func (s *LocalStore) SetMaxRecordSize(size int64) {
	s.maxRecordSize = size
}

// WriteFile saves data to a file atomically.
func (s *LocalStore) WriteFile(path string, data []byte) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	if int64(len(data)) > s.maxRecordSize {
		return fmt.Errorf("record too large: %d bytes (max: %d)", len(data), s.maxRecordSize)
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// Write atomically using temp file
	tempPath := fmt.Sprintf("%s.tmp.%d", safePath, time.Now().UnixNano())

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	f.Close()

	// Rename atomically
	if err := os.Rename(tempPath, safePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// ReadFile retrieves file contents.
func (s *LocalStore) ReadFile(path string) ([]byte, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	if err := s.checkSymlink(safePath, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(safePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &models.NotFoundError{What: "file", Path: path}
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}

// WriteJSON stores v as a JSON record.
func (s *LocalStore) WriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return s.WriteFile(path, data)
}

// ReadJSON loads a JSON record into v.
func (s *LocalStore) ReadJSON(path string, v interface{}) error {
	data, err := s.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Create opens a truncating sink.
func (s *LocalStore) Create(path string) (Sink, error) {
	return s.openSink(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, false)
}

// OpenAppend opens a sink positioned at end of file.
func (s *LocalStore) OpenAppend(path string) (Sink, error) {
	return s.openSink(path, os.O_CREATE|os.O_WRONLY, true)
}

// OpenWrite opens an existing file for positional writes.
func (s *LocalStore) OpenWrite(path string) (Sink, error) {
	return s.openSink(path, os.O_WRONLY, false)
}

func (s *LocalStore) openSink(path string, flag int, seekEnd bool) (Sink, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
			return nil, fmt.Errorf("create parent directory: %w", err)
		}
	}

	f, err := os.OpenFile(safePath, flag, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &models.NotFoundError{What: "file", Path: path}
		}
		return nil, fmt.Errorf("open sink: %w", err)
	}

	if seekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek end: %w", err)
		}
	}

	s.logger.WithField("path", path).Debug("Opened sink")

	return &fileSink{File: f}, nil
}

// OpenRange opens a file for byte-range reads.
func (s *LocalStore) OpenRange(path string) (RangeReader, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	if err := s.checkSymlink(safePath, path); err != nil {
		return nil, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &models.NotFoundError{What: "file", Path: path}
		}
		return nil, fmt.Errorf("open file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &fileRange{File: f, size: st.Size(), path: path}, nil
}

// Truncate resizes a file.
func (s *LocalStore) Truncate(path string, size int64) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	if err := os.Truncate(safePath, size); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &models.NotFoundError{What: "file", Path: path}
		}
		return fmt.Errorf("truncate file: %w", err)
	}
	return nil
}

// Delete removes a file.
func (s *LocalStore) Delete(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	s.logger.WithField("path", path).Debug("Deleting file")

	if err := os.Remove(safePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // Already deleted
		}
		return fmt.Errorf("delete file: %w", err)
	}

	return nil
}

// RemoveAll removes a directory tree.
func (s *LocalStore) RemoveAll(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}
	if safePath == s.baseDir {
		return fmt.Errorf("refusing to remove store root")
	}

	s.logger.WithField("path", path).Debug("Removing tree")

	if err := os.RemoveAll(safePath); err != nil {
		return fmt.Errorf("remove tree: %w", err)
	}
	return nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(path string) (bool, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return false, fmt.Errorf("sanitize path: %w", err)
	}

	_, err = os.Stat(safePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Stat returns file information.
func (s *LocalStore) Stat(path string) (FileInfo, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("sanitize path: %w", err)
	}

	stat, err := os.Lstat(safePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, &models.NotFoundError{What: "file", Path: path}
		}
		return FileInfo{}, fmt.Errorf("stat file: %w", err)
	}

	return FileInfo{
		Path:    path,
		Name:    stat.Name(),
		Size:    stat.Size(),
		Mode:    stat.Mode(),
		ModTime: stat.ModTime(),
		IsDir:   stat.IsDir(),
	}, nil
}

// EnsureDir creates a directory if it doesn't exist.
func (s *LocalStore) EnsureDir(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	return os.MkdirAll(safePath, 0755)
}

// ListDir returns directory contents.
func (s *LocalStore) ListDir(path string) ([]FileInfo, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	entries, err := os.ReadDir(safePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &models.NotFoundError{What: "directory", Path: path}
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, FileInfo{
			Path:    filepath.ToSlash(filepath.Join(path, entry.Name())),
			Name:    entry.Name(),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}

	return files, nil
}

// Move renames a file or directory.
func (s *LocalStore) Move(oldPath, newPath string) error {
	oldSafe, err := s.sanitizePath(oldPath)
	if err != nil {
		return fmt.Errorf("sanitize old path: %w", err)
	}

	newSafe, err := s.sanitizePath(newPath)
	if err != nil {
		return fmt.Errorf("sanitize new path: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"old": oldPath,
		"new": newPath,
	}).Debug("Moving file")

	// Ensure parent directory for destination
	if err := os.MkdirAll(filepath.Dir(newSafe), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	if err := os.Rename(oldSafe, newSafe); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &models.NotFoundError{What: "file", Path: oldPath}
		}
		return fmt.Errorf("move file: %w", err)
	}
	return nil
}

// SetModTime updates file modification time.
func (s *LocalStore) SetModTime(path string, modTime time.Time) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	return os.Chtimes(safePath, time.Now(), modTime)
}

// Helper methods

func (s *LocalStore) checkSymlink(safePath, path string) error {
	if s.allowSymlinks {
		return nil
	}
	stat, err := os.Lstat(safePath)
	if err == nil && stat.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symlinks not allowed: %s", path)
	}
	return nil
}

// sanitizePath validates and normalizes a file path.
func (s *LocalStore) sanitizePath(path string) (string, error) {
	// Check for null bytes
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null bytes")
	}

	cleaned := filepath.Clean(filepath.FromSlash(path))

	// Check for directory traversal
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid path: contains '..'")
		}
	}

	// Remove leading separators
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))

	fullPath := filepath.Join(s.baseDir, cleaned)

	// Verify it's under base directory
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) && fullPath != s.baseDir {
		return "", fmt.Errorf("path escapes base directory")
	}

	if len(fullPath) > s.maxPathLength {
		return "", fmt.Errorf("path too long: %d characters (max: %d)", len(fullPath), s.maxPathLength)
	}

	if err := validatePlatformPath(cleaned); err != nil {
		return "", err
	}

	return fullPath, nil
}

// validatePlatformPath checks platform-specific path restrictions.
func validatePlatformPath(path string) error {
	if runtime.GOOS != "windows" {
		return nil
	}

	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3",
		"LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}

	for _, part := range strings.Split(path, string(filepath.Separator)) {
		upperName := strings.ToUpper(strings.TrimSuffix(part, filepath.Ext(part)))
		for _, r := range reserved {
			if upperName == r {
				return fmt.Errorf("invalid path: contains reserved name '%s'", part)
			}
		}

		for _, char := range `<>:"|?*` {
			if strings.ContainsRune(part, char) {
				return fmt.Errorf("invalid path: contains character '%c'", char)
			}
		}
	}

	return nil
}

type fileSink struct {
	*os.File
}

func (f *fileSink) Size() (int64, error) {
	st, err := f.File.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

type fileRange struct {
	*os.File
	size int64
	path string
}

func (f *fileRange) Size() int64 {
	return f.size
}

func (f *fileRange) Path() string {
	return f.path
}
