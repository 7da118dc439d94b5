package objfile

import (
	"errors"
	"fmt"
	"io"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/storage"
)

// Reader gives random access to the sections of one version file.
type Reader struct {
	src    storage.RangeReader
	layout Layout
	diff   *models.DiffInfo
}

// Open opens path on store and reads its preamble.
func Open(store storage.BlobStore, path string) (*Reader, error) {
	src, err := store.OpenRange(path)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	return r, nil
}

// NewReader wraps an already open file. The reader owns src afterwards.
func NewReader(src storage.RangeReader) (*Reader, error) {
	r := &Reader{src: src}

	pre, err := r.readAt(0, PreambleSize, "preamble")
	if err != nil {
		return nil, err
	}

	layout, reason := DecodePreamble(pre)
	if reason != "" {
		return nil, r.corrupt(reason)
	}
	if layout.SegsOffset() > src.Size() {
		return nil, r.corrupt(fmt.Sprintf("segments start at %d beyond file size %d", layout.SegsOffset(), src.Size()))
	}
	r.layout = layout

	return r, nil
}

// Close releases the file.
func (r *Reader) Close() error {
	return r.src.Close()
}

// Path of the underlying file.
func (r *Reader) Path() string {
	return r.src.Path()
}

// Layout returns the decoded preamble.
func (r *Reader) Layout() Layout {
	return r.layout
}

// ReadHeader returns the header bytes.
func (r *Reader) ReadHeader() ([]byte, error) {
	return r.readAt(r.layout.HeaderOffset(), int64(r.layout.HeaderLen), "header")
}

// ReadSegs returns segment bytes [start, end).
func (r *Reader) ReadSegs(start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid segment range [%d, %d)", start, end)
	}
	return r.readAt(r.layout.SegsOffset()+start, end-start, "segments")
}

// Diff returns the parsed diff, or nil for a version with full content.
func (r *Reader) Diff() (*models.DiffInfo, error) {
	if !r.layout.HasDiff() {
		return nil, nil
	}
	if r.diff != nil {
		return r.diff, nil
	}

	raw, err := r.readAt(r.layout.DiffOffset(), int64(r.layout.DiffLen), "diff")
	if err != nil {
		return nil, err
	}

	d, err := models.ParseDiffInfo(raw)
	if err != nil {
		return nil, r.corrupt(err.Error())
	}
	r.diff = d
	return d, nil
}

// SegsLength is the length of the segment section in this file. With
// countBase set, a diff version reports the full reconstructed size
// declared by its diff instead.
func (r *Reader) SegsLength(countBase bool) (int64, error) {
	if countBase && r.layout.HasDiff() {
		d, err := r.Diff()
		if err != nil {
			return 0, err
		}
		return d.SegsSize, nil
	}
	return r.src.Size() - r.layout.SegsOffset(), nil
}

// FirstChunk is the result of one combined read from file start.
type FirstChunk struct {
	Diff   []byte
	Header []byte
	Segs   []byte
}

// ReadFirstRaw reads diff, header and up to the first maxLen bytes of the
// file in one call. A maxLen below the segment offset is raised to it, so
// the read always covers diff and header and returns no segment bytes.
func (r *Reader) ReadFirstRaw(maxLen int64) (*FirstChunk, error) {
	segsOfs := r.layout.SegsOffset()

	n := maxLen
	if n < segsOfs {
		n = segsOfs
	}
	if n > r.src.Size() {
		n = r.src.Size()
	}

	raw, err := r.readAt(0, n, "first chunk")
	if err != nil {
		return nil, err
	}

	chunk := &FirstChunk{
		Header: raw[r.layout.HeaderOffset():segsOfs],
		Segs:   raw[segsOfs:],
	}
	if r.layout.HasDiff() {
		chunk.Diff = raw[r.layout.DiffOffset():r.layout.HeaderOffset()]
	}
	return chunk, nil
}

func (r *Reader) readAt(ofs, n int64, what string) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	read, err := r.src.ReadAt(buf, ofs)
	if int64(read) < n {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s of %s: %w", what, r.src.Path(), err)
		}
		return nil, r.corrupt(fmt.Sprintf("short %s read: got %d of %d bytes at %d", what, read, n, ofs))
	}

	return buf, nil
}

func (r *Reader) corrupt(reason string) error {
	return &models.CorruptObjectFileError{Path: r.src.Path(), Reason: reason}
}
