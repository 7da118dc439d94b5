// Package objfile encodes and reads the on-disk layout of one object
// version: a fixed preamble, an optional JSON diff, the header, then the
// segment bytes.
package objfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PreambleSize is the fixed number of bytes before the diff section.
const PreambleSize = 13

const flagHasDiff byte = 1 << 0

// Layout holds the section lengths recorded in a preamble.
type Layout struct {
	DiffLen   uint32
	HeaderLen uint64
}

// HasDiff reports whether the version is diff-encoded.
func (l Layout) HasDiff() bool {
	return l.DiffLen > 0
}

// DiffOffset is where the diff section starts, if present.
func (l Layout) DiffOffset() int64 {
	return PreambleSize
}

// HeaderOffset is where the header starts.
func (l Layout) HeaderOffset() int64 {
	return PreambleSize + int64(l.DiffLen)
}

// SegsOffset is where segment bytes start.
func (l Layout) SegsOffset() int64 {
	return l.HeaderOffset() + int64(l.HeaderLen)
}

// NewLayout validates section lengths for encoding.
func NewLayout(diffLen, headerLen int) (Layout, error) {
	if diffLen < 0 || diffLen > math.MaxUint32 {
		return Layout{}, fmt.Errorf("diff length %d out of range", diffLen)
	}
	// the header offset must lie strictly before the segment offset, so
	// every version carries at least one header byte
	if headerLen <= 0 {
		return Layout{}, fmt.Errorf("header must not be empty")
	}
	return Layout{DiffLen: uint32(diffLen), HeaderLen: uint64(headerLen)}, nil
}

// EncodePreamble renders the 13-byte preamble.
func (l Layout) EncodePreamble() []byte {
	b := make([]byte, PreambleSize)
	if l.HasDiff() {
		b[0] = flagHasDiff
	}
	binary.BigEndian.PutUint32(b[1:5], l.DiffLen)
	binary.BigEndian.PutUint64(b[5:13], l.HeaderLen)
	return b
}

// DecodePreamble parses a preamble. The returned reason is empty on
// success; callers wrap it into a corruption error with their path.
func DecodePreamble(b []byte) (Layout, string) {
	if len(b) < PreambleSize {
		return Layout{}, fmt.Sprintf("preamble is %d bytes, want %d", len(b), PreambleSize)
	}

	flags := b[0]
	if flags&^flagHasDiff != 0 {
		return Layout{}, fmt.Sprintf("unknown preamble flags %#x", flags)
	}

	l := Layout{
		DiffLen:   binary.BigEndian.Uint32(b[1:5]),
		HeaderLen: binary.BigEndian.Uint64(b[5:13]),
	}

	if (flags&flagHasDiff != 0) != l.HasDiff() {
		return Layout{}, "diff flag disagrees with diff length"
	}
	if l.HeaderLen == 0 {
		return Layout{}, "empty header section"
	}
	if l.HeaderLen > math.MaxInt64-PreambleSize-math.MaxUint32 {
		return Layout{}, fmt.Sprintf("header length %d out of range", l.HeaderLen)
	}

	return l, ""
}

// Encode returns preamble, diff and header ready to be followed by
// segment bytes.
func Encode(diff, header []byte) ([]byte, error) {
	l, err := NewLayout(len(diff), len(header))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, l.SegsOffset())
	out = append(out, l.EncodePreamble()...)
	out = append(out, diff...)
	out = append(out, header...)
	return out, nil
}
