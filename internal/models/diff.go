package models

import (
	"encoding/json"
	"fmt"
)

// DiffSection points either into the base version's segments (IsNew=false)
// or into this version's own segment section (IsNew=true).
type DiffSection struct {
	IsNew  bool
	Offset int64
	Length int64
}

// MarshalJSON encodes the section as a compact [isNew, ofs, len] triple.
func (s DiffSection) MarshalJSON() ([]byte, error) {
	isNew := 0
	if s.IsNew {
		isNew = 1
	}
	return json.Marshal([3]int64{int64(isNew), s.Offset, s.Length})
}

// UnmarshalJSON decodes a [isNew, ofs, len] triple.
func (s *DiffSection) UnmarshalJSON(data []byte) error {
	var triple [3]int64
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("diff section: %w", err)
	}
	if triple[0] != 0 && triple[0] != 1 {
		return fmt.Errorf("diff section: bad isNew flag %d", triple[0])
	}
	s.IsNew = triple[0] == 1
	s.Offset = triple[1]
	s.Length = triple[2]
	return nil
}

// DiffInfo describes a version stored as a delta against BaseVersion.
type DiffInfo struct {
	ObjVersion  Version       `json:"objVersion"`
	BaseVersion Version       `json:"baseVersion"`
	SegsSize    int64         `json:"segsSize"`
	Sections    []DiffSection `json:"sections"`
}

// ParseDiffInfo decodes and validates a diff section.
func ParseDiffInfo(data []byte) (*DiffInfo, error) {
	var d DiffInfo
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse diff info: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks that the sections describe exactly SegsSize bytes and
// that the base precedes the version.
func (d *DiffInfo) Validate() error {
	if d.BaseVersion == 0 {
		return fmt.Errorf("diff info: base version is missing")
	}
	if d.ObjVersion != 0 && d.BaseVersion >= d.ObjVersion {
		return fmt.Errorf("diff info: base version %d is not older than %d", d.BaseVersion, d.ObjVersion)
	}
	if d.SegsSize < 0 {
		return fmt.Errorf("diff info: negative segs size %d", d.SegsSize)
	}

	var total int64
	for i, s := range d.Sections {
		if s.Offset < 0 || s.Length < 0 {
			return fmt.Errorf("diff info: section %d has negative bounds", i)
		}
		total += s.Length
	}
	if len(d.Sections) > 0 && total != d.SegsSize {
		return fmt.Errorf("diff info: sections cover %d bytes, segs size is %d", total, d.SegsSize)
	}

	return nil
}

// NewBytesLength sums the lengths of sections stored in this version.
func (d *DiffInfo) NewBytesLength() int64 {
	var n int64
	for _, s := range d.Sections {
		if s.IsNew {
			n += s.Length
		}
	}
	return n
}
