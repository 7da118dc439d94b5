package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// UploadInfo is the progress record of an outbound version transfer.
type UploadInfo struct {
	TransactionID  string `json:"transactionId,omitempty"`
	HeaderUploaded bool   `json:"headerUploaded"`
	SegsUploaded   int64  `json:"segsUploaded"`
	SegsTotal      int64  `json:"segsTotal"`
	Done           bool   `json:"done"`
}

// DownloadInfo is the progress record of an inbound version transfer.
type DownloadInfo struct {
	TotalSize     int64  `json:"totalSize"`
	CoveredRanges Ranges `json:"coveredRanges"`
	Done          bool   `json:"done"`
}

// Cover merges [start, end) and flips Done once [0, TotalSize) is covered.
func (d *DownloadInfo) Cover(start, end int64) {
	d.CoveredRanges = d.CoveredRanges.Add(Range{Start: start, End: end})
	if d.CoveredRanges.Covers(0, d.TotalSize) {
		d.Done = true
	}
}

// Range is a half-open byte interval.
type Range struct {
	Start int64
	End   int64
}

// Len of the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Ranges is a sorted list of disjoint, non-adjacent byte ranges. It encodes
// as [[start,end],...].
type Ranges []Range

// MarshalJSON encodes ranges as pairs.
func (rs Ranges) MarshalJSON() ([]byte, error) {
	pairs := make([][2]int64, len(rs))
	for i, r := range rs {
		pairs[i] = [2]int64{r.Start, r.End}
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes pairs and normalizes them.
func (rs *Ranges) UnmarshalJSON(data []byte) error {
	var pairs [][2]int64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("covered ranges: %w", err)
	}
	var out Ranges
	for _, p := range pairs {
		out = out.Add(Range{Start: p[0], End: p[1]})
	}
	*rs = out
	return nil
}

// Add returns the ranges with r merged in. Overlapping and adjacent ranges
// are coalesced; empty ranges are ignored.
func (rs Ranges) Add(r Range) Ranges {
	if r.End <= r.Start {
		return rs
	}

	out := make(Ranges, 0, len(rs)+1)
	i := 0
	for ; i < len(rs) && rs[i].End < r.Start; i++ {
		out = append(out, rs[i])
	}
	for ; i < len(rs) && rs[i].Start <= r.End; i++ {
		if rs[i].Start < r.Start {
			r.Start = rs[i].Start
		}
		if rs[i].End > r.End {
			r.End = rs[i].End
		}
	}
	out = append(out, r)
	out = append(out, rs[i:]...)
	return out
}

// Covers reports whether [start, end) lies inside a single covered range.
func (rs Ranges) Covers(start, end int64) bool {
	if end <= start {
		return true
	}
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End >= end })
	return i < len(rs) && rs[i].Start <= start
}

// Total bytes covered.
func (rs Ranges) Total() int64 {
	var n int64
	for _, r := range rs {
		n += r.Len()
	}
	return n
}

// Missing returns the gaps of [0, total) not yet covered.
func (rs Ranges) Missing(total int64) Ranges {
	var gaps Ranges
	var pos int64
	for _, r := range rs {
		if r.Start >= total {
			break
		}
		if r.Start > pos {
			gaps = append(gaps, Range{Start: pos, End: r.Start})
		}
		if r.End > pos {
			pos = r.End
		}
	}
	if pos < total {
		gaps = append(gaps, Range{Start: pos, End: total})
	}
	return gaps
}
