package weights

import (
	"fmt"
	"sort"
	"strings"
)

// Validation limits.
const (
	MaxHeaderSize   = 100 * 1024 * 1024
	MaxEntryCount   = 100_000
	MaxEntryNameLen = 4096
)

// ValidationLevel controls how much of a header is checked on open.
type ValidationLevel int

const (
	// ValidationStrict checks names, counts and data regions.
	ValidationStrict ValidationLevel = iota
	// ValidationNormal skips the data region checks.
	ValidationNormal
	// ValidationNone trusts the file.
	ValidationNone
)

// ValidateEntryOffsets rejects negative, out-of-bounds and overlapping
// data regions, and sizes that disagree with the value count.
func ValidateEntryOffsets(entries []Entry, dataSize int64) error {
	if len(entries) > MaxEntryCount {
		return &ValidationError{
			Type:    "too_many_entries",
			Details: fmt.Sprintf("got %d, max %d", len(entries), MaxEntryCount),
		}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, e := range sorted {
		if e.Offset < 0 || e.Size < 0 || e.Count < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Entry:   e.Name,
				Details: fmt.Sprintf("offset=%d, size=%d, count=%d", e.Offset, e.Size, e.Count),
			}
		}
		if e.Size != int64(e.Count)*4 {
			return &ValidationError{
				Type:    "size_mismatch",
				Entry:   e.Name,
				Details: fmt.Sprintf("size %d does not hold %d float32 values", e.Size, e.Count),
			}
		}
		if e.Offset+e.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Entry:   e.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", e.Offset, e.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if e.Offset+e.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Entry:   e.Name,
					Entry2:  next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						e.Offset, e.Offset+e.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateEntryName rejects empty, oversized and control-character names.
func ValidateEntryName(name string) error {
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty name"}
	}
	if len(name) > MaxEntryNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Entry:   name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxEntryNameLen),
		}
	}
	if strings.ContainsAny(name, "\x00\n\r") {
		return &ValidationError{
			Type:    "invalid_name",
			Entry:   name,
			Details: "contains a control character",
		}
	}
	return nil
}

// ValidateHeader checks a parsed header against the data section size.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}

	if len(h.Entries) > MaxEntryCount {
		return &ValidationError{
			Type:    "too_many_entries",
			Details: fmt.Sprintf("got %d, max %d", len(h.Entries), MaxEntryCount),
		}
	}

	seen := make(map[string]struct{}, len(h.Entries))
	for _, e := range h.Entries {
		if err := ValidateEntryName(e.Name); err != nil {
			return err
		}
		if _, dup := seen[e.Name]; dup {
			return &ValidationError{Type: "duplicate_name", Entry: e.Name, Details: "name appears twice"}
		}
		seen[e.Name] = struct{}{}
	}

	if level == ValidationStrict {
		return ValidateEntryOffsets(h.Entries, dataSize)
	}
	return nil
}
