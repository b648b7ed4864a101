package weights

import "time"

// File format constants.
const (
	Magic           = "TNWT"
	FormatVersion   = uint32(1)
	FixedHeaderSize = 64
	ChecksumOffset  = 0x20
	ChecksumSize    = 32
	Alignment       = 64
)

// Header flags.
const (
	// FlagHasMetadata is set when Header.Metadata is non-empty.
	FlagHasMetadata = uint32(1 << 0)
)

// Header is the JSON header of a weights file.
type Header struct {
	FormatVersion string            `json:"format_version"`
	Network       string            `json:"network"`
	CreatedAt     time.Time         `json:"created_at"`
	Entries       []Entry           `json:"entries"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Entry describes one layer's parameter blob.
type Entry struct {
	Name   string `json:"name"`
	Number int    `json:"number"`
	Kind   string `json:"kind"`
	Count  int    `json:"count"`  // float32 values
	Offset int64  `json:"offset"` // from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

func align(n int64) int64 {
	return (n + Alignment - 1) / Alignment * Alignment
}
