// Package device defines the contract between the runtime and a compute device.
//
// A Session is an explicit handle created and closed by the caller. The
// runtime threads it through the compiler, buffer manager and pipeline; there
// is no process-wide device state. Surfaces are always addressed in float32
// surface elements (see layout.TileGrid); a session may store them at a lower
// precision.
package device

import (
	"github.com/born-ml/tilenet/internal/layout"
)

// Surface is a device-resident tiled tensor owned by a session.
type Surface interface {
	// ID is unique among the surfaces of one session.
	ID() uint64
	// Grid is the tile grid the surface was allocated for.
	Grid() layout.TileGrid
}

// Session is a single local compute device.
//
// Allocate, Free, Write and Read are called from the runtime's submission
// goroutine only; implementations do not need to serialize them beyond
// what Close requires.
type Session interface {
	// Name returns a human-readable description of the device.
	Name() string
	// Threads is the size of the helper pool the runtime may use for
	// transfer preparation and reference kernels (at most 4).
	Threads() int
	// Threading reports whether background submission is supported. Async
	// layers are rejected on sessions without it.
	Threading() bool
	// Precision is the element type surfaces are stored in.
	Precision() layout.DataType

	Allocate(grid layout.TileGrid) (Surface, error)
	Free(s Surface) error
	// Write replaces the whole surface. data holds grid.Elements() values.
	Write(s Surface, data []float32) error
	// Read copies the whole surface into dst (grid.Elements() values).
	Read(s Surface, dst []float32) error

	Close() error
}

// ElementwiseOp selects a shader fast path.
type ElementwiseOp int

// Elementwise operations with shader implementations.
const (
	OpCopy ElementwiseOp = iota
	OpClamp
	OpRoundClamp
)

// ElementwiseParams carries the clamp range of OpClamp and OpRoundClamp.
type ElementwiseParams struct {
	Min, Max float32
}

// ShaderRunner is implemented by sessions that can run elementwise surface
// operations without a host round trip. Layers fall back to the reference
// kernels when the session does not implement it.
type ShaderRunner interface {
	RunElementwise(op ElementwiseOp, src, dst Surface, params ElementwiseParams) error
}

// Stats is a snapshot of a session's surface bookkeeping.
type Stats struct {
	Allocations    uint64 // Surfaces created since the session opened
	Frees          uint64
	ActiveSurfaces int64
	ActiveBytes    uint64
	PeakBytes      uint64
}

// StatsReporter is implemented by sessions that track surface usage.
type StatsReporter interface {
	Stats() Stats
}
