package pipeline

import "github.com/born-ml/tilenet/internal/layout"

// Direction of a host/device transfer.
type Direction int

// Transfer directions.
const (
	Upload Direction = iota
	Download
)

// String returns "upload" or "download".
func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// State is the per-direction transfer state.
type State int

// Transfer states.
const (
	Idle State = iota
	// Commenced: the runtime owns the buffer (upload) or a new target buffer is
	// receiving data (download).
	Commenced
	// Done: the slot is free again (upload) or the named buffer is ready (download).
	Done
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Commenced:
		return "commenced"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Notification reports a transfer state change for one pass.
type Notification struct {
	Layer     string
	Seq       uint64
	Direction Direction
	State     State
	// Buffer is the download buffer involved; nil for uploads.
	Buffer *layout.HostBuffer
}

// Hook receives notifications on the submission goroutine. It must not block.
type Hook func(Notification)
