package layout

// DataType represents the element type of a host buffer or device surface.
type DataType int

// Supported element types.
const (
	Float32 DataType = iota
	Float16
	Uint8
	Int32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// valid reports whether dt is one of the supported types.
func (dt DataType) valid() bool {
	return dt >= Float32 && dt <= Int32
}

// Order is the memory order of a buffer.
type Order int

// Supported memory orders.
const (
	// Channelwise is the logical planar order: all of channel 0, then channel 1, ...
	// Host side only; it is what Encode consumes and Decode produces.
	Channelwise Order = iota
	// Interleaved is the shallow order: row-major pixels, channel fastest, no padding.
	Interleaved
	// Tiled is the deep order: channel groups of 4 tiled on a 2D surface with borders.
	Tiled
)

// String returns a human-readable name for the order.
func (o Order) String() string {
	switch o {
	case Channelwise:
		return "channelwise"
	case Interleaved:
		return "interleaved"
	case Tiled:
		return "tiled"
	default:
		return "unknown"
	}
}
