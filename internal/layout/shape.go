package layout

import "fmt"

// ShapeSpec describes a tensor and the byte layout it is stored in.
//
// A ShapeSpec is a value: once attached to a buffer it is never changed. A
// buffer holds a single image; Batch is carried for port compatibility checks.
type ShapeSpec struct {
	Channels int
	Height   int
	Width    int
	Batch    int
	Padding  int // Border pixels around each tile (tiled order only)
	Type     DataType
	Order    Order
}

// Validate checks that all dimensions are usable.
func (s ShapeSpec) Validate() error {
	if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("layout: invalid shape %dx%dx%d (all dimensions must be > 0)", s.Channels, s.Height, s.Width)
	}
	if s.Padding < 0 {
		return fmt.Errorf("layout: negative padding %d", s.Padding)
	}
	if s.Batch < 0 {
		return fmt.Errorf("layout: negative batch %d", s.Batch)
	}
	if !s.Type.valid() {
		return fmt.Errorf("layout: unknown data type %d", s.Type)
	}
	if s.Order < Channelwise || s.Order > Tiled {
		return fmt.Errorf("layout: unknown order %d", s.Order)
	}
	return nil
}

// Grid returns the tile grid of the spec.
func (s ShapeSpec) Grid() TileGrid {
	return NewTileGrid(s.Channels, s.Height, s.Width, s.Padding)
}

// Values returns the number of logical values (C*H*W).
func (s ShapeSpec) Values() int {
	return s.Channels * s.Height * s.Width
}

// Elements returns the number of stored elements in the spec's order.
// Tiled buffers include borders and unused lanes.
func (s ShapeSpec) Elements() int {
	if s.Order == Tiled {
		return s.Grid().Elements()
	}
	return s.Values()
}

// Bytes returns the byte size of one image in the spec's order:
//
//	interleaved, channelwise: H * W * C * elemSize
//	tiled:                    SurfaceWidth * SurfaceHeight * 4 * elemSize
func (s ShapeSpec) Bytes() int {
	return s.Elements() * s.Type.Size()
}

// WithOrder returns a copy of s using a different order.
func (s ShapeSpec) WithOrder(o Order) ShapeSpec {
	s.Order = o
	return s
}

// WithType returns a copy of s using a different element type.
func (s ShapeSpec) WithType(dt DataType) ShapeSpec {
	s.Type = dt
	return s
}

// SameGeometry reports whether channels, height, width and padding match.
// Batch, type and order are ignored.
func (s ShapeSpec) SameGeometry(o ShapeSpec) bool {
	return s.Channels == o.Channels && s.Height == o.Height && s.Width == o.Width && s.Padding == o.Padding
}

// Equal reports exact shape equality: geometry and batch.
// Type and order are storage attributes and are not compared.
func (s ShapeSpec) Equal(o ShapeSpec) bool {
	return s.SameGeometry(o) && s.batch() == o.batch()
}

func (s ShapeSpec) batch() int {
	if s.Batch == 0 {
		return 1
	}
	return s.Batch
}

// String returns a compact description, e.g. "64x56x56 (batch 1, pad 1, float32, tiled)".
func (s ShapeSpec) String() string {
	return fmt.Sprintf("%dx%dx%d (batch %d, pad %d, %s, %s)",
		s.Channels, s.Height, s.Width, s.batch(), s.Padding, s.Type, s.Order)
}
