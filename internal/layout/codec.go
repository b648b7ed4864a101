package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/born-ml/tilenet/internal/parallel"
)

// Encode converts a channelwise buffer into the order of spec.
//
// src must hold C*H*W elements of spec.Type in channelwise order. Elements are
// moved as whole units; their bytes are never reinterpreted. Tiled output has
// zero borders and zero unused lanes.
func Encode(spec ShapeSpec, src []byte) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	es := spec.Type.Size()
	if want := spec.Values() * es; len(src) != want {
		return nil, fmt.Errorf("layout: encode %s: got %d bytes, want %d", spec, len(src), want)
	}

	dst := make([]byte, spec.Bytes())
	if spec.Order == Channelwise {
		copy(dst, src)
		return dst, nil
	}

	index := targetIndex(spec)
	forEachValue(spec, func(c, y, x, planar int) {
		t := index(c, y, x)
		copy(dst[t*es:(t+1)*es], src[planar*es:(planar+1)*es])
	})
	return dst, nil
}

// Decode converts a buffer in the order of spec back to channelwise order.
// It is the exact inverse of Encode on the logical region.
func Decode(spec ShapeSpec, src []byte) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if want := spec.Bytes(); len(src) != want {
		return nil, fmt.Errorf("layout: decode %s: got %d bytes, want %d", spec, len(src), want)
	}

	es := spec.Type.Size()
	dst := make([]byte, spec.Values()*es)
	if spec.Order == Channelwise {
		copy(dst, src)
		return dst, nil
	}

	index := targetIndex(spec)
	forEachValue(spec, func(c, y, x, planar int) {
		s := index(c, y, x)
		copy(dst[planar*es:(planar+1)*es], src[s*es:(s+1)*es])
	})
	return dst, nil
}

// targetIndex returns the element index function of a non-channelwise order.
func targetIndex(spec ShapeSpec) func(c, y, x int) int {
	if spec.Order == Interleaved {
		w, ch := spec.Width, spec.Channels
		return func(c, y, x int) int {
			return (y*w+x)*ch + c
		}
	}
	return spec.Grid().Index
}

func forEachValue(spec ShapeSpec, f func(c, y, x, planar int)) {
	planar := 0
	for c := 0; c < spec.Channels; c++ {
		for y := 0; y < spec.Height; y++ {
			for x := 0; x < spec.Width; x++ {
				f(c, y, x, planar)
				planar++
			}
		}
	}
}

// EncodeFloat32 scatters a channelwise float32 tensor onto a surface.
// dst must hold g.Elements() values; borders and unused lanes are zeroed.
func EncodeFloat32(g TileGrid, src, dst []float32, cfg parallel.Config) error {
	if len(src) != g.Channels*g.Height*g.Width {
		return fmt.Errorf("layout: encode surface: got %d values, want %d", len(src), g.Channels*g.Height*g.Width)
	}
	if len(dst) != g.Elements() {
		return fmt.Errorf("layout: encode surface: got %d surface elements, want %d", len(dst), g.Elements())
	}
	clear(dst)
	parallel.For2D(g.Channels, g.Height, func(c, y int) {
		row := src[(c*g.Height+y)*g.Width:]
		base := g.Index(c, y, 0)
		for x := 0; x < g.Width; x++ {
			dst[base+x*PixelPacking] = row[x]
		}
	}, cfg)
	return nil
}

// DecodeFloat32 gathers the logical region of a surface into a channelwise tensor.
func DecodeFloat32(g TileGrid, src, dst []float32, cfg parallel.Config) error {
	if len(src) != g.Elements() {
		return fmt.Errorf("layout: decode surface: got %d surface elements, want %d", len(src), g.Elements())
	}
	if len(dst) != g.Channels*g.Height*g.Width {
		return fmt.Errorf("layout: decode surface: got %d values, want %d", len(dst), g.Channels*g.Height*g.Width)
	}
	parallel.For2D(g.Channels, g.Height, func(c, y int) {
		row := dst[(c*g.Height+y)*g.Width:]
		base := g.Index(c, y, 0)
		for x := 0; x < g.Width; x++ {
			row[x] = src[base+x*PixelPacking]
		}
	}, cfg)
	return nil
}

// ToFloat32 widens raw little-endian elements of type dt to float32.
func ToFloat32(dt DataType, src []byte) []float32 {
	n := len(src) / dt.Size()
	out := make([]float32, n)
	switch dt {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case Float16:
		for i := range out {
			out[i] = Half(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case Uint8:
		for i := range out {
			out[i] = float32(src[i])
		}
	case Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(src[i*4:])))
		}
	}
	return out
}

// FromFloat32 narrows float32 values into raw little-endian elements of type dt.
// Integer types round to nearest and saturate.
func FromFloat32(dt DataType, src []float32) []byte {
	out := make([]byte, len(src)*dt.Size())
	switch dt {
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Float16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(HalfFromFloat32(v)))
		}
	case Uint8:
		for i, v := range src {
			out[i] = uint8(saturate(v, 0, math.MaxUint8))
		}
	case Int32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		}
	}
	return out
}

func saturate(v float32, lo, hi float64) float64 {
	r := math.RoundToEven(float64(v))
	if math.IsNaN(r) {
		return 0
	}
	return math.Max(lo, math.Min(hi, r))
}

// Convert re-lays data from the layout of src into the layout of dst. Both
// specs must describe the same channels, height and width; order, type and
// padding may differ.
func Convert(dst, src ShapeSpec, data []byte) ([]byte, error) {
	if dst.Channels != src.Channels || dst.Height != src.Height || dst.Width != src.Width {
		return nil, fmt.Errorf("layout: convert %s to %s: shape mismatch", src, dst)
	}
	if dst.Type == src.Type && dst.Order == src.Order && (dst.Order != Tiled || dst.Padding == src.Padding) {
		if len(data) != src.Bytes() {
			return nil, fmt.Errorf("layout: convert %s: got %d bytes, want %d", src, len(data), src.Bytes())
		}
		return append([]byte(nil), data...), nil
	}
	raw, err := Decode(src, data)
	if err != nil {
		return nil, err
	}
	if dst.Type != src.Type {
		raw = FromFloat32(dst.Type, ToFloat32(src.Type, raw))
	}
	return Encode(dst, raw)
}
