package layout

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tilenet/internal/parallel"
)

func TestNewTileGrid(t *testing.T) {
	tests := []struct {
		name                  string
		c, h, w, p            int
		tiles, tilesX, tilesY int
		surfaceW, surfaceH    int
	}{
		{"shallow rgb", 3, 4, 4, 0, 1, 1, 1, 4, 4},
		{"shallow padded", 4, 4, 4, 1, 1, 1, 1, 6, 6},
		{"two tiles tie prefers fewer columns", 8, 4, 4, 1, 2, 1, 2, 6, 11},
		{"square four", 16, 4, 4, 0, 4, 2, 2, 8, 8},
		{"three tiles one empty", 12, 4, 4, 0, 3, 2, 2, 8, 8},
		{"wide tiles stack vertically", 8, 2, 16, 0, 2, 1, 2, 16, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewTileGrid(tt.c, tt.h, tt.w, tt.p)
			assert.Equal(t, tt.tiles, g.Tiles)
			assert.Equal(t, tt.tilesX, g.TilesX)
			assert.Equal(t, tt.tilesY, g.TilesY)
			assert.Equal(t, tt.surfaceW, g.SurfaceWidth())
			assert.Equal(t, tt.surfaceH, g.SurfaceHeight())
			assert.GreaterOrEqual(t, g.TilesX*g.TilesY, g.Tiles)
		})
	}
}

func TestTileGridDeterministic(t *testing.T) {
	for c := 1; c <= 2048; c *= 2 {
		assert.Equal(t, NewTileGrid(c, 7, 7, 1), NewTileGrid(c, 7, 7, 1))
	}
}

func TestTileGridIndex(t *testing.T) {
	g := NewTileGrid(8, 4, 4, 1)
	// Channel 4 lives in tile 1, which is below tile 0.
	assert.Equal(t, (6*6+1)*4, g.Index(4, 0, 0))
	assert.Equal(t, (1*6+1)*4+3, g.Index(3, 0, 0))
	assert.Equal(t, ((1+3)*6+1+2)*4+1, g.Index(1, 3, 2))
}

func TestShapeSpecBytes(t *testing.T) {
	spec := ShapeSpec{Channels: 3, Height: 4, Width: 4, Type: Float32}

	assert.Equal(t, 192, spec.WithOrder(Interleaved).Bytes())
	assert.Equal(t, 192, spec.WithOrder(Channelwise).Bytes())
	assert.Equal(t, 256, spec.WithOrder(Tiled).Bytes())
	assert.Equal(t, 128, spec.WithOrder(Tiled).WithType(Float16).Bytes())

	padded := ShapeSpec{Channels: 8, Height: 4, Width: 4, Padding: 1, Type: Uint8, Order: Tiled}
	assert.Equal(t, 6*11*4, padded.Bytes())
}

func TestShapeSpecValidate(t *testing.T) {
	assert.NoError(t, ShapeSpec{Channels: 1, Height: 1, Width: 1}.Validate())
	assert.Error(t, ShapeSpec{Channels: 0, Height: 1, Width: 1}.Validate())
	assert.Error(t, ShapeSpec{Channels: 1, Height: 1, Width: 1, Padding: -1}.Validate())
	assert.Error(t, ShapeSpec{Channels: 1, Height: 1, Width: 1, Type: DataType(9)}.Validate())
}

func TestShapeSpecEqual(t *testing.T) {
	a := ShapeSpec{Channels: 64, Height: 56, Width: 56, Padding: 1, Type: Float32, Order: Tiled}
	b := a
	b.Batch = 1
	assert.True(t, a.Equal(b), "batch 0 means one image")

	b.Order = Interleaved
	assert.True(t, a.Equal(b), "order is not part of the shape")

	b.Padding = 0
	assert.False(t, a.Equal(b))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dims := []struct{ c, h, w, p int }{
		{1, 1, 1, 0},
		{3, 4, 5, 0},
		{4, 3, 3, 2},
		{7, 5, 3, 1},
		{64, 7, 7, 1},
	}

	for _, d := range dims {
		for _, dt := range []DataType{Float32, Float16, Uint8, Int32} {
			for _, order := range []Order{Channelwise, Interleaved, Tiled} {
				spec := ShapeSpec{Channels: d.c, Height: d.h, Width: d.w, Padding: d.p, Type: dt, Order: order}
				src := make([]byte, spec.Values()*dt.Size())
				rng.Read(src)

				encoded, err := Encode(spec, src)
				require.NoError(t, err, spec.String())
				require.Len(t, encoded, spec.Bytes())

				decoded, err := Decode(spec, encoded)
				require.NoError(t, err, spec.String())
				assert.Equal(t, src, decoded, spec.String())
			}
		}
	}
}

func TestEncodeTiledZeroBorders(t *testing.T) {
	spec := ShapeSpec{Channels: 5, Height: 2, Width: 3, Padding: 1, Type: Uint8, Order: Tiled}
	src := make([]byte, spec.Values())
	for i := range src {
		src[i] = 0xFF
	}

	encoded, err := Encode(spec, src)
	require.NoError(t, err)

	g := spec.Grid()
	logical := make(map[int]bool)
	for c := 0; c < spec.Channels; c++ {
		for y := 0; y < spec.Height; y++ {
			for x := 0; x < spec.Width; x++ {
				logical[g.Index(c, y, x)] = true
			}
		}
	}
	for i, v := range encoded {
		if logical[i] {
			assert.Equal(t, byte(0xFF), v, "element %d", i)
		} else {
			assert.Equal(t, byte(0), v, "element %d", i)
		}
	}
}

func TestEncodeInterleavedOrder(t *testing.T) {
	spec := ShapeSpec{Channels: 2, Height: 1, Width: 3, Type: Uint8, Order: Interleaved}
	encoded, err := Encode(spec, []byte{1, 2, 3, 10, 20, 30})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 10, 2, 20, 3, 30}, encoded)
}

func TestEncodeRejectsWrongSize(t *testing.T) {
	spec := ShapeSpec{Channels: 2, Height: 2, Width: 2, Type: Float32, Order: Tiled}
	_, err := Encode(spec, make([]byte, 3))
	assert.Error(t, err)
	_, err = Decode(spec, make([]byte, 3))
	assert.Error(t, err)
}

func TestFloat32SurfaceRoundTrip(t *testing.T) {
	g := NewTileGrid(9, 5, 6, 1)
	src := make([]float32, 9*5*6)
	for i := range src {
		src[i] = float32(i) + 0.5
	}
	surface := make([]float32, g.Elements())
	for i := range surface {
		surface[i] = -1
	}

	for _, cfg := range []parallel.Config{parallel.Sequential(), parallel.WithWorkers(4)} {
		require.NoError(t, EncodeFloat32(g, src, surface, cfg))
		assert.Equal(t, src[0], surface[g.Index(0, 0, 0)])
		assert.Equal(t, float32(0), surface[0], "border must be cleared")

		out := make([]float32, len(src))
		require.NoError(t, DecodeFloat32(g, surface, out, cfg))
		assert.Equal(t, src, out)
	}
}

func TestFloat32SurfaceMatchesByteCodec(t *testing.T) {
	spec := ShapeSpec{Channels: 6, Height: 3, Width: 2, Padding: 1, Type: Float32, Order: Tiled}
	values := make([]float32, spec.Values())
	for i := range values {
		values[i] = float32(i * 3)
	}

	encoded, err := Encode(spec, FromFloat32(Float32, values))
	require.NoError(t, err)

	surface := make([]float32, spec.Grid().Elements())
	require.NoError(t, EncodeFloat32(spec.Grid(), values, surface, parallel.Sequential()))
	assert.Equal(t, ToFloat32(Float32, encoded), surface)
}

func TestHalfConversion(t *testing.T) {
	tests := []struct {
		in   float32
		want Half
	}{
		{0, 0x0000},
		{float32(math.Copysign(0, -1)), 0x8000},
		{1, 0x3C00},
		{-2, 0xC000},
		{65504, 0x7BFF},
		{65520, 0x7C00},
		{float32(math.Inf(-1)), 0xFC00},
		{1.0 / (1 << 24), 0x0001},
		{1.0 / (1 << 26), 0x0000},
		{1 + 1.0/(1<<11), 0x3C00},
		{1 + 3.0/(1<<11), 0x3C02},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HalfFromFloat32(tt.in), "%v", tt.in)
	}

	assert.True(t, math.IsNaN(float64(HalfFromFloat32(float32(math.NaN())).Float32())))
}

func TestHalfRoundTripTolerance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		v := float32(rng.NormFloat64() * 100)
		got := RoundHalf(v)
		assert.InDelta(t, v, got, math.Abs(float64(v))/2048+1e-7)
	}

	for i := uint16(0); i < 0x7C00; i++ {
		h := Half(i)
		assert.Equal(t, h, HalfFromFloat32(h.Float32()))
	}
}

func TestElementConversion(t *testing.T) {
	values := []float32{-3.5, 0.4, 2.5, 300, 1e10}

	assert.Equal(t, []byte{0, 0, 2, 255, 255}, FromFloat32(Uint8, values))
	assert.Equal(t, []float32{-4, 0, 2, 300, math.MaxInt32}, ToFloat32(Int32, FromFloat32(Int32, values)))
	assert.Equal(t, values, ToFloat32(Float32, FromFloat32(Float32, values)))
}

func TestHostBuffer(t *testing.T) {
	spec := ShapeSpec{Channels: 3, Height: 2, Width: 2, Type: Float32, Order: Interleaved}
	buf, err := NewHostBuffer(spec)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), spec.Bytes())
	assert.Len(t, buf.Float32s(), 12)

	values := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}
	require.NoError(t, buf.SetChannelwise(values))
	assert.Equal(t, []float32{1, 5, 9, 2, 6, 10, 3, 7, 11, 4, 8, 12}, buf.Float32s())

	planar, err := buf.ToChannelwise()
	require.NoError(t, err)
	assert.Equal(t, Channelwise, planar.Spec().Order)
	assert.Equal(t, values, planar.Float32s())

	clone := buf.Clone()
	buf.Float32s()[0] = 100
	assert.Equal(t, float32(1), clone.Float32s()[0])

	best, v, err := buf.Argmax(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, best)
	assert.Equal(t, float32(12), v)

	assert.Error(t, buf.CopyFrom(make([]byte, 4)))
	_, err = WrapHostBuffer(spec, make([]byte, 4))
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	planar := ShapeSpec{Channels: 2, Height: 1, Width: 2, Type: Uint8, Order: Channelwise}
	interleaved := ShapeSpec{Channels: 2, Height: 1, Width: 2, Type: Float32, Order: Interleaved}

	out, err := Convert(interleaved, planar, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 3, 2, 4}, ToFloat32(Float32, out))

	back, err := Convert(planar, interleaved, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, back)

	same, err := Convert(planar, planar, back)
	require.NoError(t, err)
	back[0] = 7
	assert.Equal(t, byte(1), same[0], "convert always copies")

	_, err = Convert(ShapeSpec{Channels: 3, Height: 1, Width: 2, Type: Uint8}, planar, back)
	assert.Error(t, err)
}
