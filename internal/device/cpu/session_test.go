package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/layout"
)

func TestNewDefaults(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Threading())
	assert.GreaterOrEqual(t, s.Threads(), 1)
	assert.LessOrEqual(t, s.Threads(), MaxThreads)
	assert.Equal(t, layout.Float32, s.Precision())
	assert.Contains(t, s.Name(), "CPU")

	var _ device.Session = s
	var _ device.StatsReporter = s
}

func TestOptions(t *testing.T) {
	s, err := New(WithThreads(64), WithoutThreading(), WithPrecision(layout.Float16))
	require.NoError(t, err)
	assert.Equal(t, MaxThreads, s.Threads())
	assert.False(t, s.Threading())
	assert.Equal(t, layout.Float16, s.Precision())

	_, err = New(WithPrecision(layout.Uint8))
	assert.Error(t, err)
}

func TestSurfaceLifecycle(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	grid := layout.NewTileGrid(8, 3, 3, 1)
	sf, err := s.Allocate(grid)
	require.NoError(t, err)
	assert.Equal(t, grid, sf.Grid())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Allocations)
	assert.Equal(t, uint64(0), stats.ActiveBytes, "storage is lazy")

	out := make([]float32, grid.Elements())
	out[0] = 42
	require.NoError(t, s.Read(sf, out))
	assert.Equal(t, float32(0), out[0], "unwritten surface reads zero")

	in := make([]float32, grid.Elements())
	for i := range in {
		in[i] = float32(i)
	}
	require.NoError(t, s.Write(sf, in))
	require.NoError(t, s.Read(sf, out))
	assert.Equal(t, in, out)
	assert.Equal(t, uint64(grid.Bytes(layout.Float32)), s.Stats().ActiveBytes)

	require.NoError(t, s.Free(sf))
	assert.Error(t, s.Free(sf), "double free")
	assert.Error(t, s.Read(sf, out))
	assert.Equal(t, uint64(0), s.Stats().ActiveBytes)
	assert.Equal(t, int64(0), s.Stats().ActiveSurfaces)
}

func TestWriteRejectsWrongSize(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	sf, err := s.Allocate(layout.NewTileGrid(4, 2, 2, 0))
	require.NoError(t, err)

	assert.Error(t, s.Write(sf, make([]float32, 3)))
	assert.Error(t, s.Read(sf, make([]float32, 3)))
}

func TestFloat16Storage(t *testing.T) {
	s, err := New(WithPrecision(layout.Float16))
	require.NoError(t, err)

	grid := layout.NewTileGrid(1, 1, 2, 0)
	sf, err := s.Allocate(grid)
	require.NoError(t, err)

	in := []float32{0.1, 2049, 0, 0, 3, 0, 0, 0}
	require.NoError(t, s.Write(sf, in))

	out := make([]float32, len(in))
	require.NoError(t, s.Read(sf, out))
	assert.InDelta(t, 0.1, out[0], 1e-4)
	assert.Equal(t, float32(2048), out[1])
	assert.Equal(t, float32(3), out[4])
	assert.Equal(t, uint64(grid.Bytes(layout.Float16)), s.Stats().PeakBytes)
}

func TestClosedSessionRejectsAllocate(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Allocate(layout.NewTileGrid(4, 2, 2, 0))
	assert.Error(t, err)
}
