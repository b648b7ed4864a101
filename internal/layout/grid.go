package layout

// PixelPacking is the number of channels stored per surface pixel (RGBA).
const PixelPacking = 4

// TileGrid describes how a (channels, height, width) tensor is laid out on a
// 2D device surface.
//
// Channels are grouped in lanes of PixelPacking. Each group occupies one tile
// of Width x Height pixels; tiles are placed on a TilesX x TilesY grid with a
// border of Padding pixels around and between them, so a convolution can read
// a halo of Padding pixels without leaving its tile:
//
//	P | tile 0 | P | tile 1 | P
//	--+--------+---+--------+--
//	P | tile 2 | P | tile 3 | P
//
// A shallow tensor (at most 4 channels) is the single-tile case.
type TileGrid struct {
	Channels int
	Height   int
	Width    int
	Padding  int
	Tiles    int // ceil(Channels / PixelPacking)
	TilesX   int
	TilesY   int
}

// NewTileGrid computes the tile grid for a tensor.
//
// The grid shape is chosen to keep the surface as close to square as possible:
// among all column counts it minimizes |TilesX*(W+P) - TilesY*(H+P)|, breaking
// ties by the number of empty tiles and then by the smaller column count. The
// result is deterministic.
func NewTileGrid(channels, height, width, padding int) TileGrid {
	tiles := (channels + PixelPacking - 1) / PixelPacking
	if tiles < 1 {
		tiles = 1
	}

	bestX, bestY := tiles, 1
	bestImbalance := -1
	bestWaste := 0
	for tx := 1; tx <= tiles; tx++ {
		ty := (tiles + tx - 1) / tx
		imbalance := abs(tx*(width+padding) - ty*(height+padding))
		waste := tx*ty - tiles
		if bestImbalance < 0 || imbalance < bestImbalance || (imbalance == bestImbalance && waste < bestWaste) {
			bestX, bestY = tx, ty
			bestImbalance = imbalance
			bestWaste = waste
		}
	}

	return TileGrid{
		Channels: channels,
		Height:   height,
		Width:    width,
		Padding:  padding,
		Tiles:    tiles,
		TilesX:   bestX,
		TilesY:   bestY,
	}
}

// Shallow reports whether the grid is a single tile.
func (g TileGrid) Shallow() bool {
	return g.Tiles == 1
}

// SurfaceWidth returns the surface width in pixels.
func (g TileGrid) SurfaceWidth() int {
	return g.TilesX*(g.Width+g.Padding) + g.Padding
}

// SurfaceHeight returns the surface height in pixels.
func (g TileGrid) SurfaceHeight() int {
	return g.TilesY*(g.Height+g.Padding) + g.Padding
}

// Elements returns the number of scalar elements on the surface (4 per pixel).
func (g TileGrid) Elements() int {
	return g.SurfaceWidth() * g.SurfaceHeight() * PixelPacking
}

// Bytes returns the surface byte size for the given element type:
// SurfaceWidth * SurfaceHeight * 4 * elemSize.
func (g TileGrid) Bytes(dt DataType) int {
	return g.Elements() * dt.Size()
}

// TileOrigin returns the surface pixel coordinates of the top-left interior
// pixel of the given tile.
func (g TileGrid) TileOrigin(tile int) (x, y int) {
	tx := tile % g.TilesX
	ty := tile / g.TilesX
	return g.Padding + tx*(g.Width+g.Padding), g.Padding + ty*(g.Height+g.Padding)
}

// Index returns the surface element index of logical value (c, y, x).
func (g TileGrid) Index(c, y, x int) int {
	ox, oy := g.TileOrigin(c / PixelPacking)
	return ((oy+y)*g.SurfaceWidth()+ox+x)*PixelPacking + c%PixelPacking
}

// Equal reports whether two grids describe the same surface.
func (g TileGrid) Equal(o TileGrid) bool {
	return g == o
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
