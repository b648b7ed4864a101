// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layout provides the public API for tensor memory layouts.
//
// The package defines the host-side description of a tensor and the codec
// between the logical channelwise order and the device orders:
//   - ShapeSpec: channels, spatial size, padding, element type and order
//   - HostBuffer: a host tensor matching a ShapeSpec
//   - TileGrid: the 2D surface arrangement of a deep (tiled) tensor
//   - Encode, Decode, Convert: conversions between orders and types
//
// Example:
//
//	spec := layout.ShapeSpec{Channels: 3, Height: 224, Width: 224, Type: layout.Float32, Order: layout.Interleaved}
//	buf, _ := layout.NewHostBuffer(spec)
//	copy(buf.Float32s(), pixels)
package layout

import (
	"github.com/born-ml/tilenet/internal/layout"
)

// PixelPacking is the number of channels stored per surface pixel.
const PixelPacking = layout.PixelPacking

// DataType represents the element type of a host buffer or device surface.
type DataType = layout.DataType

// Data type constants.
const (
	Float32 DataType = layout.Float32
	Float16 DataType = layout.Float16
	Uint8   DataType = layout.Uint8
	Int32   DataType = layout.Int32
)

// Order is the memory order of a tensor.
type Order = layout.Order

// Order constants.
const (
	Channelwise Order = layout.Channelwise
	Interleaved Order = layout.Interleaved
	Tiled       Order = layout.Tiled
)

// ShapeSpec describes a tensor: channels, height, width, batch, padding,
// element type and order.
type ShapeSpec = layout.ShapeSpec

// TileGrid is the surface arrangement of a tensor.
type TileGrid = layout.TileGrid

// NewTileGrid returns the grid for a tensor. Tiles are laid out so the
// surface stays close to square.
func NewTileGrid(channels, height, width, padding int) TileGrid {
	return layout.NewTileGrid(channels, height, width, padding)
}

// HostBuffer is a host tensor with a fixed ShapeSpec.
//
// Example:
//
//	out, _ := eng.Output()
//	class, score, _ := out.Argmax(0, 0)
type HostBuffer = layout.HostBuffer

// NewHostBuffer allocates a zeroed host buffer for spec.
func NewHostBuffer(spec ShapeSpec) (*HostBuffer, error) {
	return layout.NewHostBuffer(spec)
}

// WrapHostBuffer uses data as the storage of a host buffer without copying.
func WrapHostBuffer(spec ShapeSpec, data []byte) (*HostBuffer, error) {
	return layout.WrapHostBuffer(spec, data)
}

// Encode converts channelwise data into spec's order.
func Encode(spec ShapeSpec, src []byte) ([]byte, error) {
	return layout.Encode(spec, src)
}

// Decode converts data in spec's order into channelwise order.
func Decode(spec ShapeSpec, src []byte) ([]byte, error) {
	return layout.Decode(spec, src)
}

// Convert re-encodes data from src's layout and type into dst's. Both specs
// must have the same channels, height and width.
func Convert(dst, src ShapeSpec, data []byte) ([]byte, error) {
	return layout.Convert(dst, src, data)
}
