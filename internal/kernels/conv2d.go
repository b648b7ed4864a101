// Package kernels holds the reference float32 operator kernels.
//
// All kernels work on a single image in channelwise order ([C][H][W]). The
// convolution and pooling windows are centered: output pixel (y, x) of a
// layer with stride s reads input rows starting at y*s - (k-1)/2, and
// out-of-range input pixels count as zero (convolution) or are skipped
// (pooling). Output spatial size is ceil(in / s).
package kernels

import (
	"fmt"

	"github.com/born-ml/tilenet/internal/parallel"
)

// Geometry describes the input and output planes of a spatial operator.
type Geometry struct {
	InC, InH, InW    int
	OutC, OutH, OutW int
	Kernel           int
	Stride           int
}

// OutputSize returns ceil(in / stride).
func OutputSize(in, stride int) int {
	return (in + stride - 1) / stride
}

// Conv2D performs a 2D convolution using the im2col algorithm.
//
// Weights shape: [OutC, InC, Kernel, Kernel]
// Bias shape:    [OutC] (nil for none)
//
// Algorithm: Im2col
//  1. Transform input patches into columns (im2col)
//  2. Treat weights as a [OutC, InC*K*K] matrix
//  3. Multiply, one output channel per work item
func Conv2D(dst, src, weights, bias []float32, g Geometry, cfg parallel.Config) {
	k := g.Kernel
	colWidth := g.InC * k * k
	colHeight := g.OutH * g.OutW

	if len(src) != g.InC*g.InH*g.InW {
		panic(fmt.Sprintf("conv2d: input has %d values, want %d", len(src), g.InC*g.InH*g.InW))
	}
	if len(weights) != g.OutC*colWidth {
		panic(fmt.Sprintf("conv2d: weights have %d values, want %d", len(weights), g.OutC*colWidth))
	}
	if len(dst) != g.OutC*colHeight {
		panic(fmt.Sprintf("conv2d: output has %d values, want %d", len(dst), g.OutC*colHeight))
	}

	colBuf := make([]float32, colHeight*colWidth)
	im2col(colBuf, src, g)

	parallel.For(g.OutC, func(o int) {
		w := weights[o*colWidth : (o+1)*colWidth]
		b := float32(0)
		if bias != nil {
			b = bias[o]
		}
		out := dst[o*colHeight : (o+1)*colHeight]
		for j := 0; j < colHeight; j++ {
			col := colBuf[j*colWidth : (j+1)*colWidth]
			sum := b
			for i, v := range col {
				sum += w[i] * v
			}
			out[j] = sum
		}
	}, cfg)
}

// im2col transforms the input into a [OutH*OutW, InC*K*K] column matrix.
// Each row holds the flattened patch read by one output position.
func im2col(colBuf, src []float32, g Geometry) {
	k := g.Kernel
	off := (k - 1) / 2
	idx := 0

	for oy := 0; oy < g.OutH; oy++ {
		for ox := 0; ox < g.OutW; ox++ {
			yStart := oy*g.Stride - off
			xStart := ox*g.Stride - off

			for c := 0; c < g.InC; c++ {
				plane := src[c*g.InH*g.InW:]
				for ky := 0; ky < k; ky++ {
					y := yStart + ky
					for kx := 0; kx < k; kx++ {
						x := xStart + kx
						if y >= 0 && y < g.InH && x >= 0 && x < g.InW {
							colBuf[idx] = plane[y*g.InW+x]
						} else {
							colBuf[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}
