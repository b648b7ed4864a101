package kernels

import (
	"fmt"
	"math"

	"github.com/born-ml/tilenet/internal/parallel"
)

// MaxPool2D takes the maximum of each Kernel x Kernel window.
//
// Example (3x3 window, stride 2, centered):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func MaxPool2D(dst, src []float32, g Geometry, cfg parallel.Config) {
	pool2d(dst, src, g, cfg, func(window []float32) float32 {
		m := float32(math.Inf(-1))
		for _, v := range window {
			m = max(m, v)
		}
		return m
	})
}

// AvgPool2D averages each window over its in-range pixels.
func AvgPool2D(dst, src []float32, g Geometry, cfg parallel.Config) {
	pool2d(dst, src, g, cfg, mean)
}

// GlobalMaxPool reduces every channel plane to its maximum.
func GlobalMaxPool(dst, src []float32, channels, height, width int) {
	plane := height * width
	for c := 0; c < channels; c++ {
		m := float32(math.Inf(-1))
		for _, v := range src[c*plane : (c+1)*plane] {
			m = max(m, v)
		}
		dst[c] = m
	}
}

// GlobalAvgPool reduces every channel plane to its mean.
func GlobalAvgPool(dst, src []float32, channels, height, width int) {
	plane := height * width
	for c := 0; c < channels; c++ {
		dst[c] = mean(src[c*plane : (c+1)*plane])
	}
}

func mean(window []float32) float32 {
	var sum float32
	for _, v := range window {
		sum += v
	}
	return sum / float32(len(window))
}

func pool2d(dst, src []float32, g Geometry, cfg parallel.Config, reduce func([]float32) float32) {
	if g.InC != g.OutC {
		panic(fmt.Sprintf("pool2d: channel count changes from %d to %d", g.InC, g.OutC))
	}
	if len(src) != g.InC*g.InH*g.InW || len(dst) != g.OutC*g.OutH*g.OutW {
		panic(fmt.Sprintf("pool2d: got %d/%d values for geometry %+v", len(src), len(dst), g))
	}

	k := g.Kernel
	off := (k - 1) / 2
	parallel.For2D(g.OutC, g.OutH, func(c, oy int) {
		in := src[c*g.InH*g.InW : (c+1)*g.InH*g.InW]
		out := dst[(c*g.OutH+oy)*g.OutW:]
		window := make([]float32, 0, k*k)
		for ox := 0; ox < g.OutW; ox++ {
			window = window[:0]
			for ky := 0; ky < k; ky++ {
				y := oy*g.Stride - off + ky
				if y < 0 || y >= g.InH {
					continue
				}
				for kx := 0; kx < k; kx++ {
					x := ox*g.Stride - off + kx
					if x < 0 || x >= g.InW {
						continue
					}
					window = append(window, in[y*g.InW+x])
				}
			}
			out[ox] = reduce(window)
		}
	}, cfg)
}
