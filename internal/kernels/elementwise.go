package kernels

import (
	"fmt"
	"math"

	"github.com/born-ml/tilenet/internal/layout"
)

// LeakySlope is the negative slope of the leaky ReLU.
const LeakySlope = 0.1

// ReLU applies max(0, x) in place.
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// LeakyReLU applies x for x >= 0 and LeakySlope*x otherwise, in place.
func LeakyReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = v * LeakySlope
		}
	}
}

// Clip clamps x to [0, 1] in place.
func Clip(x []float32) {
	for i, v := range x {
		x[i] = min(max(v, 0), 1)
	}
}

// Tanh applies the hyperbolic tangent in place.
func Tanh(x []float32) {
	for i, v := range x {
		x[i] = float32(math.Tanh(float64(v)))
	}
}

// Sigmoid applies 1/(1+exp(-x)) in place.
func Sigmoid(x []float32) {
	for i, v := range x {
		x[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

// ScaleOffset applies a per-channel affine transform in place:
// x[c][...] = x[c][...]*scale[c] + offset[c]. Folded batch normalization.
func ScaleOffset(x, scale, offset []float32, channels int) {
	if len(scale) != channels || len(offset) != channels || len(x)%channels != 0 {
		panic(fmt.Sprintf("scaleoffset: %d values, %d scales, %d offsets for %d channels",
			len(x), len(scale), len(offset), channels))
	}
	plane := len(x) / channels
	for c := 0; c < channels; c++ {
		s, o := scale[c], offset[c]
		p := x[c*plane : (c+1)*plane]
		for i, v := range p {
			p[i] = v*s + o
		}
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("add: length mismatch %d != %d", len(dst), len(src)))
	}
	for i, v := range src {
		dst[i] += v
	}
}

// GEMM computes dst = weights x src + bias for a [out, in] weight matrix.
func GEMM(dst, src, weights, bias []float32, in, out int) {
	if len(src) != in || len(dst) != out || len(weights) != in*out {
		panic(fmt.Sprintf("gemm: got input %d, output %d, weights %d for %dx%d", len(src), len(dst), len(weights), out, in))
	}
	for o := 0; o < out; o++ {
		row := weights[o*in : (o+1)*in]
		sum := float32(0)
		if bias != nil {
			sum = bias[o]
		}
		for i, v := range src {
			sum += row[i] * v
		}
		dst[o] = sum
	}
}

// CastRange describes the value set of a cast target.
type CastRange struct {
	Min, Max float64
	Round    bool
	Half     bool
}

// Cast emulates a numeric type conversion in place. Integer ranges round half
// away from zero and clamp; the result stays float32. Half rounds through
// binary16 precision.
func Cast(x []float32, r CastRange) {
	if r.Half {
		for i, v := range x {
			x[i] = layout.RoundHalf(v)
		}
		return
	}
	if !r.Round {
		return
	}
	for i, v := range x {
		f := math.Round(float64(v))
		x[i] = float32(math.Max(r.Min, math.Min(r.Max, f)))
	}
}
