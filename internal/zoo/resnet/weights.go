package resnet

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/tilenet/internal/engine"
	"github.com/born-ml/tilenet/internal/layer"
)

// XavierParameters returns a provider of synthetic weights for benchmarking
// and tests. Convolution and classifier weights are drawn from
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))); biases and
// normalization offsets are zero and normalization scales are one.
//
// Each layer draws from its own stream seeded by (seed, number), so the
// result does not depend on load order.
func XavierParameters(seed uint64) engine.ParameterProvider {
	return engine.ParameterFunc(func(d *layer.Descriptor) ([]float32, error) {
		//nolint:gosec // Synthetic weights, not security-critical
		rng := rand.New(rand.NewPCG(seed, uint64(d.Number)))
		blob := make([]float32, d.ParameterCount())

		switch d.Kind {
		case layer.Convolution:
			k2 := d.KernelSize * d.KernelSize
			weights := d.OutChannels * d.InChannels * k2
			xavier(rng, blob[:weights], d.InChannels*k2, d.OutChannels*k2)
			if d.PostfixNorm == layer.NormBatch {
				scale := blob[weights+d.OutChannels : weights+2*d.OutChannels]
				fill(scale, 1)
			}
		case layer.BatchNorm:
			fill(blob[:d.OutChannels], 1)
		case layer.GEMM:
			xavier(rng, blob[:d.OutChannels*d.InChannels], d.InChannels, d.OutChannels)
		}
		return blob, nil
	})
}

func xavier(rng *rand.Rand, dst []float32, fanIn, fanOut int) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range dst {
		dst[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
}

func fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}
