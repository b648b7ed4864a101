// Package layer defines layer descriptors and the compiled operator variants.
//
// A Descriptor is the validated configuration of one operator instance. It is
// built once by NewDescriptor from functional options and never mutated:
//
//	d, err := layer.NewDescriptor(layer.Convolution, "Conv8", 8,
//	    layer.WithShape(64, 56, 56, 64),
//	    layer.WithKernel(3),
//	    layer.Deep(),
//	    layer.WithInputPadding(1),
//	    layer.WithPrefixAct(layer.ActReLU),
//	    layer.WithPostfixNorm(layer.NormBatch),
//	)
//
// The graph compiler turns descriptors into *Layer values through the
// dispatch table in dispatch.go.
package layer

import (
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/kernels"
	"github.com/born-ml/tilenet/internal/layout"
	"github.com/born-ml/tilenet/internal/pipeline"
)

// MaxShallowChannels is the channel limit of a shallow (single tile) tensor.
const MaxShallowChannels = layout.PixelPacking

// Descriptor is the immutable configuration of one layer.
type Descriptor struct {
	Kind   Kind
	Number int
	Name   string

	// Shape. Height and Width are the input spatial size; the output size
	// follows from Downsample and Global.
	OutChannels int
	Height      int
	Width       int
	InChannels  int
	Batch       int

	InputPadding  int
	OutputPadding int
	Downsample    int

	PrefixAct   ActType
	PostfixNorm NormType

	Residual    bool
	ResidualAct ActType
	// WriteBack applies the post-normalization to the sum of output and
	// residual instead of to the output alone.
	WriteBack bool

	Async bool
	Hook  pipeline.Hook

	KernelSize int
	PoolSize   int
	Global     bool
	Deep       bool
	CastTarget CastTarget

	shapeSet bool
}

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithShape sets output channels, input height and width, and input channels.
func WithShape(out, height, width, in int) Option {
	return func(d *Descriptor) {
		d.OutChannels, d.Height, d.Width, d.InChannels = out, height, width, in
		d.shapeSet = true
	}
}

// WithBatch sets the batch size carried in the port contracts.
func WithBatch(n int) Option {
	return func(d *Descriptor) { d.Batch = n }
}

// WithInputPadding sets the halo border expected on the input surface.
func WithInputPadding(p int) Option {
	return func(d *Descriptor) { d.InputPadding = p }
}

// WithOutputPadding sets the halo border of the output surface.
func WithOutputPadding(p int) Option {
	return func(d *Descriptor) { d.OutputPadding = p }
}

// WithDownsample sets the spatial stride.
func WithDownsample(s int) Option {
	return func(d *Descriptor) { d.Downsample = s }
}

// WithPrefixAct fuses an activation applied to the input.
func WithPrefixAct(a ActType) Option {
	return func(d *Descriptor) { d.PrefixAct = a }
}

// WithPostfixNorm fuses a normalization applied to the output.
func WithPostfixNorm(n NormType) Option {
	return func(d *Descriptor) { d.PostfixNorm = n }
}

// WithResidual adds a second input port whose value is added to the output,
// followed by act. writeBack moves the post-normalization after the addition.
func WithResidual(act ActType, writeBack bool) Option {
	return func(d *Descriptor) {
		d.Residual = true
		d.ResidualAct = act
		d.WriteBack = writeBack
	}
}

// WithAsync enables pooled host buffers for an upload or download layer.
// hook may be nil.
func WithAsync(hook pipeline.Hook) Option {
	return func(d *Descriptor) {
		d.Async = true
		d.Hook = hook
	}
}

// WithKernel sets the convolution kernel size.
func WithKernel(k int) Option {
	return func(d *Descriptor) { d.KernelSize = k }
}

// WithPool sets the pooling window size.
func WithPool(k int) Option {
	return func(d *Descriptor) { d.PoolSize = k }
}

// Global makes a pooling layer reduce each channel to a single value.
func Global() Option {
	return func(d *Descriptor) { d.Global = true }
}

// Deep selects the tiled layout for the layer's tensors.
func Deep() Option {
	return func(d *Descriptor) { d.Deep = true }
}

// WithCastTarget sets the type emulated by a cast layer.
func WithCastTarget(t CastTarget) Option {
	return func(d *Descriptor) { d.CastTarget = t }
}

// NewDescriptor builds and validates a descriptor.
func NewDescriptor(kind Kind, name string, number int, opts ...Option) (*Descriptor, error) {
	d := &Descriptor{
		Kind:       kind,
		Name:       name,
		Number:     number,
		Batch:      1,
		Downsample: 1,
		KernelSize: 1,
		PoolSize:   1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) validate() error {
	fail := func(format string, args ...any) error {
		return errs.Configf("build", d.Name, format, args...)
	}

	switch {
	case !d.Kind.Valid():
		return fail("unknown layer kind %d", d.Kind)
	case d.Name == "":
		return fail("layer name is empty")
	case d.Number < 0:
		return fail("layer number %d is negative", d.Number)
	case !d.shapeSet:
		return fail("shape is not set")
	case d.OutChannels <= 0 || d.InChannels <= 0 || d.Height <= 0 || d.Width <= 0:
		return fail("invalid shape %dx%dx%d <- %d channels", d.OutChannels, d.Height, d.Width, d.InChannels)
	case d.Batch <= 0:
		return fail("batch %d must be positive", d.Batch)
	case d.InputPadding < 0 || d.OutputPadding < 0:
		return fail("negative padding")
	case d.Downsample <= 0:
		return fail("downsample %d must be positive", d.Downsample)
	case d.KernelSize <= 0:
		return fail("kernel size %d must be positive", d.KernelSize)
	case d.PoolSize <= 0:
		return fail("pool size %d must be positive", d.PoolSize)
	}

	if !d.Deep && (d.OutChannels > MaxShallowChannels || d.InChannels > MaxShallowChannels) {
		return fail("shallow layers carry at most %d channels, got %d -> %d; use Deep()",
			MaxShallowChannels, d.InChannels, d.OutChannels)
	}
	if d.Kind.preservesChannels() && d.InChannels != d.OutChannels {
		return fail("%s layers preserve channels, got %d -> %d", d.Kind, d.InChannels, d.OutChannels)
	}
	if d.Async && !d.Kind.transfer() {
		return fail("async is only supported on upload and download layers")
	}
	if d.Kind.transfer() {
		if d.Residual {
			return fail("%s layers take no residual input", d.Kind)
		}
		if d.Downsample != 1 || d.PrefixAct != ActNone || d.PostfixNorm != NormNone {
			return fail("%s layers do not compute", d.Kind)
		}
	}
	if d.PostfixNorm != NormNone && d.Kind != Convolution {
		return fail("postfix normalization is only fused into convolutions")
	}
	if d.WriteBack && d.PostfixNorm == NormNone {
		return fail("residual write-back needs a postfix normalization")
	}
	if d.Global && d.Kind != MaxPool && d.Kind != AvgPool {
		return fail("global reduction applies to pooling layers only")
	}
	if d.Kind == GEMM && (d.Height != 1 || d.Width != 1) {
		return fail("gemm input must be 1x1 spatially, got %dx%d", d.Height, d.Width)
	}
	if d.CastTarget != CastFloat32 && d.Kind != Cast {
		return fail("cast target set on a %s layer", d.Kind)
	}
	if d.CastTarget < CastFloat32 || d.CastTarget > CastInt32 {
		return fail("unknown cast target %d", d.CastTarget)
	}
	return nil
}

// OutputHeight returns the output height.
func (d *Descriptor) OutputHeight() int {
	if d.Global {
		return 1
	}
	return kernels.OutputSize(d.Height, d.Downsample)
}

// OutputWidth returns the output width.
func (d *Descriptor) OutputWidth() int {
	if d.Global {
		return 1
	}
	return kernels.OutputSize(d.Width, d.Downsample)
}

func (d *Descriptor) order() layout.Order {
	if d.Deep {
		return layout.Tiled
	}
	return layout.Interleaved
}

// InputSpec is the contract of the primary input port.
func (d *Descriptor) InputSpec() layout.ShapeSpec {
	return layout.ShapeSpec{
		Channels: d.InChannels,
		Height:   d.Height,
		Width:    d.Width,
		Batch:    d.Batch,
		Padding:  d.InputPadding,
		Type:     layout.Float32,
		Order:    d.order(),
	}
}

// OutputSpec is the contract of the output.
func (d *Descriptor) OutputSpec() layout.ShapeSpec {
	return layout.ShapeSpec{
		Channels: d.OutChannels,
		Height:   d.OutputHeight(),
		Width:    d.OutputWidth(),
		Batch:    d.Batch,
		Padding:  d.OutputPadding,
		Type:     layout.Float32,
		Order:    d.order(),
	}
}

// ParameterCount returns the length of the parameter blob the layer expects.
//
//	convolution: weights[out][in][k][k], bias[out], then scale[out], offset[out] if normalized
//	batchnorm:   scale[c], offset[c]
//	gemm:        weights[out][in], bias[out]
func (d *Descriptor) ParameterCount() int {
	switch d.Kind {
	case Convolution:
		n := d.OutChannels*d.InChannels*d.KernelSize*d.KernelSize + d.OutChannels
		if d.PostfixNorm == NormBatch {
			n += 2 * d.OutChannels
		}
		return n
	case BatchNorm:
		return 2 * d.OutChannels
	case GEMM:
		return d.OutChannels*d.InChannels + d.OutChannels
	default:
		return 0
	}
}
