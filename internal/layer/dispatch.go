package layer

import (
	"math"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/kernels"
)

// Handler executes one operator variant.
type Handler func(x *Context, l *Layer) error

type variant struct {
	run Handler
}

// variants is the dispatch table, indexed by Kind.
var variants = [numKinds]variant{
	Upload:      {run: runUpload},
	Download:    {run: runDownload},
	Identity:    {run: runIdentity},
	Convolution: {run: runConvolution},
	MaxPool:     {run: runPool},
	AvgPool:     {run: runPool},
	BatchNorm:   {run: runBatchNorm},
	Cast:        {run: runCast},
	GEMM:        {run: runGEMM},
}

// Supported returns every kind with a registered operator.
func Supported() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k, v := range variants {
		if v.run != nil {
			kinds = append(kinds, Kind(k))
		}
	}
	return kinds
}

func runUpload(x *Context, l *Layer) error {
	if x.Host == nil {
		return errs.Graphf("upload", l.desc.Name, "no host buffer")
	}
	hs := x.Host.Spec()
	if hs.Channels != l.output.Channels || hs.Height != l.output.Height || hs.Width != l.output.Width {
		return errs.Graphf("upload", l.desc.Name, "input %s does not match %s", hs, l.output)
	}
	values, err := x.Host.Channelwise()
	if err != nil {
		return errs.Graphf("upload", l.desc.Name, "%v", err)
	}
	return x.writeOutput(l, values)
}

func runDownload(x *Context, l *Layer) error {
	if x.Host == nil {
		return errs.Graphf("download", l.desc.Name, "no host buffer")
	}
	values, err := x.readPort(l, 0)
	if err != nil {
		return err
	}
	if err := x.Host.SetChannelwise(values); err != nil {
		return errs.Graphf("download", l.desc.Name, "%v", err)
	}
	return nil
}

// elementwise runs op directly on the device when the session has shaders and
// the layer has no fused stages.
func elementwise(x *Context, l *Layer, op device.ElementwiseOp, p device.ElementwiseParams) (bool, error) {
	runner, ok := x.Session.(device.ShaderRunner)
	if !ok || l.desc.PrefixAct != ActNone || l.desc.Residual {
		return false, nil
	}
	if !x.Inputs[0].Grid().Equal(x.Output.Grid()) {
		return false, nil
	}
	if err := runner.RunElementwise(op, x.Inputs[0], x.Output, p); err != nil {
		return true, errs.Device("shader", l.desc.Name, err)
	}
	return true, nil
}

func runIdentity(x *Context, l *Layer) error {
	if done, err := elementwise(x, l, device.OpCopy, device.ElementwiseParams{}); done {
		return err
	}
	return compute(x, l, func(in []float32) []float32 { return in })
}

func castRange(t CastTarget) kernels.CastRange {
	switch t {
	case CastFloat16:
		return kernels.CastRange{Half: true}
	case CastInt8:
		return kernels.CastRange{Min: math.MinInt8, Max: math.MaxInt8, Round: true}
	case CastUint8:
		return kernels.CastRange{Min: 0, Max: math.MaxUint8, Round: true}
	case CastInt16:
		return kernels.CastRange{Min: math.MinInt16, Max: math.MaxInt16, Round: true}
	case CastInt32:
		return kernels.CastRange{Min: math.MinInt32, Max: math.MaxInt32, Round: true}
	default:
		return kernels.CastRange{}
	}
}

// runCast emulates a type conversion. The result stays floating point; a
// float16 surface cannot hold integers above 2^11 exactly.
func runCast(x *Context, l *Layer) error {
	r := castRange(l.desc.CastTarget)
	switch {
	case !r.Half && !r.Round:
		if done, err := elementwise(x, l, device.OpCopy, device.ElementwiseParams{}); done {
			return err
		}
	case r.Round:
		p := device.ElementwiseParams{Min: float32(r.Min), Max: float32(r.Max)}
		if done, err := elementwise(x, l, device.OpRoundClamp, p); done {
			return err
		}
	}
	return compute(x, l, func(in []float32) []float32 {
		kernels.Cast(in, r)
		return in
	})
}

func (l *Layer) geometry(kernel int) kernels.Geometry {
	in, out := l.inputs[0], l.output
	return kernels.Geometry{
		InC: in.Channels, InH: in.Height, InW: in.Width,
		OutC: out.Channels, OutH: out.Height, OutW: out.Width,
		Kernel: kernel,
		Stride: l.desc.Downsample,
	}
}

func runConvolution(x *Context, l *Layer) error {
	d := &l.desc
	p := l.parameters()
	nw := d.OutChannels * d.InChannels * d.KernelSize * d.KernelSize
	weights, bias := p[:nw], p[nw:nw+d.OutChannels]

	return compute(x, l, func(in []float32) []float32 {
		out := make([]float32, l.output.Values())
		kernels.Conv2D(out, in, weights, bias, l.geometry(d.KernelSize), x.Parallel)
		return out
	})
}

func runPool(x *Context, l *Layer) error {
	d := &l.desc
	return compute(x, l, func(in []float32) []float32 {
		out := make([]float32, l.output.Values())
		switch {
		case d.Global && d.Kind == MaxPool:
			kernels.GlobalMaxPool(out, in, d.InChannels, d.Height, d.Width)
		case d.Global:
			kernels.GlobalAvgPool(out, in, d.InChannels, d.Height, d.Width)
		case d.Kind == MaxPool:
			kernels.MaxPool2D(out, in, l.geometry(d.PoolSize), x.Parallel)
		default:
			kernels.AvgPool2D(out, in, l.geometry(d.PoolSize), x.Parallel)
		}
		return out
	})
}

func runBatchNorm(x *Context, l *Layer) error {
	c := l.desc.OutChannels
	p := l.parameters()
	return compute(x, l, func(in []float32) []float32 {
		kernels.ScaleOffset(in, p[:c], p[c:2*c], c)
		return in
	})
}

func runGEMM(x *Context, l *Layer) error {
	d := &l.desc
	p := l.parameters()
	nw := d.OutChannels * d.InChannels
	return compute(x, l, func(in []float32) []float32 {
		out := make([]float32, d.OutChannels)
		kernels.GEMM(out, in, p[:nw], p[nw:], d.InChannels, d.OutChannels)
		return out
	})
}

// subsample picks every Downsample-th pixel for channel-preserving layers.
func (l *Layer) subsample(in []float32) []float32 {
	src, dst := l.inputs[0], l.output
	s := l.desc.Downsample
	out := make([]float32, dst.Values())
	for c := 0; c < dst.Channels; c++ {
		for y := 0; y < dst.Height; y++ {
			row := in[(c*src.Height+y*s)*src.Width:]
			for x := 0; x < dst.Width; x++ {
				out[(c*dst.Height+y)*dst.Width+x] = row[x*s]
			}
		}
	}
	return out
}

// compute runs the fused stage sequence of a computing layer:
// prefix activation, kernel, then either norm(out)+residual or
// norm(out+residual) with write-back, then the residual activation.
func compute(x *Context, l *Layer, kernel func(in []float32) []float32) error {
	d := &l.desc
	in, err := x.readPort(l, 0)
	if err != nil {
		return err
	}
	activate(d.PrefixAct, in)

	out := kernel(in)
	if len(out) != l.output.Values() {
		out = l.subsample(out)
	}

	var residual []float32
	if d.Residual {
		if residual, err = x.readPort(l, 1); err != nil {
			return err
		}
	}

	if d.WriteBack {
		kernels.Add(out, residual)
		normalize(l, out)
	} else {
		normalize(l, out)
		if residual != nil {
			kernels.Add(out, residual)
		}
	}
	if d.Residual {
		activate(d.ResidualAct, out)
	}
	return x.writeOutput(l, out)
}

func normalize(l *Layer, out []float32) {
	d := &l.desc
	if d.PostfixNorm != NormBatch {
		return
	}
	p := l.parameters()
	base := d.OutChannels*d.InChannels*d.KernelSize*d.KernelSize + d.OutChannels
	kernels.ScaleOffset(out, p[base:base+d.OutChannels], p[base+d.OutChannels:base+2*d.OutChannels], d.OutChannels)
}

func activate(a ActType, v []float32) {
	switch a {
	case ActReLU:
		kernels.ReLU(v)
	case ActClip:
		kernels.Clip(v)
	case ActLeakyReLU:
		kernels.LeakyReLU(v)
	case ActTanh:
		kernels.Tanh(v)
	case ActSigmoid:
		kernels.Sigmoid(v)
	}
}
