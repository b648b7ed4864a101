// Package resnet assembles the ResNet-50 v1 classifier for 224x224 RGB input.
//
// Layer numbers are fixed: 0 upload, 2 input batchnorm,
// 3 stem convolution, 4 max pool, 5..69 four bottleneck stages, 70 global
// average pool, 72 classifier, 73 download. Bottlenecks use 1x1 reduce, 3x3
// and 1x1 expand convolutions with a residual port on the expand layer; the
// first block of a stage takes its shortcut through a 1x1 projection.
//
//	net := resnet.New(resnet.DefaultOptions())
//	eng, err := engine.New(session, net, resnet.XavierParameters(1), engine.DefaultConfig())
package resnet

import (
	"fmt"

	"github.com/born-ml/tilenet/internal/graph"
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/layout"
	"github.com/born-ml/tilenet/internal/pipeline"
)

// Network geometry.
const (
	ImageSize   = 224
	Classes     = 1000
	Features    = 2048
	NumLayers   = 72 // With upload and download; numbers 1 and 71 are unused
	inputNumber = 2
)

// Layer names of the transfer and head layers.
const (
	UploadName   = "upload"
	DownloadName = "download"
	InputName    = "BN2"
	LogitsName   = "GEMM72"
)

// Options selects the transfer layers and async behavior.
type Options struct {
	// Upload adds the host input layer. Without it BN2 is the first layer
	// and its input port has to be fed by another assembler.
	Upload bool
	// Download adds the host output layer. Without it the logits stay on
	// the device in GEMM72's surface.
	Download bool
	// Async builds the transfer layers for the engine's async mode.
	Async bool

	UploadHook   pipeline.Hook
	DownloadHook pipeline.Hook
}

// DefaultOptions returns a synchronous network with upload and download.
func DefaultOptions() Options {
	return Options{Upload: true, Download: true}
}

// stage is one group of bottleneck blocks sharing a width.
type stage struct {
	first  int // Number of the first layer
	blocks int
	width  int // Bottleneck channels; blocks output 4*width
	in     int // Input channels of the first block
	size   int // Input spatial size of the first block
	stride int
}

var stages = []stage{
	{first: 5, blocks: 3, width: 64, in: 64, size: 56, stride: 1},
	{first: 18, blocks: 4, width: 128, in: 256, size: 56, stride: 2},
	{first: 34, blocks: 6, width: 256, in: 512, size: 28, stride: 2},
	{first: 58, blocks: 3, width: 512, in: 1024, size: 14, stride: 2},
}

// Network builds and connects the ResNet-50 graph. It implements
// engine.Assembler.
type Network struct {
	opts Options
}

// New returns a network assembler.
func New(opts Options) *Network {
	return &Network{opts: opts}
}

// Options returns the assembler options.
func (n *Network) Options() Options { return n.opts }

// InputSpec is the host layout accepted by the upload layer: interleaved
// float32 RGB.
func (n *Network) InputSpec() layout.ShapeSpec {
	return layout.ShapeSpec{
		Channels: 3,
		Height:   ImageSize,
		Width:    ImageSize,
		Batch:    1,
		Type:     layout.Float32,
		Order:    layout.Interleaved,
	}
}

// Build pushes every layer descriptor in number order.
func (n *Network) Build(c *graph.Compiler) error {
	descs, err := n.Descriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if err := c.Push(d); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors returns the layer descriptors in number order.
func (n *Network) Descriptors() ([]*layer.Descriptor, error) {
	var (
		descs []*layer.Descriptor
		err   error
	)
	add := func(kind layer.Kind, name string, number int, opts ...layer.Option) {
		if err != nil {
			return
		}
		var d *layer.Descriptor
		d, err = layer.NewDescriptor(kind, name, number, opts...)
		if err == nil {
			descs = append(descs, d)
		}
	}
	conv := func(number, kernel int, opts ...layer.Option) {
		opts = append([]layer.Option{layer.WithKernel(kernel), layer.Deep()}, opts...)
		add(layer.Convolution, fmt.Sprintf("Conv%d", number), number, opts...)
	}
	batchnorm := func(number, channels, size int) {
		add(layer.BatchNorm, fmt.Sprintf("BN%d", number), number,
			layer.WithShape(channels, size, size, channels), layer.Deep())
	}
	relu := layer.WithPrefixAct(layer.ActReLU)
	norm := layer.WithPostfixNorm(layer.NormBatch)

	if n.opts.Upload {
		opts := []layer.Option{layer.WithShape(3, ImageSize, ImageSize, 3)}
		if n.opts.Async {
			opts = append(opts, layer.WithAsync(n.opts.UploadHook))
		}
		add(layer.Upload, UploadName, 0, opts...)
	}
	add(layer.BatchNorm, InputName, inputNumber,
		layer.WithShape(3, ImageSize, ImageSize, 3), layer.WithOutputPadding(1))
	conv(3, 7, layer.WithShape(64, ImageSize, ImageSize, 3), layer.WithDownsample(2),
		layer.WithInputPadding(1), layer.WithOutputPadding(1), norm)
	add(layer.MaxPool, "MaxPool4", 4, layer.WithShape(64, 112, 112, 64), layer.WithPool(3),
		layer.WithDownsample(2), layer.Deep(), layer.WithInputPadding(1), relu)

	for i, st := range stages {
		num := st.first
		w, out := st.width, 4*st.width
		size := st.size / st.stride
		last := i == len(stages)-1

		// Projection block.
		in := st.in
		if st.stride == 1 {
			batchnorm(num, in, st.size)
			num++
		}
		conv(num, 1, layer.WithShape(w, st.size, st.size, in), layer.WithOutputPadding(1), relu, norm)
		conv(num+1, 1, layer.WithShape(out, st.size, st.size, in), layer.WithDownsample(st.stride), relu)
		conv(num+2, 3, layer.WithShape(w, st.size, st.size, w), layer.WithDownsample(st.stride),
			layer.WithInputPadding(1), relu, norm)
		conv(num+3, 1, layer.WithShape(out, size, size, w), relu, layer.WithResidual(layer.ActNone, false))
		num += 4

		for b := 1; b < st.blocks; b++ {
			tail := b == st.blocks-1
			batchnorm(num, out, size)
			conv(num+1, 1, layer.WithShape(w, size, size, out), layer.WithOutputPadding(1), relu, norm)
			conv(num+2, 3, layer.WithShape(w, size, size, w), layer.WithInputPadding(1), relu, norm)
			if tail {
				// The next stage reads the normalized sum directly.
				conv(num+3, 1, layer.WithShape(out, size, size, w), relu, norm,
					layer.WithResidual(layer.ActNone, true))
			} else {
				conv(num+3, 1, layer.WithShape(out, size, size, w), relu,
					layer.WithResidual(layer.ActNone, false))
			}
			num += 4
		}
		if !last && num != stages[i+1].first {
			return nil, fmt.Errorf("resnet: stage %d ends at layer %d, next starts at %d", i, num, stages[i+1].first)
		}
	}

	add(layer.AvgPool, "GlobAvg70", 70, layer.WithShape(Features, 7, 7, Features), layer.Global(),
		layer.Deep(), relu)
	add(layer.GEMM, LogitsName, 72, layer.WithShape(Classes, 1, 1, Features), layer.Deep())
	if n.opts.Download {
		opts := []layer.Option{layer.WithShape(Classes, 1, 1, Classes), layer.Deep()}
		if n.opts.Async {
			opts = append(opts, layer.WithAsync(n.opts.DownloadHook))
		}
		add(layer.Download, DownloadName, 73, opts...)
	}
	if err != nil {
		return nil, err
	}
	return descs, nil
}

// Connect binds the producer/consumer pairs of the graph.
func (n *Network) Connect(layers *graph.Layers, buffers *graph.BufferManager) error {
	var err error
	link := func(from, to, port int) {
		if err != nil {
			return
		}
		var p, c *layer.Layer
		if p, err = layers.Number(from); err != nil {
			return
		}
		if c, err = layers.Number(to); err != nil {
			return
		}
		err = buffers.Connect(p, c, port)
	}

	if n.opts.Upload {
		link(0, inputNumber, 0)
	}
	link(2, 3, 0)
	link(3, 4, 0)

	x := 4 // Producer of the current block input
	for _, st := range stages {
		num := st.first
		src := x
		if st.stride == 1 {
			link(x, num, 0)
			src = num
			num++
		}
		// Reduce, projection, 3x3, expand.
		link(src, num, 0)
		link(src, num+1, 0)
		link(num, num+2, 0)
		link(num+1, num+3, 1)
		link(num+2, num+3, 0)
		x = num + 3
		num += 4

		for b := 1; b < st.blocks; b++ {
			link(x, num, 0)
			link(x, num+3, 1)
			link(num, num+1, 0)
			link(num+1, num+2, 0)
			link(num+2, num+3, 0)
			x = num + 3
			num += 4
		}
	}

	link(x, 70, 0)
	link(70, 72, 0)
	if n.opts.Download {
		link(72, 73, 0)
	}
	return err
}
