package layer

import (
	"fmt"
	"sync"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layout"
	"github.com/born-ml/tilenet/internal/parallel"
)

// Layer is a compiled operator instance bound to a descriptor.
//
// The descriptor and port contracts never change after New. Parameters are
// set once, before the first pass.
type Layer struct {
	desc   Descriptor
	inputs []layout.ShapeSpec
	output layout.ShapeSpec
	run    Handler

	paramsOnce sync.Once
	params     []float32
}

// New compiles a descriptor into a layer using the dispatch table.
func New(d *Descriptor) (*Layer, error) {
	if d == nil {
		return nil, errs.Configf("compile", "", "nil descriptor")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	v := variants[d.Kind]
	if v.run == nil {
		return nil, errs.Configf("compile", d.Name, "no operator registered for kind %s", d.Kind)
	}

	l := &Layer{desc: *d, output: d.OutputSpec(), run: v.run}
	if d.Kind != Upload {
		l.inputs = append(l.inputs, d.InputSpec())
	}
	if d.Residual {
		l.inputs = append(l.inputs, l.output)
	}
	return l, nil
}

// Name returns the unique layer name.
func (l *Layer) Name() string { return l.desc.Name }

// Number returns the unique layer number.
func (l *Layer) Number() int { return l.desc.Number }

// Kind returns the operator variant.
func (l *Layer) Kind() Kind { return l.desc.Kind }

// Descriptor returns a copy of the layer's configuration.
func (l *Layer) Descriptor() Descriptor { return l.desc }

// Async reports whether the layer uses pooled host buffers.
func (l *Layer) Async() bool { return l.desc.Async }

// Inputs returns the port contracts. Port 0 is the primary input; port 1, if
// present, is the residual input and requires exact shape equality.
func (l *Layer) Inputs() []layout.ShapeSpec {
	return append([]layout.ShapeSpec(nil), l.inputs...)
}

// Output returns the output contract. For a download layer it describes the
// host buffer the layer fills.
func (l *Layer) Output() layout.ShapeSpec { return l.output }

// HasDeviceOutput reports whether the layer writes a device surface.
func (l *Layer) HasDeviceOutput() bool { return l.desc.Kind != Download }

// HostSpec returns the host buffer layout of an upload or download layer.
func (l *Layer) HostSpec() layout.ShapeSpec {
	if l.desc.Kind == Upload {
		return l.desc.InputSpec()
	}
	return l.output
}

// ParameterCount returns the expected parameter blob length.
func (l *Layer) ParameterCount() int { return l.desc.ParameterCount() }

// SetParameters installs the parameter blob. It may be called once.
func (l *Layer) SetParameters(p []float32) error {
	if want := l.desc.ParameterCount(); len(p) != want {
		return errs.Configf("load parameters", l.desc.Name, "got %d values, want %d", len(p), want)
	}
	set := false
	l.paramsOnce.Do(func() {
		l.params = append([]float32(nil), p...)
		set = true
	})
	if !set {
		return errs.Configf("load parameters", l.desc.Name, "parameters already loaded")
	}
	return nil
}

// parameters returns the blob, or zeros when none was loaded.
func (l *Layer) parameters() []float32 {
	l.paramsOnce.Do(func() {
		l.params = make([]float32, l.desc.ParameterCount())
	})
	return l.params
}

// String implements fmt.Stringer.
func (l *Layer) String() string {
	return fmt.Sprintf("%s %q (#%d)", l.desc.Kind, l.desc.Name, l.desc.Number)
}

// Context is the environment of one layer execution within a pass.
type Context struct {
	Session  device.Session
	Seq      uint64
	Parallel parallel.Config

	// Inputs holds the bound surface of every port.
	Inputs []device.Surface
	// Output is the layer's surface; nil for downloads.
	Output device.Surface
	// Host is the upload source or download target.
	Host *layout.HostBuffer
}

// Forward runs the layer once.
func (l *Layer) Forward(x *Context) error {
	if len(x.Inputs) != len(l.inputs) {
		return errs.Graphf("forward", l.desc.Name, "got %d bound inputs, want %d", len(x.Inputs), len(l.inputs))
	}
	if l.HasDeviceOutput() && x.Output == nil {
		return errs.Graphf("forward", l.desc.Name, "no output surface bound")
	}
	return l.run(x, l)
}

// readPort reads the logical values of an input port in channelwise order.
func (x *Context) readPort(l *Layer, port int) ([]float32, error) {
	s := x.Inputs[port]
	surface := make([]float32, s.Grid().Elements())
	if err := x.Session.Read(s, surface); err != nil {
		return nil, errs.Device("read", l.desc.Name, err)
	}
	spec := l.inputs[port]
	values := make([]float32, spec.Values())
	if err := layout.DecodeFloat32(s.Grid(), surface, values, x.Parallel); err != nil {
		return nil, errs.Graphf("read", l.desc.Name, "port %d: %v", port, err)
	}
	return values, nil
}

// writeOutput encodes channelwise values onto the output surface.
func (x *Context) writeOutput(l *Layer, values []float32) error {
	g := x.Output.Grid()
	surface := make([]float32, g.Elements())
	if err := layout.EncodeFloat32(g, values, surface, x.Parallel); err != nil {
		return errs.Graphf("write", l.desc.Name, "%v", err)
	}
	if err := x.Session.Write(x.Output, surface); err != nil {
		return errs.Device("write", l.desc.Name, err)
	}
	return nil
}
