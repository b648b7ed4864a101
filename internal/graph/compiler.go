// Package graph compiles layer descriptors into an addressable collection and
// wires the compiled layers into a dataflow DAG.
//
// Construction happens in three steps, all on the caller's goroutine:
//
//	c := graph.NewCompiler(session)
//	c.Push(desc)...              // caller-chosen order, used for addressing only
//	ls, err := c.Compile()
//	bm := graph.NewBufferManager(session, ls)
//	bm.Connect(producer, consumer, port)...
//	plan, err := bm.Finalize()  // execution order, every port bound
//
// The compiled collection is immutable and is read without locks.
package graph

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layer"
)

// Compiler collects descriptors and instantiates their operator variants.
type Compiler struct {
	session  device.Session
	descs    []layer.Descriptor
	names    map[string]int
	numbers  map[int]string
	compiled bool
}

// NewCompiler returns an empty compiler for the given session.
func NewCompiler(session device.Session) *Compiler {
	return &Compiler{
		session: session,
		names:   make(map[string]int),
		numbers: make(map[int]string),
	}
}

// Push registers a descriptor. Name and number must be unique. Async layers
// require a session with threading support.
func (c *Compiler) Push(d *layer.Descriptor) error {
	if d == nil {
		return errs.Configf("push", "", "nil descriptor")
	}
	if c.compiled {
		return errs.Configf("push", d.Name, "compiler already compiled")
	}
	if n, dup := c.names[d.Name]; dup {
		return errs.Configf("push", d.Name, "name already used by layer #%d", n)
	}
	if name, dup := c.numbers[d.Number]; dup {
		return errs.Configf("push", d.Name, "number %d already used by layer %q", d.Number, name)
	}
	if d.Async && (c.session == nil || !c.session.Threading()) {
		return errs.Configf("push", d.Name, "async transfer requires threading support")
	}

	c.names[d.Name] = d.Number
	c.numbers[d.Number] = d.Name
	c.descs = append(c.descs, *d)
	return nil
}

// Len returns the number of pushed descriptors.
func (c *Compiler) Len() int { return len(c.descs) }

// Compile instantiates one layer per descriptor in push order. The compiler
// refuses further pushes afterwards.
func (c *Compiler) Compile() (*Layers, error) {
	if c.compiled {
		return nil, errs.Configf("compile", "", "compiler already compiled")
	}
	start := time.Now()

	ls := &Layers{
		all:      make([]*layer.Layer, 0, len(c.descs)),
		byName:   make(map[string]*layer.Layer, len(c.descs)),
		byNumber: make(map[int]*layer.Layer, len(c.descs)),
		index:    make(map[*layer.Layer]int, len(c.descs)),
	}
	for i := range c.descs {
		l, err := layer.New(&c.descs[i])
		if err != nil {
			return nil, err
		}
		ls.index[l] = len(ls.all)
		ls.all = append(ls.all, l)
		ls.byName[l.Name()] = l
		ls.byNumber[l.Number()] = l
	}
	c.compiled = true

	klog.V(1).Infof("graph: compiled %d layers in %s", len(ls.all), time.Since(start))
	return ls, nil
}

// Layers is the read-only compiled layer collection.
type Layers struct {
	all      []*layer.Layer
	byName   map[string]*layer.Layer
	byNumber map[int]*layer.Layer
	index    map[*layer.Layer]int
}

// Len returns the number of layers.
func (ls *Layers) Len() int { return len(ls.all) }

// At returns the i-th layer in push order.
func (ls *Layers) At(i int) *layer.Layer { return ls.all[i] }

// All returns the layers in push order.
func (ls *Layers) All() []*layer.Layer {
	return append([]*layer.Layer(nil), ls.all...)
}

// ByName looks a layer up by name.
func (ls *Layers) ByName(name string) (*layer.Layer, bool) {
	l, ok := ls.byName[name]
	return l, ok
}

// ByNumber looks a layer up by number.
func (ls *Layers) ByNumber(n int) (*layer.Layer, bool) {
	l, ok := ls.byNumber[n]
	return l, ok
}

// Number is ByNumber reporting a missing layer as a graph error.
func (ls *Layers) Number(n int) (*layer.Layer, error) {
	l, ok := ls.byNumber[n]
	if !ok {
		return nil, errs.Graphf("lookup", "", "no layer #%d", n)
	}
	return l, nil
}

// Contains reports whether l belongs to this collection.
func (ls *Layers) Contains(l *layer.Layer) bool {
	_, ok := ls.index[l]
	return ok
}
