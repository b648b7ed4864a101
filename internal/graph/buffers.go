package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/layout"
)

// Slot is the device surface written by one producer and read by all of its
// consumers.
type Slot struct {
	producer  *layer.Layer
	surface   device.Surface
	consumers int
	pending   atomic.Int64
}

// Producer returns the layer writing the slot.
func (s *Slot) Producer() *layer.Layer { return s.producer }

// Surface returns the shared device surface.
func (s *Slot) Surface() device.Surface { return s.surface }

// Consumers returns the number of bound consumer ports.
func (s *Slot) Consumers() int { return s.consumers }

// Begin arms the slot for a new pass.
func (s *Slot) Begin() { s.pending.Store(int64(s.consumers)) }

// Observe records that one consumer port has read the slot and reports
// whether every consumer has now done so.
func (s *Slot) Observe() bool { return s.pending.Add(-1) <= 0 }

// Settled reports whether all consumers observed the slot in this pass.
func (s *Slot) Settled() bool { return s.pending.Load() <= 0 }

// Plan is the finalized execution order. Producers precede consumers; ties
// keep push order.
type Plan struct {
	order []*layer.Layer
}

// Order returns the layers in execution order.
func (p *Plan) Order() []*layer.Layer {
	return append([]*layer.Layer(nil), p.order...)
}

// Len returns the number of layers in the plan.
func (p *Plan) Len() int { return len(p.order) }

type hostOutput struct {
	buf   *layout.HostBuffer
	owned bool
}

// BufferManager owns the surfaces of a compiled graph and the edges between
// its layers.
type BufferManager struct {
	mu      sync.Mutex
	session device.Session
	layers  *Layers

	slots []*Slot
	byOut map[*layer.Layer]*Slot
	ports map[*layer.Layer][]*Slot
	succ  map[*layer.Layer][]*layer.Layer
	hosts map[*layer.Layer]*hostOutput

	plan *Plan
	torn bool
}

// NewBufferManager creates a buffer manager for a compiled collection.
func NewBufferManager(session device.Session, layers *Layers) *BufferManager {
	bm := &BufferManager{
		session: session,
		layers:  layers,
		byOut:   make(map[*layer.Layer]*Slot),
		ports:   make(map[*layer.Layer][]*Slot, layers.Len()),
		succ:    make(map[*layer.Layer][]*layer.Layer),
		hosts:   make(map[*layer.Layer]*hostOutput),
	}
	for _, l := range layers.all {
		bm.ports[l] = make([]*Slot, len(l.Inputs()))
	}
	return bm
}

// Connect binds producer's output to consumer's input port. The producer's
// surface is allocated on its first connection and shared with every later
// consumer.
func (bm *BufferManager) Connect(producer, consumer *layer.Layer, port int) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	const op = "connect"
	switch {
	case bm.torn:
		return errs.Graphf(op, "", "buffer manager torn down")
	case bm.plan != nil:
		return errs.Graphf(op, "", "graph already finalized")
	case producer == nil || consumer == nil:
		return errs.Graphf(op, "", "nil layer")
	case !bm.layers.Contains(producer):
		return errs.Graphf(op, producer.Name(), "producer is not part of the compiled graph")
	case !bm.layers.Contains(consumer):
		return errs.Graphf(op, consumer.Name(), "consumer is not part of the compiled graph")
	case !producer.HasDeviceOutput():
		return errs.Graphf(op, producer.Name(), "%s layers have no device output", producer.Kind())
	}

	inputs := consumer.Inputs()
	if port < 0 || port >= len(inputs) {
		return errs.Graphf(op, consumer.Name(), "port %d out of range (layer has %d)", port, len(inputs))
	}
	if prev := bm.ports[consumer][port]; prev != nil {
		return errs.Graphf(op, consumer.Name(), "port %d already bound to %q", port, prev.producer.Name())
	}
	if producer == consumer || bm.reaches(consumer, producer) {
		return errs.Graphf(op, consumer.Name(), "connecting %q to port %d creates a cycle", producer.Name(), port)
	}

	out, want := producer.Output(), inputs[port]
	if port == 0 && !out.SameGeometry(want) {
		return errs.Graphf(op, consumer.Name(), "port 0 expects %s, %q produces %s", want, producer.Name(), out)
	}
	if port > 0 && !out.Equal(want) {
		return errs.Graphf(op, consumer.Name(), "port %d expects exactly %s, %q produces %s", port, want, producer.Name(), out)
	}

	slot, err := bm.slotFor(producer)
	if err != nil {
		return err
	}
	slot.consumers++
	bm.ports[consumer][port] = slot
	bm.succ[producer] = append(bm.succ[producer], consumer)

	klog.V(2).Infof("graph: %s -> %s:%d (slot consumers %d)", producer.Name(), consumer.Name(), port, slot.consumers)
	return nil
}

// slotFor returns the producer's slot, allocating its surface on first use.
func (bm *BufferManager) slotFor(producer *layer.Layer) (*Slot, error) {
	if s, ok := bm.byOut[producer]; ok {
		return s, nil
	}
	surface, err := bm.session.Allocate(producer.Output().Grid())
	if err != nil {
		return nil, errs.Device("allocate", producer.Name(), err)
	}
	s := &Slot{producer: producer, surface: surface}
	bm.byOut[producer] = s
	bm.slots = append(bm.slots, s)
	return s, nil
}

// reaches reports whether to is reachable from from along existing edges.
func (bm *BufferManager) reaches(from, to *layer.Layer) bool {
	seen := make(map[*layer.Layer]bool)
	var visit func(*layer.Layer) bool
	visit = func(l *layer.Layer) bool {
		if l == to {
			return true
		}
		if seen[l] {
			return false
		}
		seen[l] = true
		for _, next := range bm.succ[l] {
			if visit(next) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// CreateHostOutput attaches a terminal host buffer to a download layer for
// the synchronous output path. An owned buffer is released by Teardown; an
// unowned one stays valid for the caller afterwards.
func (bm *BufferManager) CreateHostOutput(l *layer.Layer, owned bool) (*layout.HostBuffer, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	const op = "create host output"
	switch {
	case l == nil || !bm.layers.Contains(l):
		return nil, errs.Graphf(op, "", "layer is not part of the compiled graph")
	case l.Kind() != layer.Download:
		return nil, errs.Graphf(op, l.Name(), "host outputs attach to download layers, not %s", l.Kind())
	case bm.hosts[l] != nil:
		return nil, errs.Graphf(op, l.Name(), "host output already created")
	}
	buf, err := layout.NewHostBuffer(l.HostSpec())
	if err != nil {
		return nil, errs.Graphf(op, l.Name(), "%v", err)
	}
	bm.hosts[l] = &hostOutput{buf: buf, owned: owned}
	return buf, nil
}

// Finalize checks that every input port is bound and derives the execution
// order. Layers whose output nobody consumes still get a surface.
func (bm *BufferManager) Finalize() (*Plan, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.plan != nil {
		return bm.plan, nil
	}
	start := time.Now()

	var unbound []string
	for _, l := range bm.layers.all {
		for port, s := range bm.ports[l] {
			if s == nil {
				unbound = append(unbound, fmt.Sprintf("%s:%d", l.Name(), port))
			}
		}
	}
	if len(unbound) > 0 {
		return nil, errs.Graphf("finalize", "", "unbound input ports: %s", strings.Join(unbound, ", "))
	}

	for _, l := range bm.layers.all {
		if l.HasDeviceOutput() {
			if _, err := bm.slotFor(l); err != nil {
				return nil, err
			}
		}
	}

	// Kahn's algorithm, seeded and drained in push order.
	indegree := make(map[*layer.Layer]int, bm.layers.Len())
	for _, l := range bm.layers.all {
		indegree[l] = len(bm.ports[l])
	}
	order := make([]*layer.Layer, 0, bm.layers.Len())
	var ready []*layer.Layer
	for _, l := range bm.layers.all {
		if indegree[l] == 0 {
			ready = append(ready, l)
		}
	}
	for len(ready) > 0 {
		l := ready[0]
		ready = ready[1:]
		order = append(order, l)
		for _, next := range bm.succ[l] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != bm.layers.Len() {
		return nil, errs.Graphf("finalize", "", "graph contains a cycle")
	}

	bm.plan = &Plan{order: order}
	klog.V(1).Infof("graph: finalized %d layers, %d surfaces in %s", len(order), len(bm.slots), time.Since(start))
	return bm.plan, nil
}

// Inputs returns the surfaces bound to l's ports.
func (bm *BufferManager) Inputs(l *layer.Layer) []device.Surface {
	ports := bm.ports[l]
	out := make([]device.Surface, len(ports))
	for i, s := range ports {
		if s != nil {
			out[i] = s.surface
		}
	}
	return out
}

// InputSlots returns the slots bound to l's ports.
func (bm *BufferManager) InputSlots(l *layer.Layer) []*Slot {
	return append([]*Slot(nil), bm.ports[l]...)
}

// Output returns l's output surface, or nil for download layers.
func (bm *BufferManager) Output(l *layer.Layer) device.Surface {
	if s := bm.byOut[l]; s != nil {
		return s.surface
	}
	return nil
}

// Slots returns every allocated slot.
func (bm *BufferManager) Slots() []*Slot {
	return append([]*Slot(nil), bm.slots...)
}

// HostOutput returns the host buffer created for a download layer, if any.
func (bm *BufferManager) HostOutput(l *layer.Layer) *layout.HostBuffer {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if h := bm.hosts[l]; h != nil {
		return h.buf
	}
	return nil
}

// Teardown frees every surface exactly once. Later calls are no-ops.
func (bm *BufferManager) Teardown() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if bm.torn {
		return nil
	}
	bm.torn = true

	var errList []error
	for _, s := range bm.slots {
		if err := bm.session.Free(s.surface); err != nil {
			errList = append(errList, errs.Device("free", s.producer.Name(), err))
		}
		s.surface = nil
	}
	for l, h := range bm.hosts {
		if h.owned {
			delete(bm.hosts, l)
		}
	}
	klog.V(1).Infof("graph: released %d surfaces", len(bm.slots))
	return errors.Join(errList...)
}
