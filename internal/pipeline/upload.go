package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layout"
)

// DefaultSlots is the default bound of the upload pool and the download ring.
const DefaultSlots = 2

type uploadSlot struct {
	buf   *layout.HostBuffer
	state State
	seq   uint64
}

// UploadPool is a bounded set of host buffers feeding one upload layer.
//
// Submit copies caller data into the next free slot and marks the pool busy
// until the runtime commences that slot, so at most one submitted upload
// waits for Forward at any time. Slots are handed out and taken in FIFO
// order.
type UploadPool struct {
	layer   string
	spec    layout.ShapeSpec
	hook    Hook
	timeout time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	slots    []uploadSlot
	free     []int
	pending  []int
	inflight int
	busy     bool
	closed   bool
}

// NewUploadPool creates a pool of n buffers laid out as spec. hook may be nil.
// A zero timeout waits without bound.
func NewUploadPool(layer string, spec layout.ShapeSpec, n int, hook Hook, timeout time.Duration) (*UploadPool, error) {
	if n <= 0 {
		return nil, errs.Configf("upload pool", layer, "pool bound %d must be positive", n)
	}
	p := &UploadPool{
		layer:   layer,
		spec:    spec,
		hook:    hook,
		timeout: timeout,
		slots:   make([]uploadSlot, n),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.slots {
		buf, err := layout.NewHostBuffer(spec)
		if err != nil {
			return nil, errs.Configf("upload pool", layer, "%v", err)
		}
		p.slots[i].buf = buf
		p.free = append(p.free, i)
	}
	return p, nil
}

// Spec returns the layout of the pool buffers.
func (p *UploadPool) Spec() layout.ShapeSpec { return p.spec }

// Submit deep-copies data into a pool-owned buffer. The caller may reuse
// data as soon as Submit returns.
//
// Submit blocks until a slot is free and the previous submission was taken
// by the runtime. Every Submit must be followed by a Forward; otherwise the
// pool drains and the next Submit waits until the acquire timeout.
func (p *UploadPool) Submit(ctx context.Context, data []byte, spec layout.ShapeSpec) error {
	if err := checkInput(p.layer, p.spec, data, spec); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := waitLocked(ctx, p.cond, p.timeout, func() bool {
		return p.closed || (!p.busy && len(p.free) > 0)
	})
	if err != nil {
		return waitError("upload acquire", p.layer, p.timeout, err)
	}
	if p.closed {
		return ErrClosed
	}

	idx := p.free[0]
	p.free = p.free[1:]
	s := &p.slots[idx]
	if err := s.buf.CopyFrom(data); err != nil {
		p.free = append([]int{idx}, p.free...)
		return errs.Configf("set input", p.layer, "%v", err)
	}
	s.state, s.seq = Idle, 0
	p.pending = append(p.pending, idx)
	p.busy = true
	return nil
}

// checkInput validates caller data against a host buffer layout.
func checkInput(layer string, want layout.ShapeSpec, data []byte, got layout.ShapeSpec) error {
	if !want.SameGeometry(got) || want.Type != got.Type || want.Order != got.Order {
		return errs.Configf("set input", layer, "input %s does not match %s", got, want)
	}
	if len(data) != want.Bytes() {
		return errs.Configf("set input", layer, "got %d bytes, want %d", len(data), want.Bytes())
	}
	return nil
}

// Pending returns the number of submitted slots not yet taken.
func (p *UploadPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Take hands the oldest submitted slot to the runtime.
func (p *UploadPool) Take() (slot int, buf *layout.HostBuffer, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil, false
	}
	idx := p.pending[0]
	p.pending = p.pending[1:]
	p.inflight++
	return idx, p.slots[idx].buf, true
}

// Commence records that the runtime owns the slot for pass seq. The busy
// flag clears, releasing the next Submit, and the hook fires.
func (p *UploadPool) Commence(slot int, seq uint64) {
	p.mu.Lock()
	s := &p.slots[slot]
	s.state, s.seq = Commenced, seq
	p.busy = false
	p.cond.Broadcast()
	p.mu.Unlock()

	p.notify(seq, Commenced)
}

// Complete returns the slot to the free pool.
func (p *UploadPool) Complete(slot int, seq uint64) {
	p.mu.Lock()
	s := &p.slots[slot]
	s.state = Done
	p.free = append(p.free, slot)
	p.inflight--
	p.cond.Broadcast()
	p.mu.Unlock()

	p.notify(seq, Done)
}

func (p *UploadPool) notify(seq uint64, state State) {
	if p.hook != nil {
		p.hook(Notification{Layer: p.layer, Seq: seq, Direction: Upload, State: state})
	}
}

// Drain waits until no taken slot is in flight, then closes the pool.
// Submitted slots that were never taken are discarded.
func (p *UploadPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := waitLocked(ctx, p.cond, 0, func() bool { return p.inflight == 0 })
	p.closed = true
	p.pending = nil
	p.cond.Broadcast()
	if err != nil {
		return waitError("upload drain", p.layer, 0, err)
	}
	return nil
}
