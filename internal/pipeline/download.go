package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layout"
)

// DownloadRing rotates a fixed set of host buffers between the runtime and
// the consumer of one download layer.
//
// Forward reserves a ring entry before submitting a pass and blocks while
// every entry is in flight. When the pass reaches the download, Commence
// swaps the active target; Complete hands the filled buffer to the hook
// and advances the completion watermark.
type DownloadRing struct {
	layer   string
	hook    Hook
	timeout time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	bufs      []*layout.HostBuffer
	active    int
	inflight  int
	watermark uint64
	latest    *layout.HostBuffer
	failure   error
	closed    bool
}

// NewDownloadRing creates a ring of n buffers laid out as spec.
func NewDownloadRing(layer string, spec layout.ShapeSpec, n int, hook Hook, timeout time.Duration) (*DownloadRing, error) {
	if n <= 0 {
		return nil, errs.Configf("download ring", layer, "ring size %d must be positive", n)
	}
	r := &DownloadRing{
		layer:   layer,
		hook:    hook,
		timeout: timeout,
		bufs:    make([]*layout.HostBuffer, n),
		active:  n - 1,
	}
	r.cond = sync.NewCond(&r.mu)
	for i := range r.bufs {
		buf, err := layout.NewHostBuffer(spec)
		if err != nil {
			return nil, errs.Configf("download ring", layer, "%v", err)
		}
		r.bufs[i] = buf
	}
	return r, nil
}

// Reserve blocks until fewer than n passes are in flight and claims one.
func (r *DownloadRing) Reserve(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := waitLocked(ctx, r.cond, r.timeout, func() bool {
		return r.closed || r.failure != nil || r.inflight < len(r.bufs)
	})
	switch {
	case err != nil:
		return waitError("download reserve", r.layer, r.timeout, err)
	case r.closed:
		return ErrClosed
	case r.failure != nil:
		return r.failure
	}
	r.inflight++
	return nil
}

// Cancel releases a reservation whose pass never reached the download.
func (r *DownloadRing) Cancel() {
	r.mu.Lock()
	r.inflight--
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Commence swaps the active target for pass seq and returns it.
func (r *DownloadRing) Commence(seq uint64) *layout.HostBuffer {
	r.mu.Lock()
	r.active = (r.active + 1) % len(r.bufs)
	buf := r.bufs[r.active]
	r.mu.Unlock()

	r.notify(seq, Commenced, buf)
	return buf
}

// Complete publishes buf as the result of pass seq.
func (r *DownloadRing) Complete(seq uint64, buf *layout.HostBuffer) {
	r.notify(seq, Done, buf)

	r.mu.Lock()
	r.inflight--
	r.watermark = max(r.watermark, seq)
	r.latest = buf
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *DownloadRing) notify(seq uint64, state State, buf *layout.HostBuffer) {
	if r.hook != nil {
		r.hook(Notification{Layer: r.layer, Seq: seq, Direction: Download, State: state, Buffer: buf})
	}
}

// Fail wakes every waiter with err. Later reservations fail too.
func (r *DownloadRing) Fail(err error) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Latest returns the most recently completed buffer and the watermark.
// The buffer is overwritten once the ring wraps around.
func (r *DownloadRing) Latest() (*layout.HostBuffer, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.watermark
}

// Watermark returns the highest completed sequence number.
func (r *DownloadRing) Watermark() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// WaitFor blocks until a pass with sequence number >= seq has completed.
func (r *DownloadRing) WaitFor(ctx context.Context, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := waitLocked(ctx, r.cond, 0, func() bool {
		return r.watermark >= seq || r.failure != nil || r.closed
	})
	switch {
	case err != nil:
		return waitError("wait", r.layer, 0, err)
	case r.watermark >= seq:
		return nil
	case r.failure != nil:
		return r.failure
	default:
		return ErrClosed
	}
}

// Drain waits for every reserved pass to complete, then closes the ring.
func (r *DownloadRing) Drain(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := waitLocked(ctx, r.cond, 0, func() bool { return r.inflight == 0 })
	r.closed = true
	r.cond.Broadcast()
	if err != nil {
		return waitError("download drain", r.layer, 0, err)
	}
	return nil
}
