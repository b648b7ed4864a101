// Package pipeline implements the host side of asynchronous transfers: the
// bounded upload pool, the rotating download ring and pass sequence numbers.
//
// Both pools are guarded by a mutex and a condition variable. Blocking calls
// honor their context and an optional acquire timeout; an expired timeout is
// reported as errs.ErrExhausted, since in practice it means the caller
// uploaded without calling Forward.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/errs"
)

// DefaultAcquireTimeout bounds pool waits unless configured otherwise.
const DefaultAcquireTimeout = 30 * time.Second

// ErrClosed is returned by pools after Drain.
var ErrClosed = errors.New("pipeline: closed")

var errTimeout = errors.New("pipeline: acquire timeout")

// Sequencer hands out strictly increasing pass numbers, starting at 1.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns a new sequence number.
func (s *Sequencer) Next() uint64 { return s.n.Add(1) }

// Last returns the most recently issued number, or 0.
func (s *Sequencer) Last() uint64 { return s.n.Load() }

// waitLocked blocks on c until ready reports true. c.L must be held.
func waitLocked(ctx context.Context, c *sync.Cond, timeout time.Duration, ready func() bool) error {
	if ready() {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	defer stop()

	for !ready() {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		c.Wait()
	}
	return nil
}

// waitError classifies a failed wait.
func waitError(op, layer string, timeout time.Duration, err error) error {
	if errors.Is(err, errTimeout) {
		klog.Warningf("pipeline: %s on %q timed out after %s; was Forward called after every upload?", op, layer, timeout)
		return errs.Exhausted(op, layer, err)
	}
	return pkgerrors.WithMessagef(err, "pipeline: %s on %q", op, layer)
}

// Watermark tracks the highest completed pass.
type Watermark struct {
	mu      sync.Mutex
	cond    *sync.Cond
	seq     uint64
	failure error
	closed  bool
}

// NewWatermark returns a watermark at 0.
func NewWatermark() *Watermark {
	w := &Watermark{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Advance records that pass seq completed.
func (w *Watermark) Advance(seq uint64) {
	w.mu.Lock()
	w.seq = max(w.seq, seq)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Fail wakes every waiter with err. The first failure is kept.
func (w *Watermark) Fail(err error) {
	w.mu.Lock()
	if w.failure == nil {
		w.failure = err
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Close wakes every waiter with ErrClosed.
func (w *Watermark) Close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Value returns the highest completed sequence number.
func (w *Watermark) Value() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Wait blocks until a pass with sequence number >= seq completed.
func (w *Watermark) Wait(ctx context.Context, seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := waitLocked(ctx, w.cond, 0, func() bool {
		return w.seq >= seq || w.failure != nil || w.closed
	})
	switch {
	case err != nil:
		return pkgerrors.WithMessagef(err, "pipeline: wait for pass %d", seq)
	case w.seq >= seq:
		return nil
	case w.failure != nil:
		return w.failure
	default:
		return ErrClosed
	}
}
