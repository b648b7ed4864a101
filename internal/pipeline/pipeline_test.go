package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layout"
)

var spec = layout.ShapeSpec{Channels: 1, Height: 1, Width: 2, Type: layout.Uint8}

type recorder struct {
	mu     sync.Mutex
	events []Notification
}

func (r *recorder) hook(n Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, e := range r.events {
		out[i] = e.State
	}
	return out
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	assert.Equal(t, uint64(0), s.Last())
	assert.Equal(t, uint64(1), s.Next())
	assert.Equal(t, uint64(2), s.Next())
	assert.Equal(t, uint64(2), s.Last())
}

func TestUploadPoolFIFO(t *testing.T) {
	var rec recorder
	p, err := NewUploadPool("in", spec, 2, rec.hook, 0)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte{1, 2}
	require.NoError(t, p.Submit(ctx, data, spec))
	data[0] = 9 // the pool holds its own copy

	slot, buf, ok := p.Take()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, buf.Bytes())
	p.Commence(slot, 1)

	require.NoError(t, p.Submit(ctx, []byte{3, 4}, spec))
	slot2, buf2, ok := p.Take()
	require.True(t, ok)
	assert.NotEqual(t, slot, slot2)
	assert.Equal(t, []byte{3, 4}, buf2.Bytes())

	p.Complete(slot, 1)
	p.Commence(slot2, 2)
	p.Complete(slot2, 2)

	assert.Equal(t, []State{Commenced, Done, Commenced, Done}, rec.states())
	assert.Equal(t, uint64(2), rec.events[3].Seq)
	assert.Equal(t, Upload, rec.events[0].Direction)
}

func TestUploadPoolBlocksUntilCommenced(t *testing.T) {
	p, err := NewUploadPool("in", spec, 2, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, []byte{1, 2}, spec))

	done := make(chan error, 1)
	go func() { done <- p.Submit(ctx, []byte{3, 4}, spec) }()

	select {
	case <-done:
		t.Fatal("second submit must wait for the first to be commenced")
	case <-time.After(50 * time.Millisecond):
	}

	slot, _, ok := p.Take()
	require.True(t, ok)
	p.Commence(slot, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second submit did not resume after commence")
	}
}

func TestUploadPoolThirdSubmitWaitsForComplete(t *testing.T) {
	p, err := NewUploadPool("in", spec, 2, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	for seq := uint64(1); seq <= 2; seq++ {
		require.NoError(t, p.Submit(ctx, []byte{1, 2}, spec))
		slot, _, ok := p.Take()
		require.True(t, ok)
		p.Commence(slot, seq)
	}

	done := make(chan error, 1)
	go func() { done <- p.Submit(ctx, []byte{5, 6}, spec) }()

	select {
	case <-done:
		t.Fatal("third submit must wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}

	p.Complete(0, 1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("third submit did not resume after complete")
	}
}

func TestUploadPoolTimeout(t *testing.T) {
	p, err := NewUploadPool("in", spec, 1, nil, 20*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, []byte{1, 2}, spec))
	err = p.Submit(ctx, []byte{1, 2}, spec)
	assert.ErrorIs(t, err, errs.ErrExhausted)
}

func TestUploadPoolContextCancel(t *testing.T) {
	p, err := NewUploadPool("in", spec, 1, nil, 0)
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), []byte{1, 2}, spec))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err = p.Submit(ctx, []byte{1, 2}, spec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, errs.ErrExhausted)
}

func TestUploadPoolRejectsMismatchedInput(t *testing.T) {
	p, err := NewUploadPool("in", spec, 1, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, p.Submit(ctx, []byte{1}, spec), errs.ErrConfiguration)
	other := spec
	other.Width = 1
	assert.ErrorIs(t, p.Submit(ctx, []byte{1}, other), errs.ErrConfiguration)
	assert.Equal(t, 0, p.Pending())
}

func TestUploadPoolDrain(t *testing.T) {
	p, err := NewUploadPool("in", spec, 2, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, []byte{1, 2}, spec))
	slot, _, _ := p.Take()
	p.Commence(slot, 1)

	drained := make(chan error, 1)
	go func() { drained <- p.Drain(ctx) }()
	select {
	case <-drained:
		t.Fatal("drain returned with a slot in flight")
	case <-time.After(50 * time.Millisecond):
	}

	p.Complete(slot, 1)
	require.NoError(t, <-drained)
	assert.ErrorIs(t, p.Submit(ctx, []byte{1, 2}, spec), ErrClosed)
}

func TestDownloadRingSwap(t *testing.T) {
	var rec recorder
	r, err := NewDownloadRing("out", spec, 2, rec.hook, 0)
	require.NoError(t, err)
	ctx := context.Background()

	var bufs []*layout.HostBuffer
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, r.Reserve(ctx))
		buf := r.Commence(seq)
		r.Complete(seq, buf)
		bufs = append(bufs, buf)
	}
	assert.NotSame(t, bufs[0], bufs[1])
	assert.Same(t, bufs[0], bufs[2])

	latest, seq := r.Latest()
	assert.Same(t, bufs[2], latest)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, []State{Commenced, Done, Commenced, Done, Commenced, Done}, rec.states())
	assert.Same(t, bufs[1], rec.events[3].Buffer)
}

func TestDownloadRingBackpressure(t *testing.T) {
	r, err := NewDownloadRing("out", spec, 2, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Reserve(ctx))
	require.NoError(t, r.Reserve(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Reserve(ctx) }()
	select {
	case <-done:
		t.Fatal("reserve must block while the ring is full")
	case <-time.After(50 * time.Millisecond):
	}

	buf := r.Commence(1)
	r.Complete(1, buf)
	require.NoError(t, <-done)

	short, err := NewDownloadRing("out", spec, 1, nil, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, short.Reserve(ctx))
	assert.ErrorIs(t, short.Reserve(ctx), errs.ErrExhausted)
	short.Cancel()
	assert.NoError(t, short.Reserve(ctx))
}

func TestDownloadRingWaitFor(t *testing.T) {
	r, err := NewDownloadRing("out", spec, 2, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	waited := make(chan error, 1)
	go func() { waited <- r.WaitFor(ctx, 2) }()

	require.NoError(t, r.Reserve(ctx))
	r.Complete(1, r.Commence(1))
	select {
	case <-waited:
		t.Fatal("WaitFor(2) returned after pass 1")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.Reserve(ctx))
	r.Complete(2, r.Commence(2))
	require.NoError(t, <-waited)
	assert.Equal(t, uint64(2), r.Watermark())

	// Already reached.
	assert.NoError(t, r.WaitFor(ctx, 1))
}

func TestDownloadRingFail(t *testing.T) {
	r, err := NewDownloadRing("out", spec, 1, nil, 0)
	require.NoError(t, err)
	ctx := context.Background()

	waited := make(chan error, 1)
	go func() { waited <- r.WaitFor(ctx, 1) }()

	boom := errs.Device("submit", "out", assert.AnError)
	r.Fail(boom)
	assert.ErrorIs(t, <-waited, errs.ErrDevice)
	assert.ErrorIs(t, r.Reserve(ctx), errs.ErrDevice)
}
