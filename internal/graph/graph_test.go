package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tilenet/internal/device/cpu"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layer"
)

func newSession(t *testing.T, opts ...cpu.Option) *cpu.Session {
	s, err := cpu.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func desc(t *testing.T, kind layer.Kind, name string, number int, opts ...layer.Option) *layer.Descriptor {
	opts = append([]layer.Option{layer.WithShape(3, 4, 4, 3)}, opts...)
	d, err := layer.NewDescriptor(kind, name, number, opts...)
	require.NoError(t, err)
	return d
}

// diamond compiles upload -> bn -> {left, right}, left -> right:1, right -> download.
func diamond(t *testing.T, c *Compiler) *Layers {
	require.NoError(t, c.Push(desc(t, layer.Upload, "in", 0)))
	require.NoError(t, c.Push(desc(t, layer.BatchNorm, "bn", 1)))
	require.NoError(t, c.Push(desc(t, layer.Identity, "left", 2)))
	require.NoError(t, c.Push(desc(t, layer.Identity, "right", 3, layer.WithResidual(layer.ActReLU, false))))
	require.NoError(t, c.Push(desc(t, layer.Download, "out", 4)))
	ls, err := c.Compile()
	require.NoError(t, err)
	return ls
}

func connect(t *testing.T, bm *BufferManager, ls *Layers, from, to, port int) {
	t.Helper()
	p, err := ls.Number(from)
	require.NoError(t, err)
	c, err := ls.Number(to)
	require.NoError(t, err)
	require.NoError(t, bm.Connect(p, c, port))
}

func TestCompilerCollisions(t *testing.T) {
	s := newSession(t)

	c := NewCompiler(s)
	require.NoError(t, c.Push(desc(t, layer.Identity, "a", 1)))
	assert.ErrorIs(t, c.Push(desc(t, layer.Identity, "a", 2)), errs.ErrConfiguration)
	assert.ErrorIs(t, c.Push(desc(t, layer.Identity, "b", 1)), errs.ErrConfiguration)
	assert.ErrorIs(t, c.Push(nil), errs.ErrConfiguration)
	assert.Equal(t, 1, c.Len())

	_, err := c.Compile()
	require.NoError(t, err)
	assert.ErrorIs(t, c.Push(desc(t, layer.Identity, "c", 3)), errs.ErrConfiguration)
	_, err = c.Compile()
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestCompilerRejectsAsyncWithoutThreading(t *testing.T) {
	c := NewCompiler(newSession(t, cpu.WithoutThreading()))
	err := c.Push(desc(t, layer.Upload, "in", 0, layer.WithAsync(nil)))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	c = NewCompiler(newSession(t))
	assert.NoError(t, c.Push(desc(t, layer.Upload, "in", 0, layer.WithAsync(nil))))
}

func TestLayersAddressing(t *testing.T) {
	ls := diamond(t, NewCompiler(newSession(t)))

	require.Equal(t, 5, ls.Len())
	bn, ok := ls.ByName("bn")
	require.True(t, ok)
	byNum, ok := ls.ByNumber(1)
	require.True(t, ok)
	assert.Same(t, bn, byNum)
	assert.Same(t, bn, ls.At(1))
	assert.Equal(t, layer.BatchNorm, bn.Kind())

	_, ok = ls.ByName("missing")
	assert.False(t, ok)
	_, err := ls.Number(99)
	assert.ErrorIs(t, err, errs.ErrGraph)

	all := ls.All()
	all[0] = nil
	assert.NotNil(t, ls.At(0), "All returns a copy")
}

func TestFinalizeOrderAndFanOut(t *testing.T) {
	s := newSession(t)
	ls := diamond(t, NewCompiler(s))
	bm := NewBufferManager(s, ls)

	// Connect out of order; the plan must still put producers first.
	connect(t, bm, ls, 3, 4, 0)
	connect(t, bm, ls, 2, 3, 1)
	connect(t, bm, ls, 1, 3, 0)
	connect(t, bm, ls, 1, 2, 0)
	connect(t, bm, ls, 0, 1, 0)

	plan, err := bm.Finalize()
	require.NoError(t, err)

	var names []string
	for _, l := range plan.Order() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"in", "bn", "left", "right", "out"}, names)

	// One surface per device-output producer; bn is shared by two consumers.
	assert.Equal(t, uint64(4), s.Stats().Allocations)
	bn, _ := ls.ByName("bn")
	left, _ := ls.ByName("left")
	right, _ := ls.ByName("right")
	assert.Same(t, bm.Output(bn), bm.Inputs(left)[0])
	assert.Same(t, bm.Output(bn), bm.Inputs(right)[0])
	assert.Same(t, bm.Output(left), bm.Inputs(right)[1])

	out, _ := ls.ByName("out")
	assert.Nil(t, bm.Output(out))

	var bnSlot *Slot
	for _, slot := range bm.Slots() {
		if slot.Producer() == bn {
			bnSlot = slot
		}
	}
	require.NotNil(t, bnSlot)
	assert.Equal(t, 2, bnSlot.Consumers())

	again, err := bm.Finalize()
	require.NoError(t, err)
	assert.Same(t, plan, again)
	assert.ErrorIs(t, bm.Connect(bn, left, 0), errs.ErrGraph, "connect after finalize")

	require.NoError(t, bm.Teardown())
	assert.Equal(t, uint64(4), s.Stats().Frees)
	require.NoError(t, bm.Teardown())
	assert.Equal(t, uint64(4), s.Stats().Frees)
}

func TestFinalizeListsUnboundPorts(t *testing.T) {
	s := newSession(t)
	ls := diamond(t, NewCompiler(s))
	bm := NewBufferManager(s, ls)
	connect(t, bm, ls, 0, 1, 0)
	connect(t, bm, ls, 1, 2, 0)

	_, err := bm.Finalize()
	require.ErrorIs(t, err, errs.ErrGraph)
	assert.Contains(t, err.Error(), "right:0")
	assert.Contains(t, err.Error(), "right:1")
	assert.Contains(t, err.Error(), "out:0")
}

func TestConnectErrors(t *testing.T) {
	s := newSession(t)
	c := NewCompiler(s)
	require.NoError(t, c.Push(desc(t, layer.Identity, "a", 1)))
	require.NoError(t, c.Push(desc(t, layer.Identity, "b", 2)))
	require.NoError(t, c.Push(desc(t, layer.Identity, "padded", 3, layer.WithInputPadding(1))))
	require.NoError(t, c.Push(desc(t, layer.Identity, "batched", 4, layer.WithBatch(2), layer.WithResidual(layer.ActNone, false))))
	require.NoError(t, c.Push(desc(t, layer.Download, "down", 5)))
	ls, err := c.Compile()
	require.NoError(t, err)

	foreign := diamond(t, NewCompiler(s))
	get := func(name string) *layer.Layer {
		l, ok := ls.ByName(name)
		require.True(t, ok)
		return l
	}
	alien, _ := foreign.ByName("bn")

	bm := NewBufferManager(s, ls)
	require.NoError(t, bm.Connect(get("a"), get("b"), 0))

	tests := []struct {
		name     string
		producer *layer.Layer
		consumer *layer.Layer
		port     int
	}{
		{"unknown producer", alien, get("b"), 0},
		{"unknown consumer", get("a"), alien, 0},
		{"port out of range", get("a"), get("b"), 1},
		{"negative port", get("a"), get("b"), -1},
		{"download producer", get("down"), get("a"), 0},
		{"port bound twice", get("a"), get("b"), 0},
		{"self loop", get("a"), get("a"), 0},
		{"cycle", get("b"), get("a"), 0},
		{"padding mismatch", get("a"), get("padded"), 0},
		{"residual batch mismatch", get("a"), get("batched"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, bm.Connect(tt.producer, tt.consumer, tt.port), errs.ErrGraph)
		})
	}

	// Port 0 ignores batch.
	assert.NoError(t, bm.Connect(get("b"), get("batched"), 0))
}

func TestCreateHostOutput(t *testing.T) {
	s := newSession(t)
	ls := diamond(t, NewCompiler(s))
	bm := NewBufferManager(s, ls)

	out, _ := ls.ByName("out")
	bn, _ := ls.ByName("bn")

	buf, err := bm.CreateHostOutput(out, false)
	require.NoError(t, err)
	assert.Equal(t, out.HostSpec(), buf.Spec())
	assert.Same(t, buf, bm.HostOutput(out))

	_, err = bm.CreateHostOutput(out, true)
	assert.ErrorIs(t, err, errs.ErrGraph)
	_, err = bm.CreateHostOutput(bn, true)
	assert.ErrorIs(t, err, errs.ErrGraph)

	require.NoError(t, bm.Teardown())
	assert.Same(t, buf, bm.HostOutput(out), "unowned buffers survive teardown")
}

func TestSlotSettles(t *testing.T) {
	s := &Slot{consumers: 3}
	s.Begin()
	assert.False(t, s.Settled())
	assert.False(t, s.Observe())
	assert.False(t, s.Observe())
	assert.True(t, s.Observe())
	assert.True(t, s.Settled())

	s.Begin()
	assert.False(t, s.Settled())
}
