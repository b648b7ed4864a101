package resnet

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tilenet/internal/device/cpu"
	"github.com/born-ml/tilenet/internal/engine"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/graph"
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/pipeline"
)

func byNumber(t *testing.T, descs []*layer.Descriptor) map[int]*layer.Descriptor {
	t.Helper()
	m := make(map[int]*layer.Descriptor, len(descs))
	for _, d := range descs {
		require.NotContains(t, m, d.Number, "duplicate number %d", d.Number)
		m[d.Number] = d
	}
	return m
}

func TestDescriptors(t *testing.T) {
	descs, err := New(DefaultOptions()).Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, NumLayers)

	m := byNumber(t, descs)
	assert.NotContains(t, m, 1)
	assert.NotContains(t, m, 71)
	for i := 1; i < len(descs); i++ {
		assert.Less(t, descs[i-1].Number, descs[i].Number, "descriptors are in number order")
	}

	conv3 := m[3]
	assert.Equal(t, "Conv3", conv3.Name)
	assert.Equal(t, 7, conv3.KernelSize)
	assert.Equal(t, 112, conv3.OutputHeight())
	assert.Equal(t, layer.NormBatch, conv3.PostfixNorm)

	pool := m[4]
	assert.Equal(t, layer.MaxPool, pool.Kind)
	assert.Equal(t, 56, pool.OutputWidth())
	assert.Equal(t, layer.ActReLU, pool.PrefixAct)

	assert.False(t, m[2].Deep, "input batchnorm is shallow")
	assert.Equal(t, 1, m[2].OutputPadding)

	writeBack := []int{17, 33, 57, 69}
	plain := []int{9, 13, 21, 25, 29, 37, 41, 45, 49, 53, 61, 65}
	for _, n := range writeBack {
		assert.True(t, m[n].Residual, "Conv%d", n)
		assert.True(t, m[n].WriteBack, "Conv%d", n)
		assert.Equal(t, layer.NormBatch, m[n].PostfixNorm, "Conv%d", n)
	}
	for _, n := range plain {
		assert.True(t, m[n].Residual, "Conv%d", n)
		assert.False(t, m[n].WriteBack, "Conv%d", n)
		assert.Equal(t, layer.NormNone, m[n].PostfixNorm, "Conv%d", n)
	}

	residuals := 0
	for _, d := range descs {
		if d.Residual {
			residuals++
		}
	}
	assert.Equal(t, len(writeBack)+len(plain), residuals)

	// Projection shortcuts downsample into the next stage.
	assert.Equal(t, 1, m[7].Downsample)
	for _, n := range []int{19, 35, 59} {
		assert.Equal(t, 2, m[n].Downsample, "Conv%d", n)
		assert.Equal(t, 1, m[n].KernelSize, "Conv%d", n)
	}

	assert.True(t, m[70].Global)
	assert.Equal(t, Features, m[70].OutChannels)
	assert.Equal(t, Classes, m[72].OutChannels)
	assert.Equal(t, layer.Download, m[73].Kind)
	assert.False(t, m[73].Async)
}

func TestDescriptorsWithoutTransfers(t *testing.T) {
	descs, err := New(Options{}).Descriptors()
	require.NoError(t, err)
	assert.Len(t, descs, NumLayers-2)
	assert.Equal(t, InputName, descs[0].Name)
	assert.Equal(t, LogitsName, descs[len(descs)-1].Name)
}

func TestAsyncOptions(t *testing.T) {
	var hook pipeline.Hook = func(pipeline.Notification) {}
	net := New(Options{Upload: true, Download: true, Async: true, UploadHook: hook, DownloadHook: hook})
	descs, err := net.Descriptors()
	require.NoError(t, err)

	m := byNumber(t, descs)
	for _, n := range []int{0, 73} {
		assert.True(t, m[n].Async)
		assert.NotNil(t, m[n].Hook)
	}
	assert.False(t, m[2].Async)
}

func assemble(t *testing.T, net *Network) (*graph.Layers, *graph.BufferManager) {
	t.Helper()
	session, err := cpu.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	c := graph.NewCompiler(session)
	require.NoError(t, net.Build(c))
	layers, err := c.Compile()
	require.NoError(t, err)

	bm := graph.NewBufferManager(session, layers)
	t.Cleanup(func() { _ = bm.Teardown() })
	return layers, bm
}

func TestConnectAndFinalize(t *testing.T) {
	net := New(DefaultOptions())
	layers, bm := assemble(t, net)
	require.NoError(t, net.Connect(layers, bm))

	plan, err := bm.Finalize()
	require.NoError(t, err)
	assert.Equal(t, NumLayers, plan.Len())

	order := plan.Order()
	assert.Equal(t, UploadName, order[0].Name())
	assert.Equal(t, DownloadName, order[len(order)-1].Name())

	position := make(map[string]int, len(order))
	for i, l := range order {
		position[l.Name()] = i
	}
	assert.Less(t, position["Conv7"], position["Conv9"])
	assert.Less(t, position["Conv8"], position["Conv9"])
	assert.Less(t, position["Conv53"], position["Conv57"])

	// Every layer but the download writes one surface.
	assert.Len(t, bm.Slots(), NumLayers-1)

	consumers := map[int]int{5: 2, 9: 2, 17: 2, 33: 2, 57: 2, 69: 1, 72: 1}
	for n, want := range consumers {
		l, err := layers.Number(n)
		require.NoError(t, err)
		var found bool
		for _, s := range bm.Slots() {
			if s.Producer() == l {
				assert.Equal(t, want, s.Consumers(), "%s", l.Name())
				found = true
			}
		}
		assert.True(t, found, "%s has a slot", l.Name())
	}

	conv9, _ := layers.ByName("Conv9")
	inputs := bm.Inputs(conv9)
	require.Len(t, inputs, 2)
	conv7, _ := layers.ByName("Conv7")
	assert.Same(t, bm.Output(conv7), inputs[1])
}

func TestFinalizeWithoutUploadReportsInput(t *testing.T) {
	net := New(Options{Download: true})
	layers, bm := assemble(t, net)
	require.NoError(t, net.Connect(layers, bm))

	_, err := bm.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrGraph)
	assert.Contains(t, err.Error(), InputName+":0")
}

func TestExternalFeeder(t *testing.T) {
	net := New(Options{Download: true})
	feeder, err := layer.NewDescriptor(layer.Upload, "camera", 100, layer.WithShape(3, ImageSize, ImageSize, 3))
	require.NoError(t, err)

	session, err := cpu.New()
	require.NoError(t, err)
	defer session.Close()

	asm := engine.AssemblerFuncs{
		BuildFunc: func(c *graph.Compiler) error {
			if err := c.Push(feeder); err != nil {
				return err
			}
			return net.Build(c)
		},
		ConnectFunc: func(layers *graph.Layers, bm *graph.BufferManager) error {
			if err := net.Connect(layers, bm); err != nil {
				return err
			}
			cam, _ := layers.ByName("camera")
			bn2, _ := layers.ByName(InputName)
			return bm.Connect(cam, bn2, 0)
		},
	}

	c := graph.NewCompiler(session)
	require.NoError(t, asm.Build(c))
	layers, err := c.Compile()
	require.NoError(t, err)
	bm := graph.NewBufferManager(session, layers)
	defer bm.Teardown()

	require.NoError(t, asm.Connect(layers, bm))
	plan, err := bm.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "camera", plan.Order()[0].Name())
}

func TestXavierParameters(t *testing.T) {
	descs, err := New(DefaultOptions()).Descriptors()
	require.NoError(t, err)
	m := byNumber(t, descs)
	provider := XavierParameters(7)

	conv := m[6] // 1x1, 64 -> 64, normalized
	blob, err := provider.LoadParameters(conv)
	require.NoError(t, err)
	require.Len(t, blob, conv.ParameterCount())

	weights := 64 * 64
	bound := float32(math.Sqrt(6.0 / 128.0))
	for _, v := range blob[:weights] {
		assert.LessOrEqual(t, float32(math.Abs(float64(v))), bound)
	}
	for _, v := range blob[weights : weights+64] {
		assert.Zero(t, v, "bias")
	}
	for _, v := range blob[weights+64 : weights+128] {
		assert.Equal(t, float32(1), v, "scale")
	}

	again, err := provider.LoadParameters(conv)
	require.NoError(t, err)
	assert.Equal(t, blob, again, "streams are per layer and deterministic")

	other, err := XavierParameters(8).LoadParameters(conv)
	require.NoError(t, err)
	assert.NotEqual(t, blob, other)

	bn, err := provider.LoadParameters(m[5])
	require.NoError(t, err)
	assert.Equal(t, float32(1), bn[0])
	assert.Zero(t, bn[64])
}

func TestForward(t *testing.T) {
	if testing.Short() {
		t.Skip("full network pass on the reference kernels")
	}
	session, err := cpu.New()
	require.NoError(t, err)
	defer session.Close()

	net := New(DefaultOptions())
	eng, err := engine.New(session, net, XavierParameters(1), engine.DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, eng.Setup(ctx))
	defer eng.Close(ctx)

	spec := net.InputSpec()
	data := make([]byte, spec.Bytes())
	for i := 0; i < len(data)/4; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(i%251)/251))
	}
	require.NoError(t, eng.SetInput(ctx, data, spec))

	seq, err := eng.Forward(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	out, err := eng.Output()
	require.NoError(t, err)
	logits, err := out.Channelwise()
	require.NoError(t, err)
	require.Len(t, logits, Classes)
	for _, v := range logits {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}

	class, _, err := out.Argmax(0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, class, 0)
	assert.Less(t, class, Classes)
}
