//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/layout"
)

const surfaceUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

type surface struct {
	id       uint64
	grid     layout.TileGrid
	buffer   *wgpu.Buffer
	size     uint64
	capacity uint64
	live     bool
}

func (s *surface) ID() uint64            { return s.id }
func (s *surface) Grid() layout.TileGrid { return s.grid }

// Session is a WebGPU device session. Surfaces are float32 storage buffers.
type Session struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string
	threads  int

	pool      *bufferPool
	pipelines map[device.ElementwiseOp]*wgpu.ComputePipeline
	shaders   []*wgpu.ShaderModule

	mu     sync.Mutex
	nextID uint64
	stats  device.Stats
	closed bool
}

// New opens the default high-performance adapter.
func New() (session *Session, err error) {
	// The native library panics when it cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			session = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	info := adapter.GetInfo()
	s := &Session{
		instance:  instance,
		adapter:   adapter,
		device:    dev,
		queue:     queue,
		name:      fmt.Sprintf("WebGPU (%s %s)", info.Device, info.Vendor),
		threads:   min(runtime.NumCPU(), 4),
		pool:      newBufferPool(dev, surfaceUsage),
		pipelines: make(map[device.ElementwiseOp]*wgpu.ComputePipeline),
	}
	klog.V(1).Infof("webgpu: opened %s", s.name)
	return s, nil
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the adapter description.
func (s *Session) Name() string { return s.name }

// Threads returns the host helper pool size.
func (s *Session) Threads() int { return s.threads }

// Threading reports background submission support.
func (s *Session) Threading() bool { return true }

// Precision returns float32; surfaces are f32 storage buffers.
func (s *Session) Precision() layout.DataType { return layout.Float32 }

// Allocate creates a storage buffer for grid.
func (s *Session) Allocate(grid layout.TileGrid) (device.Surface, error) {
	if grid.Tiles <= 0 || grid.Width <= 0 || grid.Height <= 0 {
		return nil, fmt.Errorf("webgpu: invalid grid %+v", grid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("webgpu: session closed")
	}

	//nolint:gosec // G115: element count is positive
	size := uint64(grid.Bytes(layout.Float32))
	buffer, capacity := s.pool.acquire(size)
	if buffer == nil {
		return nil, fmt.Errorf("webgpu: failed to create %d byte buffer", size)
	}

	s.nextID++
	s.stats.Allocations++
	s.stats.ActiveSurfaces++
	s.stats.ActiveBytes += size
	s.stats.PeakBytes = max(s.stats.PeakBytes, s.stats.ActiveBytes)
	return &surface{id: s.nextID, grid: grid, buffer: buffer, size: size, capacity: capacity, live: true}, nil
}

// Free returns the surface's buffer to the pool.
func (s *Session) Free(ds device.Surface) error {
	sf, err := s.own(ds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !sf.live {
		return fmt.Errorf("webgpu: surface %d freed twice", sf.id)
	}
	sf.live = false
	s.pool.release(sf.buffer, sf.capacity)
	sf.buffer = nil
	s.stats.Frees++
	s.stats.ActiveSurfaces--
	s.stats.ActiveBytes -= sf.size
	return nil
}

// Write uploads data through a mapped staging buffer.
func (s *Session) Write(ds device.Surface, data []float32) error {
	sf, err := s.live(ds)
	if err != nil {
		return err
	}
	if len(data) != sf.grid.Elements() {
		return fmt.Errorf("webgpu: write surface %d: got %d elements, want %d", sf.id, len(data), sf.grid.Elements())
	}

	staging := s.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             sf.size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()

	mappedPtr := staging.GetMappedRange(0, sf.size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*float32)(mappedPtr), len(data))
	copy(mapped, data)
	staging.Unmap()

	encoder := s.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, sf.buffer, 0, sf.size)
	s.queue.Submit(encoder.Finish(nil))
	return nil
}

// Read copies the surface back through a staging buffer.
func (s *Session) Read(ds device.Surface, dst []float32) error {
	sf, err := s.live(ds)
	if err != nil {
		return err
	}
	if len(dst) != sf.grid.Elements() {
		return fmt.Errorf("webgpu: read surface %d: got %d elements, want %d", sf.id, len(dst), sf.grid.Elements())
	}

	staging := s.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  sf.size,
	})
	defer staging.Release()

	encoder := s.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(sf.buffer, 0, staging, 0, sf.size)
	s.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(s.device, wgpu.MapModeRead, 0, sf.size); err != nil {
		return fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}
	mappedPtr := staging.GetMappedRange(0, sf.size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(dst, unsafe.Slice((*float32)(mappedPtr), len(dst)))
	staging.Unmap()
	return nil
}

// RunElementwise runs op from src into dst on the device.
func (s *Session) RunElementwise(op device.ElementwiseOp, src, dst device.Surface, params device.ElementwiseParams) error {
	in, err := s.live(src)
	if err != nil {
		return err
	}
	out, err := s.live(dst)
	if err != nil {
		return err
	}
	if !in.grid.Equal(out.grid) {
		return fmt.Errorf("webgpu: elementwise grids differ: %+v vs %+v", in.grid, out.grid)
	}
	pipeline, err := s.pipeline(op)
	if err != nil {
		return err
	}

	n := in.grid.Elements()
	uniform := make([]byte, 16)
	//nolint:gosec // G115: element count fits in u32
	binary.LittleEndian.PutUint32(uniform[0:4], uint32(n))
	binary.LittleEndian.PutUint32(uniform[4:8], math.Float32bits(params.Min))
	binary.LittleEndian.PutUint32(uniform[8:12], math.Float32bits(params.Max))
	paramsBuf := s.uniformBuffer(uniform)
	defer paramsBuf.Release()

	bindGroup := s.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, in.buffer, 0, in.size),
		wgpu.BufferBindingEntry(1, out.buffer, 0, out.size),
		wgpu.BufferBindingEntry(2, paramsBuf, 0, 16),
	})
	defer bindGroup.Release()

	encoder := s.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: workgroup count is non-negative
	pass.DispatchWorkgroups(uint32((n+workgroupSize-1)/workgroupSize), 1, 1)
	pass.End()
	s.queue.Submit(encoder.Finish(nil))
	return nil
}

func (s *Session) pipeline(op device.ElementwiseOp) (*wgpu.ComputePipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[op]; ok {
		return p, nil
	}
	code, ok := shaderSources[op]
	if !ok {
		return nil, fmt.Errorf("webgpu: no shader for elementwise op %d", op)
	}
	shader := s.device.CreateShaderModuleWGSL(code)
	p := s.device.CreateComputePipelineSimple(nil, shader, "main")
	s.shaders = append(s.shaders, shader)
	s.pipelines[op] = p
	return p, nil
}

func (s *Session) uniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data)+15) &^ 15
	buffer := s.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), size), data)
	buffer.Unmap()
	return buffer
}

// Stats returns surface bookkeeping.
func (s *Session) Stats() device.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// PoolStats returns buffer pool activity.
func (s *Session) PoolStats() PoolStats { return s.pool.snapshot() }

// Close releases pipelines, pooled buffers and the device.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.stats.ActiveSurfaces > 0 {
		klog.Warningf("webgpu: closing with %d live surfaces", s.stats.ActiveSurfaces)
	}
	s.pool.clear()
	for _, p := range s.pipelines {
		p.Release()
	}
	for _, sh := range s.shaders {
		sh.Release()
	}
	s.queue.Release()
	s.device.Release()
	s.adapter.Release()
	s.instance.Release()
	return nil
}

func (s *Session) own(ds device.Surface) (*surface, error) {
	sf, ok := ds.(*surface)
	if !ok || sf == nil {
		return nil, fmt.Errorf("webgpu: surface %T does not belong to this session", ds)
	}
	return sf, nil
}

func (s *Session) live(ds device.Surface) (*surface, error) {
	sf, err := s.own(ds)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sf.live {
		return nil, fmt.Errorf("webgpu: surface %d was freed", sf.id)
	}
	return sf, nil
}

var (
	_ device.Session       = (*Session)(nil)
	_ device.ShaderRunner  = (*Session)(nil)
	_ device.StatsReporter = (*Session)(nil)
)
