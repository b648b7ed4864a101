//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// sizeClass groups pooled storage buffers by capacity.
type sizeClass int

const (
	smallClass  sizeClass = iota // < 4KB
	mediumClass                  // 4KB-1MB
	largeClass                   // >= 1MB
	numClasses
)

const (
	smallThreshold  = 4 * 1024
	mediumThreshold = 1024 * 1024
	maxPoolSize     = 100 // Max idle buffers per class
)

type pooledBuffer struct {
	buffer   *wgpu.Buffer
	capacity uint64
}

// PoolStats is a snapshot of buffer pool activity.
type PoolStats struct {
	Created  uint64
	Recycled uint64
	Hits     uint64
	Misses   uint64
	Idle     int
}

// bufferPool recycles surface storage buffers. Graphs allocate every surface
// at setup and free them at teardown, so a pool mostly pays off when one
// session hosts several engines in turn.
type bufferPool struct {
	device *wgpu.Device
	usage  wgpu.BufferUsage

	mu    sync.Mutex
	idle  [numClasses][]pooledBuffer
	stats PoolStats
}

func newBufferPool(device *wgpu.Device, usage wgpu.BufferUsage) *bufferPool {
	return &bufferPool{device: device, usage: usage}
}

func classify(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	default:
		return largeClass
	}
}

// acquire returns an idle buffer of at least size bytes, or a new one. The
// second result is the buffer's capacity.
func (p *bufferPool) acquire(size uint64) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := classify(size)
	for i, pb := range p.idle[c] {
		if pb.capacity >= size {
			p.idle[c] = append(p.idle[c][:i], p.idle[c][i+1:]...)
			p.stats.Hits++
			return pb.buffer, pb.capacity
		}
	}

	p.stats.Misses++
	p.stats.Created++
	buffer := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: p.usage,
		Size:  size,
	})
	return buffer, size
}

// release returns a buffer to its class, or destroys it when the class is full.
func (p *bufferPool) release(buffer *wgpu.Buffer, capacity uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Recycled++
	c := classify(capacity)
	if len(p.idle[c]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.idle[c] = append(p.idle[c], pooledBuffer{buffer: buffer, capacity: capacity})
}

// clear destroys every idle buffer.
func (p *bufferPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.idle {
		for _, pb := range p.idle[c] {
			pb.buffer.Release()
		}
		p.idle[c] = nil
	}
}

func (p *bufferPool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	for c := range p.idle {
		s.Idle += len(p.idle[c])
	}
	return s
}
