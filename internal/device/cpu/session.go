// Package cpu implements the reference CPU device session.
//
// Surfaces are plain host slices. They are allocated lazily on first write, so
// large graphs can be compiled and wired without touching memory. With
// float16 precision the surfaces are stored as binary16 and widened on read,
// which reproduces the rounding of a half-precision GPU texture.
package cpu

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/layout"
)

// MaxThreads caps the helper pool size.
const MaxThreads = 4

// Option configures a Session.
type Option func(*Session)

// WithThreads sets the helper pool size (clamped to 1..MaxThreads).
func WithThreads(n int) Option {
	return func(s *Session) {
		s.threads = min(max(n, 1), MaxThreads)
	}
}

// WithPrecision sets the surface storage type (Float32 or Float16).
func WithPrecision(dt layout.DataType) Option {
	return func(s *Session) {
		s.precision = dt
	}
}

// WithoutThreading reports no background submission support, which makes the
// compiler reject async layers.
func WithoutThreading() Option {
	return func(s *Session) {
		s.threading = false
	}
}

// surface is a lazily allocated host-side surface.
type surface struct {
	id   uint64
	grid layout.TileGrid

	f32  []float32
	f16  []layout.Half
	live bool
}

func (s *surface) ID() uint64            { return s.id }
func (s *surface) Grid() layout.TileGrid { return s.grid }

// Session is the CPU device session.
type Session struct {
	threads   int
	threading bool
	precision layout.DataType

	mu     sync.Mutex
	nextID uint64
	closed bool
	stats  device.Stats
}

// New creates a CPU session.
func New(opts ...Option) (*Session, error) {
	s := &Session{
		threads:   min(runtime.NumCPU(), MaxThreads),
		threading: true,
		precision: layout.Float32,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.precision != layout.Float32 && s.precision != layout.Float16 {
		return nil, fmt.Errorf("cpu: unsupported surface precision %s", s.precision)
	}
	return s, nil
}

// Name returns the backend name with the detected SIMD features.
func (s *Session) Name() string {
	features := Features()
	if len(features) == 0 {
		return fmt.Sprintf("CPU (%s, %s)", runtime.GOARCH, s.precision)
	}
	return fmt.Sprintf("CPU (%s %s, %s)", runtime.GOARCH, strings.Join(features, " "), s.precision)
}

// Features lists the SIMD extensions reported by the processor.
func Features() []string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 || cpu.X86.HasSSE42 {
			f = append(f, "sse4")
		}
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "neon")
		}
		if cpu.ARM64.HasFPHP && cpu.ARM64.HasASIMDHP {
			f = append(f, "fp16")
		}
	}
	return f
}

// Threads returns the helper pool size.
func (s *Session) Threads() int { return s.threads }

// Threading reports background submission support.
func (s *Session) Threading() bool { return s.threading }

// Precision returns the surface storage type.
func (s *Session) Precision() layout.DataType { return s.precision }

// Allocate registers a surface. Storage is created on first write.
func (s *Session) Allocate(grid layout.TileGrid) (device.Surface, error) {
	if grid.Tiles <= 0 || grid.Width <= 0 || grid.Height <= 0 {
		return nil, fmt.Errorf("cpu: invalid grid %+v", grid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("cpu: session closed")
	}
	s.nextID++
	s.stats.Allocations++
	s.stats.ActiveSurfaces++
	return &surface{id: s.nextID, grid: grid, live: true}, nil
}

// Free releases a surface.
func (s *Session) Free(ds device.Surface) error {
	sf, err := s.own(ds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !sf.live {
		return fmt.Errorf("cpu: surface %d freed twice", sf.id)
	}
	if sf.f32 != nil || sf.f16 != nil {
		s.stats.ActiveBytes -= uint64(s.bytes(sf.grid))
	}
	sf.live = false
	sf.f32, sf.f16 = nil, nil
	s.stats.Frees++
	s.stats.ActiveSurfaces--
	return nil
}

// Write replaces the contents of a surface.
func (s *Session) Write(ds device.Surface, data []float32) error {
	sf, err := s.own(ds)
	if err != nil {
		return err
	}
	if len(data) != sf.grid.Elements() {
		return fmt.Errorf("cpu: write surface %d: got %d elements, want %d", sf.id, len(data), sf.grid.Elements())
	}
	if err := s.materialize(sf); err != nil {
		return err
	}

	if s.precision == layout.Float16 {
		for i, v := range data {
			sf.f16[i] = layout.HalfFromFloat32(v)
		}
		return nil
	}
	copy(sf.f32, data)
	return nil
}

// Read copies a surface into dst. A surface that was never written reads as zeros.
func (s *Session) Read(ds device.Surface, dst []float32) error {
	sf, err := s.own(ds)
	if err != nil {
		return err
	}
	if len(dst) != sf.grid.Elements() {
		return fmt.Errorf("cpu: read surface %d: got %d elements, want %d", sf.id, len(dst), sf.grid.Elements())
	}
	if !sf.live {
		return fmt.Errorf("cpu: read of freed surface %d", sf.id)
	}

	switch {
	case sf.f32 != nil:
		copy(dst, sf.f32)
	case sf.f16 != nil:
		for i, h := range sf.f16 {
			dst[i] = h.Float32()
		}
	default:
		clear(dst)
	}
	return nil
}

// Stats returns a snapshot of surface usage.
func (s *Session) Stats() device.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close marks the session closed. Surfaces still allocated are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) own(ds device.Surface) (*surface, error) {
	sf, ok := ds.(*surface)
	if !ok || sf == nil {
		return nil, fmt.Errorf("cpu: surface %T does not belong to this session", ds)
	}
	return sf, nil
}

func (s *Session) materialize(sf *surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sf.live {
		return fmt.Errorf("cpu: write to freed surface %d", sf.id)
	}
	if sf.f32 != nil || sf.f16 != nil {
		return nil
	}
	n := sf.grid.Elements()
	if s.precision == layout.Float16 {
		sf.f16 = make([]layout.Half, n)
	} else {
		sf.f32 = make([]float32, n)
	}
	s.stats.ActiveBytes += uint64(s.bytes(sf.grid))
	s.stats.PeakBytes = max(s.stats.PeakBytes, s.stats.ActiveBytes)
	return nil
}

func (s *Session) bytes(g layout.TileGrid) int {
	return g.Bytes(s.precision)
}
