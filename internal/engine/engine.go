// Package engine drives a compiled layer graph on a device session.
//
// An Engine builds the graph from an Assembler, loads layer parameters and
// runs passes. In synchronous mode Forward runs the pass on the caller's
// goroutine and reuses one host buffer per transfer layer. In asynchronous
// mode Forward hands the pass to a single submission goroutine and returns
// its sequence number at once; results arrive through the layer hooks and
// WaitFor.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/graph"
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/layout"
	"github.com/born-ml/tilenet/internal/parallel"
	"github.com/born-ml/tilenet/internal/pipeline"
)

// Config controls pass execution.
type Config struct {
	// Async runs passes on a background goroutine. Upload and download
	// layers must be built with layer.WithAsync to match.
	Async bool
	// UploadSlots bounds the host buffers of each async upload layer.
	UploadSlots int
	// DownloadSlots bounds the passes in flight per async download layer.
	DownloadSlots int
	// AcquireTimeout bounds pool waits. Zero waits without bound.
	AcquireTimeout time.Duration
}

// DefaultConfig returns a synchronous configuration with the default pool
// bounds.
func DefaultConfig() Config {
	return Config{
		UploadSlots:    pipeline.DefaultSlots,
		DownloadSlots:  pipeline.DefaultSlots,
		AcquireTimeout: pipeline.DefaultAcquireTimeout,
	}
}

// Assembler supplies the layers of a network and the connections between
// them.
type Assembler interface {
	Build(c *graph.Compiler) error
	Connect(layers *graph.Layers, buffers *graph.BufferManager) error
}

// ParameterProvider supplies the parameter blob of a layer. It is called
// once per layer with a non-zero parameter count, possibly concurrently.
type ParameterProvider interface {
	LoadParameters(d *layer.Descriptor) ([]float32, error)
}

// AssemblerFuncs adapts a pair of functions to an Assembler.
type AssemblerFuncs struct {
	BuildFunc   func(c *graph.Compiler) error
	ConnectFunc func(layers *graph.Layers, buffers *graph.BufferManager) error
}

// Build calls BuildFunc.
func (a AssemblerFuncs) Build(c *graph.Compiler) error {
	if a.BuildFunc == nil {
		return nil
	}
	return a.BuildFunc(c)
}

// Connect calls ConnectFunc.
func (a AssemblerFuncs) Connect(layers *graph.Layers, buffers *graph.BufferManager) error {
	if a.ConnectFunc == nil {
		return nil
	}
	return a.ConnectFunc(layers, buffers)
}

// ParameterFunc adapts a function to a ParameterProvider.
type ParameterFunc func(d *layer.Descriptor) ([]float32, error)

// LoadParameters calls f.
func (f ParameterFunc) LoadParameters(d *layer.Descriptor) ([]float32, error) {
	return f(d)
}

type upload struct {
	layer *layer.Layer
	pool  *pipeline.UploadPool
	host  *layout.HostBuffer
}

type download struct {
	layer *layer.Layer
	ring  *pipeline.DownloadRing
	host  *layout.HostBuffer
}

// job is one async pass handed to the submission goroutine.
type job struct {
	seq   uint64
	slots map[*layer.Layer]int
	bufs  map[*layer.Layer]*layout.HostBuffer
}

// Engine runs passes over a compiled graph.
type Engine struct {
	session   device.Session
	assembler Assembler
	provider  ParameterProvider
	cfg       Config
	par       parallel.Config

	layers    *graph.Layers
	buffers   *graph.BufferManager
	plan      []*layer.Layer
	uploads   map[*layer.Layer]*upload
	downloads map[*layer.Layer]*download
	upOrder   []*upload
	downOrder []*download

	seq  pipeline.Sequencer
	done *pipeline.Watermark

	fwdMu sync.Mutex
	jobs  chan job
	group *errgroup.Group

	mu      sync.Mutex
	ready   bool
	closed  bool
	failure error
}

// New creates an engine. provider may be nil, which leaves all parameters
// zero.
func New(session device.Session, assembler Assembler, provider ParameterProvider, cfg Config) (*Engine, error) {
	switch {
	case session == nil:
		return nil, errs.Configf("new engine", "", "nil device session")
	case assembler == nil:
		return nil, errs.Configf("new engine", "", "nil assembler")
	case cfg.Async && !session.Threading():
		return nil, errs.Configf("new engine", "", "async mode requires threading support on %s", session.Name())
	case cfg.UploadSlots <= 0 || cfg.DownloadSlots <= 0:
		return nil, errs.Configf("new engine", "", "pool bounds must be positive (upload %d, download %d)", cfg.UploadSlots, cfg.DownloadSlots)
	case cfg.AcquireTimeout < 0:
		return nil, errs.Configf("new engine", "", "negative acquire timeout %s", cfg.AcquireTimeout)
	}
	return &Engine{
		session:   session,
		assembler: assembler,
		provider:  provider,
		cfg:       cfg,
		par:       parallel.WithWorkers(session.Threads()),
		uploads:   make(map[*layer.Layer]*upload),
		downloads: make(map[*layer.Layer]*download),
		done:      pipeline.NewWatermark(),
	}, nil
}

// Setup compiles and connects the graph, loads parameters, creates the
// transfer buffers and, in async mode, starts the submission goroutine.
// A failed Setup closes the engine.
func (e *Engine) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready || e.closed {
		return errs.Configf("setup", "", "engine already set up or closed")
	}
	start := time.Now()
	ok := false
	defer func() {
		if !ok {
			e.closed = true
		}
	}()

	c := graph.NewCompiler(e.session)
	if err := e.assembler.Build(c); err != nil {
		return err
	}
	ls, err := c.Compile()
	if err != nil {
		return err
	}

	bm := graph.NewBufferManager(e.session, ls)
	plan, err := e.connect(ls, bm)
	if err == nil {
		err = e.loadParameters(ctx, ls)
	}
	if err == nil {
		err = e.buildTransfers(ls, bm)
	}
	if err != nil {
		if terr := bm.Teardown(); terr != nil {
			klog.Errorf("engine: teardown after failed setup: %v", terr)
		}
		return err
	}

	e.layers, e.buffers, e.plan = ls, bm, plan.Order()
	if e.cfg.Async {
		e.jobs = make(chan job, max(e.cfg.UploadSlots, e.cfg.DownloadSlots))
		e.group = new(errgroup.Group)
		e.group.Go(e.worker)
	}
	e.ready, ok = true, true

	klog.V(1).Infof("engine: set up %d layers on %s (async=%v) in %s", ls.Len(), e.session.Name(), e.cfg.Async, time.Since(start))
	return nil
}

func (e *Engine) connect(ls *graph.Layers, bm *graph.BufferManager) (*graph.Plan, error) {
	if err := e.assembler.Connect(ls, bm); err != nil {
		return nil, err
	}
	return bm.Finalize()
}

func (e *Engine) loadParameters(ctx context.Context, ls *graph.Layers) error {
	if e.provider == nil {
		return nil
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.session.Threads(), 1))
	for _, l := range ls.All() {
		if l.ParameterCount() == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d := l.Descriptor()
			blob, err := e.provider.LoadParameters(&d)
			if err != nil {
				return pkgerrors.WithMessagef(err, "engine: load parameters of %q", l.Name())
			}
			return l.SetParameters(blob)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	klog.V(1).Infof("engine: loaded parameters in %s", time.Since(start))
	return nil
}

func (e *Engine) buildTransfers(ls *graph.Layers, bm *graph.BufferManager) error {
	for _, l := range ls.All() {
		if l.Kind() != layer.Upload && l.Kind() != layer.Download {
			continue
		}
		if l.Async() != e.cfg.Async {
			return errs.Configf("setup", l.Name(), "layer async=%v does not match engine async=%v", l.Async(), e.cfg.Async)
		}
		hook := l.Descriptor().Hook

		if l.Kind() == layer.Upload {
			u := &upload{layer: l}
			var err error
			if e.cfg.Async {
				u.pool, err = pipeline.NewUploadPool(l.Name(), l.HostSpec(), e.cfg.UploadSlots, hook, e.cfg.AcquireTimeout)
			} else {
				u.host, err = layout.NewHostBuffer(l.HostSpec())
			}
			if err != nil {
				return err
			}
			e.uploads[l] = u
			e.upOrder = append(e.upOrder, u)
			continue
		}

		d := &download{layer: l}
		var err error
		if e.cfg.Async {
			d.ring, err = pipeline.NewDownloadRing(l.Name(), l.HostSpec(), e.cfg.DownloadSlots, hook, e.cfg.AcquireTimeout)
		} else {
			d.host, err = bm.CreateHostOutput(l, true)
		}
		if err != nil {
			return err
		}
		e.downloads[l] = d
		e.downOrder = append(e.downOrder, d)
	}
	return nil
}

// check returns the sticky failure, or an error if the engine cannot run.
func (e *Engine) check(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.failure != nil:
		return e.failure
	case e.closed:
		return errs.Configf(op, "", "engine closed")
	case !e.ready:
		return errs.Configf(op, "", "engine not set up")
	}
	return nil
}

// Err returns the failure that made the engine unusable, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// fail records a pass failure. Every later call returns it until Close.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	first := e.failure == nil
	if first {
		e.failure = err
	}
	e.mu.Unlock()

	if first {
		klog.Errorf("engine: pass failed, engine unusable until Close: %v", err)
	}
	e.done.Fail(err)
	for _, d := range e.downOrder {
		if d.ring != nil {
			d.ring.Fail(err)
		}
	}
}

// SetInput copies data into the only upload layer. spec describes data; it
// may use any order and type with the upload's channels, height and width.
//
// In async mode SetInput blocks until a pool slot is free and the previous
// input was taken by Forward. Every SetInput must be followed by a Forward:
// skipping it starves the pool and the next SetInput fails with
// errs.ErrExhausted once the acquire timeout expires (or blocks forever
// without one).
func (e *Engine) SetInput(ctx context.Context, data []byte, spec layout.ShapeSpec) error {
	if err := e.check("set input"); err != nil {
		return err
	}
	if len(e.upOrder) != 1 {
		return errs.Configf("set input", "", "network has %d upload layers; use SetInputFor", len(e.upOrder))
	}
	return e.setInput(ctx, e.upOrder[0], data, spec)
}

// SetInputFor is SetInput for the upload layer with the given name.
func (e *Engine) SetInputFor(ctx context.Context, name string, data []byte, spec layout.ShapeSpec) error {
	if err := e.check("set input"); err != nil {
		return err
	}
	l, ok := e.layers.ByName(name)
	if !ok || e.uploads[l] == nil {
		return errs.Configf("set input", name, "no upload layer with this name")
	}
	return e.setInput(ctx, e.uploads[l], data, spec)
}

func (e *Engine) setInput(ctx context.Context, u *upload, data []byte, spec layout.ShapeSpec) error {
	host := u.layer.HostSpec()
	converted, err := layout.Convert(host, spec, data)
	if err != nil {
		return errs.Configf("set input", u.layer.Name(), "%v", err)
	}
	if u.pool != nil {
		return u.pool.Submit(ctx, converted, host)
	}

	e.fwdMu.Lock()
	defer e.fwdMu.Unlock()
	if err := u.host.CopyFrom(converted); err != nil {
		return errs.Configf("set input", u.layer.Name(), "%v", err)
	}
	return nil
}

// Forward runs one pass and returns its sequence number.
//
// In async mode Forward returns once the pass is queued. It blocks while
// every download buffer is in flight.
func (e *Engine) Forward(ctx context.Context) (uint64, error) {
	e.fwdMu.Lock()
	defer e.fwdMu.Unlock()
	if err := e.check("forward"); err != nil {
		return 0, err
	}
	if !e.cfg.Async {
		return e.forwardSync()
	}

	var reserved []*download
	release := func() {
		for _, d := range reserved {
			d.ring.Cancel()
		}
	}
	for _, d := range e.downOrder {
		if err := d.ring.Reserve(ctx); err != nil {
			release()
			return 0, err
		}
		reserved = append(reserved, d)
	}
	for _, u := range e.upOrder {
		if u.pool.Pending() == 0 {
			release()
			return 0, errs.Configf("forward", u.layer.Name(), "no input submitted since the last pass")
		}
	}

	j := job{
		slots: make(map[*layer.Layer]int, len(e.upOrder)),
		bufs:  make(map[*layer.Layer]*layout.HostBuffer, len(e.upOrder)),
	}
	for _, u := range e.upOrder {
		slot, buf, _ := u.pool.Take()
		j.slots[u.layer], j.bufs[u.layer] = slot, buf
	}
	j.seq = e.seq.Next()
	e.jobs <- j

	klog.V(2).Infof("engine: queued pass %d", j.seq)
	return j.seq, nil
}

func (e *Engine) forwardSync() (uint64, error) {
	seq := e.seq.Next()
	hostFor := func(l *layer.Layer) *layout.HostBuffer {
		if u := e.uploads[l]; u != nil {
			return u.host
		}
		if d := e.downloads[l]; d != nil {
			return d.host
		}
		return nil
	}
	if err := e.run(seq, hostFor, nil); err != nil {
		e.fail(err)
		return seq, err
	}
	e.done.Advance(seq)
	return seq, nil
}

// worker owns device submission in async mode.
func (e *Engine) worker() error {
	for j := range e.jobs {
		if err := e.Err(); err != nil {
			e.abandon(j, nil, nil)
			continue
		}
		if err := e.execute(j); err != nil {
			e.fail(err)
			continue
		}
		e.done.Advance(j.seq)
	}
	return nil
}

func (e *Engine) execute(j job) error {
	for _, u := range e.upOrder {
		u.pool.Commence(j.slots[u.layer], j.seq)
	}

	finished := make(map[*layer.Layer]bool, len(e.upOrder)+len(e.downOrder))
	targets := make(map[*layer.Layer]*layout.HostBuffer, len(e.downOrder))
	hostFor := func(l *layer.Layer) *layout.HostBuffer {
		if buf, ok := j.bufs[l]; ok {
			return buf
		}
		if d := e.downloads[l]; d != nil {
			targets[l] = d.ring.Commence(j.seq)
			return targets[l]
		}
		return nil
	}
	after := func(l *layer.Layer) {
		if u := e.uploads[l]; u != nil {
			u.pool.Complete(j.slots[l], j.seq)
			finished[l] = true
		}
		if d := e.downloads[l]; d != nil {
			d.ring.Complete(j.seq, targets[l])
			finished[l] = true
		}
	}

	if err := e.run(j.seq, hostFor, after); err != nil {
		e.abandon(j, finished, err)
		return err
	}
	return nil
}

// abandon returns the pool slots and ring reservations of a pass that did
// not finish.
func (e *Engine) abandon(j job, finished map[*layer.Layer]bool, err error) {
	for _, u := range e.upOrder {
		if !finished[u.layer] {
			u.pool.Complete(j.slots[u.layer], j.seq)
		}
	}
	for _, d := range e.downOrder {
		if !finished[d.layer] {
			d.ring.Cancel()
		}
	}
	if err != nil {
		klog.V(2).Infof("engine: abandoned pass %d: %v", j.seq, err)
	}
}

// run executes the plan once. hostFor supplies transfer buffers; after, if
// set, is called when a layer finished.
func (e *Engine) run(seq uint64, hostFor func(*layer.Layer) *layout.HostBuffer, after func(*layer.Layer)) error {
	start := time.Now()
	for _, s := range e.buffers.Slots() {
		s.Begin()
	}
	for _, l := range e.plan {
		x := &layer.Context{
			Session:  e.session,
			Seq:      seq,
			Parallel: e.par,
			Inputs:   e.buffers.Inputs(l),
			Output:   e.buffers.Output(l),
			Host:     hostFor(l),
		}
		if err := l.Forward(x); err != nil {
			return err
		}
		for _, s := range e.buffers.InputSlots(l) {
			s.Observe()
		}
		if after != nil {
			after(l)
		}
	}
	klog.V(2).Infof("engine: pass %d took %s", seq, time.Since(start))
	return nil
}

// Output returns the host buffer of the only download layer (see OutputFor).
func (e *Engine) Output() (*layout.HostBuffer, error) {
	if err := e.check("output"); err != nil {
		return nil, err
	}
	if len(e.downOrder) != 1 {
		return nil, errs.Configf("output", "", "network has %d download layers; use OutputFor", len(e.downOrder))
	}
	return e.output(e.downOrder[0])
}

// OutputFor returns the host buffer of the named download layer.
//
// In sync mode the buffer is overwritten by the next Forward. In async mode
// it is the most recently completed ring buffer, which the runtime reuses
// once the ring wraps around; hooks receive the right buffer for each pass.
func (e *Engine) OutputFor(name string) (*layout.HostBuffer, error) {
	if err := e.check("output"); err != nil {
		return nil, err
	}
	l, ok := e.layers.ByName(name)
	if !ok || e.downloads[l] == nil {
		return nil, errs.Configf("output", name, "no download layer with this name")
	}
	return e.output(e.downloads[l])
}

func (e *Engine) output(d *download) (*layout.HostBuffer, error) {
	if d.ring == nil {
		return d.host, nil
	}
	buf, _ := d.ring.Latest()
	if buf == nil {
		return nil, errs.Graphf("output", d.layer.Name(), "no pass completed yet")
	}
	return buf, nil
}

// WaitFor blocks until pass seq (or a later one) completed.
func (e *Engine) WaitFor(ctx context.Context, seq uint64) error {
	if seq > e.seq.Last() {
		return errs.Configf("wait", "", "pass %d was never issued (last %d)", seq, e.seq.Last())
	}
	return e.done.Wait(ctx, seq)
}

// LastSequence returns the sequence number of the most recent Forward.
func (e *Engine) LastSequence() uint64 { return e.seq.Last() }

// Completed returns the highest completed sequence number.
func (e *Engine) Completed() uint64 { return e.done.Value() }

// Layers returns the compiled layers, or nil before Setup.
func (e *Engine) Layers() *graph.Layers { return e.layers }

// Session returns the device session.
func (e *Engine) Session() device.Session { return e.session }

// Close drains queued passes and in-flight transfers, then frees every
// surface. The session stays open.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ready := e.ready
	e.mu.Unlock()
	if !ready {
		return nil
	}

	e.fwdMu.Lock()
	defer e.fwdMu.Unlock()

	var errList []error
	if e.jobs != nil {
		close(e.jobs)
		if err := e.group.Wait(); err != nil {
			errList = append(errList, err)
		}
	}
	for _, u := range e.upOrder {
		if u.pool != nil {
			if err := u.pool.Drain(ctx); err != nil {
				errList = append(errList, err)
			}
		}
	}
	for _, d := range e.downOrder {
		if d.ring != nil {
			if err := d.ring.Drain(ctx); err != nil {
				errList = append(errList, err)
			}
		}
	}
	e.done.Close()
	if err := e.buffers.Teardown(); err != nil {
		errList = append(errList, err)
	}

	klog.V(1).Infof("engine: closed after %d passes", e.seq.Last())
	return errors.Join(errList...)
}
