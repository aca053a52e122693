// Package pipeline schedules the face-swap stages as a bounded-concurrency
// pipeline.
//
// One worker goroutine runs per stage (locate, align, swap, merge), with the
// source and sink on their own goroutines so I/O never stalls inference. The
// stages are connected by small bounded queues with drop-oldest backpressure:
// when a downstream stage cannot keep pace, the oldest buffered frame is
// dropped rather than blocking the capture loop. A configuration change bumps
// the epoch; stages discard superseded work instead of completing it.
package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visagelab/liveswap/internal/frame"
)

// State is the run state machine: Idle → Running → Draining → Stopped.
// A fatal configuration error returns the pipeline to Idle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds scheduler tuning.
type Config struct {
	QueueCapacity int // frames buffered between stages, typically 1-3
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	FramesIn   uint64
	FramesOut  uint64
	Dropped    uint64 // frames evicted under backpressure
	Superseded uint64 // frames discarded after an epoch bump
	NoFace     uint64 // frames that passed through without a face
	Swapped    uint64 // frames that received a synthesized face
}

// Timing holds per-stage durations for the most recent composited frame.
type Timing struct {
	Detection time.Duration
	Alignment time.Duration
	Swap      time.Duration
	Merge     time.Duration
	Total     time.Duration
}

// job carries one frame and its derived artifacts through the stages.
type job struct {
	frame        *frame.Frame
	regions      []frame.FaceRegion
	detectionRan bool
	crop         *frame.AlignedCrop
	swap         *frame.SwapResult

	detectDur time.Duration
	alignDur  time.Duration
	swapDur   time.Duration
}

func (j *job) release() {
	j.swap.Release()
	j.crop.Release()
	j.frame.Release()
}

// Pipeline orchestrates the stages for one run.
type Pipeline struct {
	cfg   Config
	log   *zap.Logger
	runID string

	source  Source
	sink    Sink
	locator Locator
	aligner Aligner
	swapper Swapper
	merger  Merger

	state    atomic.Int32
	epoch    atomic.Uint64
	draining atomic.Bool
	redetect atomic.Bool
	fatal    atomic.Bool

	qDetect *queue[*job]
	qAlign  *queue[*job]
	qSwap   *queue[*job]
	qMerge  *queue[*job]
	qOut    *queue[*frame.CompositedFrame]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	err     error

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	superseded atomic.Uint64
	noFace     atomic.Uint64
	swapped    atomic.Uint64

	timingMu   sync.Mutex
	lastTiming Timing
}

// New assembles a pipeline in the Idle state.
func New(cfg Config, src Source, sink Sink, loc Locator, aligner Aligner,
	swapper Swapper, merger Merger, log *zap.Logger) *Pipeline {

	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 2
	}
	if log == nil {
		log = zap.NewNop()
	}

	runID := uuid.NewString()
	p := &Pipeline{
		cfg:     cfg,
		log:     log.With(zap.String("run_id", runID)),
		runID:   runID,
		source:  src,
		sink:    sink,
		locator: loc,
		aligner: aligner,
		swapper: swapper,
		merger:  merger,
	}
	p.epoch.Store(1)
	p.redetect.Store(true) // first frame always detects
	p.state.Store(int32(StateIdle))

	releaseJob := func(j *job) { j.release() }
	p.qDetect = newQueue("detect", cfg.QueueCapacity, releaseJob)
	p.qAlign = newQueue("align", cfg.QueueCapacity, releaseJob)
	p.qSwap = newQueue("swap", cfg.QueueCapacity, releaseJob)
	p.qMerge = newQueue("merge", cfg.QueueCapacity, releaseJob)
	p.qOut = newQueue("out", cfg.QueueCapacity, func(c *frame.CompositedFrame) { c.Release() })

	return p
}

// RunID identifies this pipeline instance in logs.
func (p *Pipeline) RunID() string {
	return p.runID
}

// State returns the current run state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Err returns the fatal error that halted the run, if any.
func (p *Pipeline) Err() error {
	return p.err
}

// Start transitions Idle → Running and launches the stage workers.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return errors.Newf("cannot start pipeline in state %s", p.State())
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.log.Info("pipeline starting", zap.Int("queue_capacity", p.cfg.QueueCapacity))

	p.wg.Add(6)
	go p.sourceLoop()
	go p.locateLoop()
	go p.alignLoop()
	go p.swapLoop()
	go p.mergeLoop()
	go p.sinkLoop()

	return nil
}

// Drain stops accepting new frames and lets in-flight frames finish. The
// transition to Stopped completes when the last worker exits; observe it
// via Wait.
func (p *Pipeline) Drain() {
	if p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		p.log.Info("pipeline draining")
	}
	p.draining.Store(true)
}

// Stop cancels the run without waiting for in-flight frames, then releases
// whatever is still buffered.
func (p *Pipeline) Stop() {
	p.draining.Store(true)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.flushAll()
	if !p.fatal.Load() {
		p.state.Store(int32(StateStopped))
	}
	p.log.Info("pipeline stopped", zap.String("state", p.State().String()))
}

// Wait blocks until all workers exit and returns the fatal error, if any.
// After a graceful drain the state is Stopped; after a fatal configuration
// error it is Idle, requiring reconfiguration before resuming.
func (p *Pipeline) Wait() error {
	p.wg.Wait()
	p.flushAll()
	if !p.fatal.Load() {
		p.state.Store(int32(StateStopped))
	}
	return p.err
}

// Supersede bumps the configuration epoch: frames captured before the bump
// are discarded by the stages instead of being completed. Called at a
// configuration checkpoint, never mid-frame.
func (p *Pipeline) Supersede() {
	epoch := p.epoch.Add(1)
	p.aligner.Reset()
	p.redetect.Store(true)
	p.log.Info("configuration epoch bumped", zap.Uint64("epoch", epoch))
}

// Stats returns a snapshot of the run counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesIn:  p.framesIn.Load(),
		FramesOut: p.framesOut.Load(),
		Dropped: p.qDetect.dropCount() + p.qAlign.dropCount() +
			p.qSwap.dropCount() + p.qMerge.dropCount() + p.qOut.dropCount(),
		Superseded: p.superseded.Load(),
		NoFace:     p.noFace.Load(),
		Swapped:    p.swapped.Load(),
	}
}

// LastTiming returns per-stage timings of the most recent merged frame.
func (p *Pipeline) LastTiming() Timing {
	p.timingMu.Lock()
	defer p.timingMu.Unlock()
	return p.lastTiming
}

// fail records a fatal configuration error: the run halts and the pipeline
// returns to Idle. Recoverable per-frame conditions never come through here.
func (p *Pipeline) fail(err error) {
	p.errOnce.Do(func() {
		p.err = err
		p.fatal.Store(true)
		p.state.Store(int32(StateIdle))
		p.log.Error("fatal configuration error, halting run", zap.Error(err))
		p.cancel()
	})
}

// stale discards work from a superseded epoch.
func (p *Pipeline) stale(j *job) bool {
	if j.frame.Epoch == p.epoch.Load() {
		return false
	}
	p.superseded.Add(1)
	j.release()
	return true
}

func (p *Pipeline) sourceLoop() {
	defer p.wg.Done()
	defer p.qDetect.close()

	var seq uint64
	for {
		if p.ctx.Err() != nil || p.draining.Load() {
			return
		}

		f, err := p.source.Read()
		if errors.Is(err, io.EOF) {
			p.log.Info("source exhausted, draining", zap.Uint64("frames", seq))
			p.Drain()
			return
		}
		if err != nil {
			p.log.Warn("frame read failed", zap.Error(err))
			continue
		}
		if f == nil {
			continue
		}

		seq++
		f.Seq = seq
		f.Epoch = p.epoch.Load()
		if f.CapturedAt.IsZero() {
			f.CapturedAt = time.Now()
		}
		p.framesIn.Add(1)

		if p.qDetect.push(&job{frame: f}) {
			p.log.Debug("frame dropped under backpressure",
				zap.String("queue", "detect"), zap.Uint64("seq", seq))
		}
	}
}

func (p *Pipeline) locateLoop() {
	defer p.wg.Done()

	for {
		j, ok, aborted := p.qDetect.pop(p.ctx)
		if aborted {
			return
		}
		if !ok {
			p.qAlign.close()
			return
		}
		if p.stale(j) {
			continue
		}

		// Full detection only when the tracker asks for it; tracked frames
		// skip the most expensive stage entirely.
		if p.redetect.Load() {
			start := time.Now()
			regions, err := p.locator.Locate(j.frame)
			j.detectDur = time.Since(start)
			if err != nil {
				// Detection failure is a per-frame miss, not a run failure.
				p.log.Warn("detection failed", zap.Uint64("seq", j.frame.Seq), zap.Error(err))
				regions = nil
			}
			j.regions = regions
			j.detectionRan = true
		}

		if p.qAlign.push(j) {
			p.log.Debug("frame dropped under backpressure",
				zap.String("queue", "align"), zap.Uint64("seq", j.frame.Seq))
		}
	}
}

func (p *Pipeline) alignLoop() {
	defer p.wg.Done()

	for {
		j, ok, aborted := p.qAlign.pop(p.ctx)
		if aborted {
			return
		}
		if !ok {
			p.qSwap.close()
			return
		}
		if p.stale(j) {
			continue
		}

		start := time.Now()
		crop, found := p.aligner.Update(j.frame, j.regions, j.detectionRan)
		j.alignDur = time.Since(start)
		p.redetect.Store(p.aligner.NeedsDetection())

		if found {
			j.crop = crop
		} else {
			p.noFace.Add(1)
		}

		if p.qSwap.push(j) {
			p.log.Debug("frame dropped under backpressure",
				zap.String("queue", "swap"), zap.Uint64("seq", j.frame.Seq))
		}
	}
}

func (p *Pipeline) swapLoop() {
	defer p.wg.Done()

	for {
		j, ok, aborted := p.qSwap.pop(p.ctx)
		if aborted {
			return
		}
		if !ok {
			p.qMerge.close()
			return
		}
		if p.stale(j) {
			continue
		}

		if j.crop != nil {
			start := time.Now()
			res, err := p.swapper.Infer(j.crop)
			j.swapDur = time.Since(start)
			if err != nil {
				// Inference failure means the configured model is broken for
				// this pipeline; halting beats silently emitting garbage.
				j.release()
				p.fail(errors.Wrap(err, "swap inference"))
				return
			}
			j.swap = res
			p.swapped.Add(1)
		}

		if p.qMerge.push(j) {
			p.log.Debug("frame dropped under backpressure",
				zap.String("queue", "merge"), zap.Uint64("seq", j.frame.Seq))
		}
	}
}

func (p *Pipeline) mergeLoop() {
	defer p.wg.Done()

	for {
		j, ok, aborted := p.qMerge.pop(p.ctx)
		if aborted {
			return
		}
		if !ok {
			p.qOut.close()
			return
		}
		if p.stale(j) {
			continue
		}

		start := time.Now()
		out, err := p.merger.Merge(j.frame, j.crop, j.swap)
		mergeDur := time.Since(start)

		// Merge takes ownership of the frame buffer on success; the crop and
		// swap artifacts are done either way.
		j.swap.Release()
		j.crop.Release()
		if err != nil {
			// An unvalidated frame is never emitted.
			p.log.Warn("merge rejected frame", zap.Uint64("seq", j.frame.Seq), zap.Error(err))
			j.frame.Release()
			continue
		}

		p.timingMu.Lock()
		p.lastTiming = Timing{
			Detection: j.detectDur,
			Alignment: j.alignDur,
			Swap:      j.swapDur,
			Merge:     mergeDur,
			Total:     time.Since(j.frame.CapturedAt),
		}
		p.timingMu.Unlock()

		if p.qOut.push(out) {
			p.log.Debug("frame dropped under backpressure",
				zap.String("queue", "out"), zap.Uint64("seq", out.Seq))
		}
	}
}

func (p *Pipeline) sinkLoop() {
	defer p.wg.Done()

	var lastSeq uint64
	for {
		out, ok, aborted := p.qOut.pop(p.ctx)
		if aborted {
			return
		}
		if !ok {
			return
		}

		// Order among surviving frames is preserved; anything else is a bug.
		if out.Seq <= lastSeq {
			p.log.Warn("out-of-order frame at sink",
				zap.Uint64("seq", out.Seq), zap.Uint64("last_seq", lastSeq))
			out.Release()
			continue
		}
		lastSeq = out.Seq

		if err := p.sink.Write(out); err != nil {
			p.log.Warn("sink write failed", zap.Uint64("seq", out.Seq), zap.Error(err))
		}
		p.framesOut.Add(1)
		out.Release()
	}
}

func (p *Pipeline) flushAll() {
	p.qDetect.flush()
	p.qAlign.flush()
	p.qSwap.flush()
	p.qMerge.flush()
	p.qOut.flush()
}
