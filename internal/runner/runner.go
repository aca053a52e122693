// Package runner executes the identity-substitution model on aligned crops.
//
// The active model is an immutable Handle swapped atomically on configuration
// change: in-flight inferences complete against the handle they started with,
// later calls observe the new one, and a retired handle is closed only once
// its last in-flight call returns.
package runner

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
)

// ErrNoModel is returned when inference is requested before a model is loaded.
var ErrNoModel = errors.New("no model loaded")

// ErrShape marks fatal input/output shape mismatches. A shape error means the
// configured model is incompatible with the pipeline and the run must halt;
// it is never absorbed as a per-frame skip.
var ErrShape = errors.New("inference shape mismatch")

// Model is a loaded swap model. Run takes a canonical-size BGR crop and
// returns the synthesized face plus an optional opacity mask of the same
// size. Implementations are safe for sequential use by one goroutine.
type Model interface {
	Name() string
	CropSize() int
	Run(crop *gocv.Mat) (img *gocv.Mat, mask *gocv.Mat, err error)
	Close() error
}

var generationCounter atomic.Uint64

// Handle pairs a loaded model with a generation number. Immutable after
// construction; never mutated concurrently with an in-flight inference.
type Handle struct {
	model Model
	gen   uint64

	refs      atomic.Int32
	retired   atomic.Bool
	closeOnce sync.Once
}

// NewHandle wraps a loaded model in a fresh-generation handle.
func NewHandle(model Model) *Handle {
	return &Handle{
		model: model,
		gen:   generationCounter.Add(1),
	}
}

// Generation returns the handle's generation number.
func (h *Handle) Generation() uint64 {
	return h.gen
}

// Name returns the loaded model's name.
func (h *Handle) Name() string {
	return h.model.Name()
}

// CropSize returns the canonical crop edge length the model expects.
func (h *Handle) CropSize() int {
	return h.model.CropSize()
}

func (h *Handle) acquire() {
	h.refs.Add(1)
}

func (h *Handle) release() {
	if h.refs.Add(-1) == 0 && h.retired.Load() {
		h.close()
	}
}

// retire marks the handle for disposal; it closes immediately when idle,
// otherwise the last in-flight release closes it.
func (h *Handle) retire() {
	h.retired.Store(true)
	if h.refs.Load() == 0 {
		h.close()
	}
}

func (h *Handle) close() {
	h.closeOnce.Do(func() {
		_ = h.model.Close()
	})
}

// Runner runs swap inference against the currently active handle.
type Runner struct {
	handle atomic.Pointer[Handle]
}

// New creates a runner with no model loaded.
func New() *Runner {
	return &Runner{}
}

// SetHandle atomically activates a new model handle. The previous handle, if
// any, is retired; it stays valid for inferences that already captured it.
func (r *Runner) SetHandle(h *Handle) {
	old := r.handle.Swap(h)
	if old != nil {
		old.retire()
	}
}

// Handle returns the currently active handle, or nil.
func (r *Runner) Handle() *Handle {
	return r.handle.Load()
}

// Close retires the active handle.
func (r *Runner) Close() {
	if old := r.handle.Swap(nil); old != nil {
		old.retire()
	}
}

// Infer synthesizes the substituted face for one aligned crop. Pure with
// respect to the handle captured at entry; the result is stamped with both
// the crop's sequence number and the handle's generation.
func (r *Runner) Infer(crop *frame.AlignedCrop) (*frame.SwapResult, error) {
	h := r.handle.Load()
	if h == nil {
		return nil, ErrNoModel
	}

	h.acquire()
	defer h.release()

	if crop.Size != h.model.CropSize() {
		return nil, errors.Wrapf(ErrShape, "crop is %dpx, model %q expects %dpx",
			crop.Size, h.model.Name(), h.model.CropSize())
	}

	img, mask, err := h.model.Run(crop.Image)
	if err != nil {
		return nil, errors.Wrapf(err, "swap inference (model %q)", h.model.Name())
	}

	return &frame.SwapResult{
		Image:      img,
		Mask:       mask,
		Generation: h.gen,
		Seq:        crop.Seq,
	}, nil
}
