package pipeline

import (
	"github.com/visagelab/liveswap/internal/frame"
)

// Source produces the raw frame stream. Read returns io.EOF when the stream
// ends, which drains the pipeline gracefully.
type Source interface {
	Read() (*frame.Frame, error)
	Close() error
}

// Sink consumes composited frames.
type Sink interface {
	Write(*frame.CompositedFrame) error
	Close() error
}

// Locator detects face regions in a frame.
type Locator interface {
	Locate(*frame.Frame) ([]frame.FaceRegion, error)
}

// Aligner tracks a face across frames and produces canonical-pose crops.
// detectionRan tells it whether regions came from a fresh detection; ok is
// false when no face is available for this frame.
type Aligner interface {
	Update(f *frame.Frame, regions []frame.FaceRegion, detectionRan bool) (crop *frame.AlignedCrop, ok bool)
	NeedsDetection() bool
	Reset()
}

// Swapper runs the identity-substitution model on an aligned crop.
type Swapper interface {
	Infer(*frame.AlignedCrop) (*frame.SwapResult, error)
}

// Merger composites a swap result back into the source frame. A nil crop
// and swap means pass-through.
type Merger interface {
	Merge(f *frame.Frame, crop *frame.AlignedCrop, swap *frame.SwapResult) (*frame.CompositedFrame, error)
}
